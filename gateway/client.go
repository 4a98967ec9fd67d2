// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/codec"
)

// Event is a pushed topic event as seen by a client.
type Event struct {
	Topic   string
	Type    string
	Seq     uint64
	Payload codec.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.Payload, v)
}

// clientEventBuffer is the capacity of the client-side event channel.
// The demux goroutine blocks once it fills, which in turn stalls
// response delivery, so consumers should drain promptly.
const clientEventBuffer = 256

// Client is a connected gateway client. Do may be called from any
// goroutine; pushed events arrive on Events.
type Client struct {
	// UserID and ConnectionID are the identity the server assigned
	// during the handshake.
	UserID       string
	ConnectionID string

	conn    net.Conn
	writeMu sync.Mutex
	encoder *codec.Encoder

	events chan Event

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan serverFrame
	err     error
}

// Dial connects to a gateway socket and authenticates with the given
// credential token.
func Dial(ctx context.Context, socketPath, token string) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}

	encoder := codec.NewEncoder(conn)
	decoder := codec.NewDecoder(conn)
	if err := encoder.Encode(helloRequest{Token: token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	var welcome helloResponse
	if err := decoder.Decode(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if !welcome.OK {
		conn.Close()
		return nil, fault.New(fault.Unauthenticated, "%s", welcome.Error)
	}

	c := &Client{
		UserID:       welcome.UserID,
		ConnectionID: welcome.ConnectionID,
		conn:         conn,
		encoder:      encoder,
		events:       make(chan Event, clientEventBuffer),
		pending:      make(map[uint64]chan serverFrame),
	}
	go c.demux(decoder)
	return c, nil
}

// Events returns the channel of pushed topic events. Closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears down the connection. In-flight Do calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its response. The returned bytes
// are the response's data field, empty for actions with no payload. A
// failure response comes back as a fault error carrying the server's
// error kind.
func (c *Client) Do(ctx context.Context, action string, params any) (codec.RawMessage, error) {
	var raw codec.RawMessage
	if params != nil {
		encoded, err := codec.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		raw = encoded
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	waiter := make(chan serverFrame, 1)
	c.pending[id] = waiter
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.encoder.Encode(requestFrame{ID: id, Action: action, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}

	select {
	case frame, ok := <-waiter:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if frame.Error != nil {
			return nil, fault.New(fault.Kind(frame.Error.Kind), "%s", frame.Error.Message)
		}
		if !frame.OK {
			return nil, fault.New(fault.Unavailable, "request failed without error detail")
		}
		return frame.Data, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// demux routes inbound frames: responses to their waiters, events to
// the event channel. Heartbeats are consumed silently. On connection
// loss every waiter is failed and the event channel is closed.
func (c *Client) demux(decoder *codec.Decoder) {
	var readErr error
	for {
		var frame serverFrame
		if err := decoder.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				readErr = err
			}
			break
		}
		switch frame.Kind {
		case frameResponse:
			c.mu.Lock()
			waiter := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if waiter != nil {
				waiter <- frame
			}
		case frameEvent:
			c.events <- Event{Topic: frame.Topic, Type: frame.Type, Seq: frame.Seq, Payload: frame.Payload}
		case frameHeartbeat:
		}
	}

	if readErr == nil {
		readErr = fault.New(fault.Unavailable, "connection closed")
	}
	c.mu.Lock()
	c.err = readErr
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.events)
}
