// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/codec"
)

// helloTimeout is how long the server waits for the handshake frame.
const helloTimeout = 30 * time.Second

// connection is one authenticated client. The loop goroutine owns all
// subscription state; other goroutines communicate with it only
// through the events, requests, and revocations channels.
type connection struct {
	server  *Server
	id      string
	userID  string
	netConn net.Conn
	encoder *codec.Encoder

	// events is the fan-in point for all pump goroutines. Per-topic
	// order is preserved because each topic has exactly one pump.
	events      chan broker.Event
	revocations chan int64
	done        chan struct{}

	// Owned by the loop goroutine.
	channelSubs map[int64][]*broker.Subscription
	signalSubs  map[int64]*broker.Subscription
}

// handleConnection runs the full life of one client connection:
// handshake, request/event loop, and presence cleanup. The cleanup
// runs on every exit path, normal or not, so an abnormal drop still
// marks the user offline everywhere.
func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	netConn.SetReadDeadline(time.Now().Add(helloTimeout))
	decoder := codec.NewDecoder(netConn)
	encoder := codec.NewEncoder(netConn)

	var hello helloRequest
	if err := decoder.Decode(&hello); err != nil {
		if !errors.Is(err, io.EOF) {
			encoder.Encode(helloResponse{Error: "invalid hello frame"})
		}
		return
	}
	userID, err := s.cfg.Identity.DecodeToken(ctx, hello.Token)
	if err != nil {
		s.cfg.Logger.Warn("authentication failed", "error", err)
		encoder.Encode(helloResponse{Error: err.Error()})
		return
	}
	netConn.SetReadDeadline(time.Time{})

	c := &connection{
		server:      s,
		id:          uuid.NewString(),
		userID:      userID,
		netConn:     netConn,
		encoder:     encoder,
		events:      make(chan broker.Event, s.cfg.SubscriberBuffer),
		revocations: make(chan int64, requestBufferSize),
		done:        make(chan struct{}),
		channelSubs: make(map[int64][]*broker.Subscription),
		signalSubs:  make(map[int64]*broker.Subscription),
	}
	s.register(c)

	if err := encoder.Encode(helloResponse{OK: true, UserID: userID, ConnectionID: c.id}); err != nil {
		s.deregister(c)
		close(c.done)
		return
	}
	s.cfg.Logger.Info("connection established", "connection_id", c.id, "user_id", userID)

	// Close the socket on context cancellation to unblock the reader
	// goroutine's blocking decode.
	go func() {
		select {
		case <-ctx.Done():
			netConn.Close()
		case <-c.done:
		}
	}()

	requests := make(chan requestFrame, requestBufferSize)
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- c.readRequests(decoder, requests)
	}()

	c.loop(ctx, requests, readerDone)

	s.deregister(c)
	close(c.done)
	c.teardownAll()
	s.cfg.Logger.Info("connection closed", "connection_id", c.id, "user_id", userID)
}

// readRequests decodes request frames from the client until the
// connection closes. A clean close (EOF or closed socket) returns nil.
func (c *connection) readRequests(decoder *codec.Decoder, requests chan<- requestFrame) error {
	for {
		var frame requestFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if opError := (*net.OpError)(nil); errors.As(err, &opError) && opError.Err.Error() == "use of closed network connection" {
				return nil
			}
			return err
		}
		select {
		case requests <- frame:
		case <-c.done:
			return nil
		}
	}
}

// loop multiplexes requests, pushed events, heartbeats, and membership
// revocations onto the single outbound stream.
func (c *connection) loop(ctx context.Context, requests <-chan requestFrame, readerDone <-chan error) {
	heartbeat := c.server.cfg.Clock.NewTicker(c.server.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case frame := <-requests:
			if !c.respond(ctx, frame) {
				return
			}

		case event := <-c.events:
			err := c.encoder.Encode(serverFrame{
				Kind:    frameEvent,
				Topic:   event.Topic,
				Type:    event.Type,
				Seq:     event.Seq,
				Payload: event.Payload,
			})
			if err != nil {
				c.server.cfg.Logger.Debug("event write failed", "connection_id", c.id, "error", err)
				return
			}

		case channelID := <-c.revocations:
			c.dropChannel(channelID)

		case <-heartbeat.C:
			if err := c.encoder.Encode(serverFrame{Kind: frameHeartbeat}); err != nil {
				c.server.cfg.Logger.Debug("heartbeat write failed", "connection_id", c.id, "error", err)
				return
			}

		case err := <-readerDone:
			if err != nil && ctx.Err() == nil {
				c.server.cfg.Logger.Debug("client read error", "connection_id", c.id, "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// respond dispatches one request and writes its response frame.
// Reports whether the connection is still usable.
func (c *connection) respond(ctx context.Context, frame requestFrame) bool {
	result, err := c.dispatch(ctx, frame.Action, frame.Params)

	response := serverFrame{Kind: frameResponse, ID: frame.ID, OK: err == nil}
	if err != nil {
		c.server.cfg.Logger.Debug("action failed",
			"connection_id", c.id,
			"action", frame.Action,
			"error", err,
		)
		response.Error = toWireError(err)
	} else if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			response.OK = false
			response.Error = toWireError(fault.Wrap("encoding response", err))
		} else {
			response.Data = data
		}
	}

	if err := c.encoder.Encode(response); err != nil {
		c.server.cfg.Logger.Debug("response write failed", "connection_id", c.id, "error", err)
		return false
	}
	return true
}

// subscribeChannel attaches the channel's message, call, and presence
// topics to this connection and marks the user online. Idempotent.
// The caller has already verified membership.
func (c *connection) subscribeChannel(channelID int64) {
	if _, ok := c.channelSubs[channelID]; ok {
		return
	}
	topics := []string{
		broker.MessageTopic(channelID),
		broker.CallTopic(channelID),
		broker.PresenceTopic(channelID),
	}
	subs := make([]*broker.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub := c.server.cfg.Broker.Topic(topic).Subscribe(c.server.cfg.SubscriberBuffer)
		subs = append(subs, sub)
		go c.pump(sub)
	}
	c.channelSubs[channelID] = subs
	c.server.cfg.Presence.Connected(channelID, c.userID)
}

// dropChannel reverses subscribeChannel. Idempotent.
func (c *connection) dropChannel(channelID int64) {
	subs, ok := c.channelSubs[channelID]
	if !ok {
		return
	}
	delete(c.channelSubs, channelID)
	for _, sub := range subs {
		sub.Close()
	}
	c.server.cfg.Presence.Disconnected(channelID, c.userID)
}

// attachSignaling subscribes the connection to a call's signaling
// topic. Called when this connection initiates or joins a call. The
// subscription dies with the call: ending the call drops the topic,
// which closes the subscription and ends its pump.
func (c *connection) attachSignaling(callID int64) {
	if _, ok := c.signalSubs[callID]; ok {
		return
	}
	sub := c.server.cfg.Broker.Topic(broker.SignalingTopic(callID)).Subscribe(c.server.cfg.SubscriberBuffer)
	c.signalSubs[callID] = sub
	go c.pump(sub)
}

// pump forwards one subscription into the connection's fan-in channel.
// Exits when the subscription closes or the connection dies.
func (c *connection) pump(sub *broker.Subscription) {
	for event := range sub.Events() {
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

// teardownAll closes every subscription and marks the user offline in
// every channel this connection was subscribed to. Runs exactly once,
// after the loop has exited.
func (c *connection) teardownAll() {
	for channelID, subs := range c.channelSubs {
		for _, sub := range subs {
			sub.Close()
		}
		c.server.cfg.Presence.Disconnected(channelID, c.userID)
	}
	c.channelSubs = nil
	for _, sub := range c.signalSubs {
		sub.Close()
	}
	c.signalSubs = nil
}
