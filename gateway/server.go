// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves the collaboration protocol on a Unix socket.
// Each connection authenticates once, then multiplexes request-reply
// operations with pushed topic events over a single CBOR stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/call"
	"github.com/loomworks/loom/chat"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/identity"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/presence"
)

const (
	// defaultHeartbeatInterval keeps idle connections alive and lets
	// clients detect a dead server.
	defaultHeartbeatInterval = 10 * time.Second

	// defaultSubscriberBuffer is the per-topic channel capacity for
	// each connection. A connection that falls this far behind starts
	// losing frames; clients detect the gap via seq discontinuity.
	defaultSubscriberBuffer = 64

	// requestBufferSize is the channel capacity for inbound request
	// frames from a single connection.
	requestBufferSize = 8
)

// Config holds the parameters for creating a gateway server.
type Config struct {
	SocketPath string
	Identity   identity.TokenDecoder
	Directory  *directory.Service
	Chat       *chat.Service
	Calls      *call.Manager
	Presence   *presence.Tracker
	Broker     *broker.Broker
	Clock      clock.Clock
	Logger     *slog.Logger

	// HeartbeatInterval overrides the default heartbeat cadence.
	HeartbeatInterval time.Duration
	// SubscriberBuffer overrides the default per-topic buffer.
	SubscriberBuffer int
}

// Server accepts connections on a Unix socket and runs one connection
// loop per client. Shutdown is graceful: Serve stops accepting, closes
// live connections, and waits for their loops to finish (which fires
// the presence cleanup for every connection).
type Server struct {
	cfg Config

	activeConnections sync.WaitGroup

	// connMu guards the per-user connection registry used to push
	// membership revocations into live connection loops.
	connMu sync.Mutex
	conns  map[string]map[*connection]struct{}
}

// New creates a gateway server.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("gateway: SocketPath is required")
	}
	if cfg.Identity == nil || cfg.Directory == nil || cfg.Chat == nil || cfg.Calls == nil || cfg.Presence == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("gateway: Identity, Directory, Chat, Calls, Presence, and Broker are required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("gateway: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("gateway: Logger is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Server{
		cfg:   cfg,
		conns: make(map[string]map[*connection]struct{}),
	}, nil
}

// Serve listens on the Unix socket and dispatches connections until
// ctx is cancelled. Any stale socket file is removed before listening;
// the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.cfg.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.cfg.SocketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.cfg.Logger.Info("gateway listening", "path", s.cfg.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.cfg.Logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// register adds a live connection to the per-user registry.
func (s *Server) register(c *connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	set, ok := s.conns[c.userID]
	if !ok {
		set = make(map[*connection]struct{})
		s.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) deregister(c *connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	set := s.conns[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(s.conns, c.userID)
	}
}

// revokeMembership tells every live connection of a user to tear down
// its subscriptions for a channel. Called after a participant.remove
// commits, so the user stops receiving the channel's events even on
// connections other than the one that issued the removal.
func (s *Server) revokeMembership(channelID int64, userID string) {
	s.connMu.Lock()
	targets := make([]*connection, 0, len(s.conns[userID]))
	for c := range s.conns[userID] {
		targets = append(targets, c)
	}
	s.connMu.Unlock()

	// Delivered asynchronously: the issuing connection's own loop is
	// inside dispatch right now and cannot drain its channel.
	for _, c := range targets {
		go func(c *connection) {
			select {
			case c.revocations <- channelID:
			case <-c.done:
			}
		}(c)
	}
}
