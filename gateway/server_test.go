// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/call"
	"github.com/loomworks/loom/chat"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/identity"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/codec"
	"github.com/loomworks/loom/lib/sqlitepool"
	"github.com/loomworks/loom/presence"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type testGateway struct {
	socketPath string
	presence   *presence.Tracker
}

// startGateway wires the full stack and serves it on a socket in a
// temporary directory. Tokens alice-token, bob-token, and
// mallory-token resolve to the matching user ids.
func startGateway(t *testing.T) *testGateway {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "gateway.db"),
		Logger: slog.Default(),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, directory.Schema+chat.Schema+call.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	logger := slog.Default()
	bus := broker.New()
	dir, err := directory.New(directory.Config{Pool: pool, Clock: clock.Real(), Logger: logger})
	if err != nil {
		t.Fatalf("directory.New: %v", err)
	}
	chatService, err := chat.New(chat.Config{Pool: pool, Directory: dir, Broker: bus, Clock: clock.Real(), Logger: logger})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	calls, err := call.New(call.Config{Pool: pool, Directory: dir, Broker: bus, Clock: clock.Real(), Logger: logger})
	if err != nil {
		t.Fatalf("call.New: %v", err)
	}
	dir.SetCallDropper(calls)
	tracker := presence.New(bus, logger)

	socketPath := filepath.Join(t.TempDir(), "gw.sock")
	server, err := New(Config{
		SocketPath: socketPath,
		Identity: identity.StaticDecoder{
			"alice-token":   "alice",
			"bob-token":     "bob",
			"mallory-token": "mallory",
		},
		Directory: dir,
		Chat:      chatService,
		Calls:     calls,
		Presence:  tracker,
		Broker:    bus,
		Clock:     clock.Real(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		probe, err := net.Dial("unix", socketPath)
		if err == nil {
			probe.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway socket never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &testGateway{socketPath: socketPath, presence: tracker}
}

// dial connects and authenticates, failing the test on error.
func (g *testGateway) dial(t *testing.T, token string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), g.socketPath, token)
	if err != nil {
		t.Fatalf("Dial(%s): %v", token, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// createChannel makes a channel through the client and returns it.
func createChannel(t *testing.T, client *Client, name string) directory.Channel {
	t.Helper()
	data, err := client.Do(context.Background(), "channel.create",
		map[string]any{"name": name, "visibility": "public"})
	if err != nil {
		t.Fatalf("channel.create: %v", err)
	}
	var channel directory.Channel
	if err := codec.Unmarshal(data, &channel); err != nil {
		t.Fatalf("decoding channel: %v", err)
	}
	return channel
}

// joinAndSubscribe adds the client's user to the channel (self-add to
// a public channel) and subscribes to its topics.
func joinAndSubscribe(t *testing.T, client *Client, channelID int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := client.Do(ctx, "participant.add",
		map[string]any{"channel_id": channelID, "user_id": client.UserID}); err != nil && !fault.IsKind(err, fault.AlreadyMember) {
		t.Fatalf("participant.add: %v", err)
	}
	if _, err := client.Do(ctx, "subscribe", map[string]any{"channel_id": channelID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// nextEvent scans the client's event stream until a frame on the given
// topic with the given type arrives.
func nextEvent(t *testing.T, client *Client, topic, eventType string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-client.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s on %s", eventType, topic)
			}
			if event.Topic == topic && event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", eventType, topic)
		}
	}
}

// nextPresenceChange scans the client's event stream until the given
// user's presence flips to the given state in the channel. Other
// presence frames (including the client's own) are skipped.
func nextPresenceChange(t *testing.T, client *Client, channelID int64, userID string, online bool) {
	t.Helper()
	topic := broker.PresenceTopic(channelID)
	for {
		event := nextEvent(t, client, topic, presence.EventChanged)
		var change presence.Change
		if err := event.Decode(&change); err != nil {
			t.Fatalf("decoding presence change: %v", err)
		}
		if change.UserID == userID && change.Online == online {
			return
		}
	}
}

// requireNoEvent asserts that no frame on the given topic with the
// given type arrives within the window.
func requireNoEvent(t *testing.T, client *Client, topic, eventType string, window time.Duration) {
	t.Helper()
	timeout := time.After(window)
	for {
		select {
		case event, ok := <-client.Events():
			if !ok {
				return
			}
			if event.Topic == topic && event.Type == eventType {
				t.Fatalf("unexpected %s on %s: %+v", eventType, topic, event)
			}
		case <-timeout:
			return
		}
	}
}

func TestAuthentication(t *testing.T) {
	g := startGateway(t)

	if _, err := Dial(context.Background(), g.socketPath, "wrong-token"); !fault.IsKind(err, fault.Unauthenticated) {
		t.Fatalf("Dial with bad token = %v, want Unauthenticated", err)
	}

	client := g.dial(t, "alice-token")
	if client.UserID != "alice" || client.ConnectionID == "" {
		t.Fatalf("welcome = %q/%q", client.UserID, client.ConnectionID)
	}
}

func TestMessageDelivery(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice := g.dial(t, "alice-token")
	bob := g.dial(t, "bob-token")

	channel := createChannel(t, alice, "general")
	joinAndSubscribe(t, alice, channel.ID)
	joinAndSubscribe(t, bob, channel.ID)

	data, err := alice.Do(ctx, "message.send", map[string]any{
		"channel_id": channel.ID,
		"content":    map[string]any{"text": "hello from alice"},
		"type":       "text",
	})
	if err != nil {
		t.Fatalf("message.send: %v", err)
	}
	var sent chat.Message
	if err := codec.Unmarshal(data, &sent); err != nil {
		t.Fatalf("decoding sent message: %v", err)
	}
	if sent.ID == 0 || sent.SenderID != "alice" {
		t.Fatalf("sent = %+v", sent)
	}

	topic := broker.MessageTopic(channel.ID)
	for _, client := range []*Client{alice, bob} {
		event := nextEvent(t, client, topic, chat.EventCreated)
		var received chat.Message
		if err := event.Decode(&received); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if received.ID != sent.ID || received.Content.Text != "hello from alice" {
			t.Fatalf("%s received %+v", client.UserID, received)
		}
	}

	// message.list sees the stored message.
	data, err = bob.Do(ctx, "message.list", map[string]any{"channel_id": channel.ID})
	if err != nil {
		t.Fatalf("message.list: %v", err)
	}
	var messages []chat.Message
	if err := codec.Unmarshal(data, &messages); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != sent.ID {
		t.Fatalf("list = %+v", messages)
	}
}

func TestNonMemberRejected(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice := g.dial(t, "alice-token")
	mallory := g.dial(t, "mallory-token")
	channel := createChannel(t, alice, "private-ish")

	if _, err := mallory.Do(ctx, "message.send", map[string]any{
		"channel_id": channel.ID,
		"content":    map[string]any{"text": "let me in"},
	}); !fault.IsKind(err, fault.NotAuthorized) {
		t.Fatalf("send by non-member = %v, want NotAuthorized", err)
	}
	if _, err := mallory.Do(ctx, "subscribe", map[string]any{"channel_id": channel.ID}); !fault.IsKind(err, fault.NotAuthorized) {
		t.Fatalf("subscribe by non-member = %v, want NotAuthorized", err)
	}
	if _, err := mallory.Do(ctx, "presence.list", map[string]any{"channel_id": channel.ID}); !fault.IsKind(err, fault.NotAuthorized) {
		t.Fatalf("presence.list by non-member = %v, want NotAuthorized", err)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	g := startGateway(t)

	alice := g.dial(t, "alice-token")
	bob := g.dial(t, "bob-token")

	channel := createChannel(t, alice, "presence-check")
	joinAndSubscribe(t, alice, channel.ID)
	joinAndSubscribe(t, bob, channel.ID)

	nextPresenceChange(t, alice, channel.ID, "bob", true)

	// An abrupt close, not an explicit unsubscribe: the server's own
	// disconnect path must mark bob offline, exactly once.
	bob.Close()

	nextPresenceChange(t, alice, channel.ID, "bob", false)
	requireNoEvent(t, alice, broker.PresenceTopic(channel.ID), presence.EventChanged, 100*time.Millisecond)

	if g.presence.Online(channel.ID, "bob") {
		t.Fatal("bob still online in tracker after disconnect")
	}
}

func TestRemovalRevokesSubscriptions(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice := g.dial(t, "alice-token")
	bob := g.dial(t, "bob-token")

	channel := createChannel(t, alice, "revocable")
	joinAndSubscribe(t, alice, channel.ID)
	joinAndSubscribe(t, bob, channel.ID)

	// Alice removes bob; bob's live connection must shed the
	// channel's subscriptions and go offline there.
	if _, err := alice.Do(ctx, "participant.remove",
		map[string]any{"channel_id": channel.ID, "user_id": "bob"}); err != nil {
		t.Fatalf("participant.remove: %v", err)
	}

	nextPresenceChange(t, alice, channel.ID, "bob", false)

	// Messages sent after the revocation no longer reach bob.
	if _, err := alice.Do(ctx, "message.send", map[string]any{
		"channel_id": channel.ID,
		"content":    map[string]any{"text": "bob is gone"},
	}); err != nil {
		t.Fatalf("message.send: %v", err)
	}
	messageTopic := broker.MessageTopic(channel.ID)
	nextEvent(t, alice, messageTopic, chat.EventCreated)
	requireNoEvent(t, bob, messageTopic, chat.EventCreated, 200*time.Millisecond)

	// And bob's requests against the channel now fail.
	if _, err := bob.Do(ctx, "message.send", map[string]any{
		"channel_id": channel.ID,
		"content":    map[string]any{"text": "still here?"},
	}); !fault.IsKind(err, fault.NotAuthorized) {
		t.Fatalf("send after removal = %v, want NotAuthorized", err)
	}
}

func TestCallOverGateway(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice := g.dial(t, "alice-token")
	bob := g.dial(t, "bob-token")

	channel := createChannel(t, alice, "war-room")
	joinAndSubscribe(t, alice, channel.ID)
	joinAndSubscribe(t, bob, channel.ID)

	data, err := alice.Do(ctx, "call.initiate",
		map[string]any{"channel_id": channel.ID, "call_type": "video"})
	if err != nil {
		t.Fatalf("call.initiate: %v", err)
	}
	var session call.Session
	if err := codec.Unmarshal(data, &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if session.Status != call.StatusInitiated {
		t.Fatalf("session = %+v", session)
	}

	callTopic := broker.CallTopic(channel.ID)
	nextEvent(t, bob, callTopic, call.EventState)

	data, err = bob.Do(ctx, "call.join", map[string]any{"call_id": session.ID})
	if err != nil {
		t.Fatalf("call.join: %v", err)
	}
	if err := codec.Unmarshal(data, &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if session.Status != call.StatusActive || len(session.Participants) != 2 {
		t.Fatalf("after join: %+v", session)
	}

	// Alice relays an offer; bob, attached to the signaling topic by
	// joining, receives it.
	if _, err := alice.Do(ctx, "call.signal", map[string]any{
		"call_id":     session.ID,
		"signal_type": "offer",
		"payload":     map[string]any{"sdp": testSDP},
	}); err != nil {
		t.Fatalf("call.signal: %v", err)
	}
	signalTopic := broker.SignalingTopic(session.ID)
	event := nextEvent(t, bob, signalTopic, call.EventSignal)
	var relayed call.SignalingEvent
	if err := event.Decode(&relayed); err != nil {
		t.Fatalf("decoding signaling event: %v", err)
	}
	if relayed.FromID != "alice" || relayed.Type != call.SignalOffer {
		t.Fatalf("relayed = %+v", relayed)
	}

	data, err = bob.Do(ctx, "call.end", map[string]any{"call_id": session.ID})
	if err != nil {
		t.Fatalf("call.end: %v", err)
	}
	if err := codec.Unmarshal(data, &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if session.Status != call.StatusEnded {
		t.Fatalf("after end: %+v", session)
	}

	if _, err := alice.Do(ctx, "call.signal", map[string]any{
		"call_id":     session.ID,
		"signal_type": "offer",
		"payload":     map[string]any{"sdp": testSDP},
	}); !fault.IsKind(err, fault.AlreadyTerminal) {
		t.Fatalf("signal after end = %v, want AlreadyTerminal", err)
	}
}

func TestPresenceList(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice := g.dial(t, "alice-token")
	bob := g.dial(t, "bob-token")

	channel := createChannel(t, alice, "roster")
	joinAndSubscribe(t, alice, channel.ID)
	joinAndSubscribe(t, bob, channel.ID)

	data, err := alice.Do(ctx, "presence.list", map[string]any{"channel_id": channel.ID})
	if err != nil {
		t.Fatalf("presence.list: %v", err)
	}
	var result struct {
		ChannelID int64    `cbor:"channel_id"`
		Users     []string `cbor:"users"`
	}
	if err := codec.Unmarshal(data, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Users) != 2 {
		t.Fatalf("online users = %v, want alice and bob", result.Users)
	}

	// Explicit unsubscribe removes the caller from the online set.
	if _, err := bob.Do(ctx, "unsubscribe", map[string]any{"channel_id": channel.ID}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	nextPresenceChange(t, alice, channel.ID, "bob", false)

	data, err = alice.Do(ctx, "presence.list", map[string]any{"channel_id": channel.ID})
	if err != nil {
		t.Fatalf("presence.list: %v", err)
	}
	if err := codec.Unmarshal(data, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Users) != 1 || result.Users[0] != "alice" {
		t.Fatalf("online users after unsubscribe = %v, want [alice]", result.Users)
	}
}
