// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/lib/testutil"
)

func decodeChange(t *testing.T, event broker.Event) Change {
	t.Helper()
	if event.Type != EventChanged {
		t.Fatalf("event type = %q, want %q", event.Type, EventChanged)
	}
	var change Change
	if err := event.Decode(&change); err != nil {
		t.Fatalf("decoding presence.changed: %v", err)
	}
	return change
}

func TestConnectedDisconnectedBroadcast(t *testing.T) {
	bus := broker.New()
	tracker := New(bus, slog.Default())
	sub := bus.Topic(broker.PresenceTopic(7)).Subscribe(16)

	tracker.Connected(7, "alice")
	change := decodeChange(t, testutil.RequireReceive(t, sub.Events(), time.Second, "online event"))
	if change.UserID != "alice" || !change.Online || change.ChannelID != 7 {
		t.Fatalf("change = %+v", change)
	}
	if !tracker.Online(7, "alice") {
		t.Fatal("alice not online after Connected")
	}

	tracker.Disconnected(7, "alice")
	change = decodeChange(t, testutil.RequireReceive(t, sub.Events(), time.Second, "offline event"))
	if change.UserID != "alice" || change.Online {
		t.Fatalf("change = %+v", change)
	}
	if tracker.Online(7, "alice") {
		t.Fatal("alice still online after Disconnected")
	}
}

func TestIdempotentTransitions(t *testing.T) {
	bus := broker.New()
	tracker := New(bus, slog.Default())
	sub := bus.Topic(broker.PresenceTopic(7)).Subscribe(16)

	// Double connect broadcasts exactly once.
	tracker.Connected(7, "alice")
	tracker.Connected(7, "alice")
	testutil.RequireReceive(t, sub.Events(), time.Second, "online event")
	testutil.RequireNoReceive(t, sub.Events(), 50*time.Millisecond, "no duplicate online event")

	if got := tracker.OnlineUsers(7); len(got) != 1 {
		t.Fatalf("online set = %v, want exactly [alice]", got)
	}

	// Double disconnect likewise, and disconnecting an unknown user
	// is silent.
	tracker.Disconnected(7, "alice")
	tracker.Disconnected(7, "alice")
	tracker.Disconnected(7, "nobody")
	testutil.RequireReceive(t, sub.Events(), time.Second, "offline event")
	testutil.RequireNoReceive(t, sub.Events(), 50*time.Millisecond, "no duplicate offline event")
}

func TestChannelsAreIndependent(t *testing.T) {
	bus := broker.New()
	tracker := New(bus, slog.Default())

	tracker.Connected(1, "alice")
	tracker.Connected(2, "alice")
	tracker.Connected(1, "bob")

	if !tracker.Online(1, "alice") || !tracker.Online(2, "alice") {
		t.Fatal("alice should be online in both channels")
	}

	tracker.Disconnected(1, "alice")
	if tracker.Online(1, "alice") {
		t.Fatal("alice still online in channel 1")
	}
	if !tracker.Online(2, "alice") {
		t.Fatal("disconnect from channel 1 leaked into channel 2")
	}

	users := tracker.OnlineUsers(1)
	sort.Strings(users)
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("channel 1 online set = %v, want [bob]", users)
	}
}

func TestOnlineUsersSnapshot(t *testing.T) {
	bus := broker.New()
	tracker := New(bus, slog.Default())

	for _, user := range []string{"alice", "bob", "carol"} {
		tracker.Connected(9, user)
	}
	snapshot := tracker.OnlineUsers(9)
	sort.Strings(snapshot)
	want := []string{"alice", "bob", "carol"}
	if len(snapshot) != len(want) {
		t.Fatalf("snapshot = %v, want %v", snapshot, want)
	}
	for i := range want {
		if snapshot[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", snapshot, want)
		}
	}

	// Mutating after the snapshot does not alter it.
	tracker.Disconnected(9, "bob")
	if len(snapshot) != 3 {
		t.Fatalf("snapshot changed retroactively: %v", snapshot)
	}
	if got := tracker.OnlineUsers(9); len(got) != 2 {
		t.Fatalf("online set after disconnect = %v, want two users", got)
	}

	if got := tracker.OnlineUsers(404); len(got) != 0 {
		t.Fatalf("unknown channel online set = %v, want empty", got)
	}
}
