// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks which users currently hold a live connection
// to each channel. State is process-local and in-memory: it starts
// empty, is rebuilt from live connections, and is lost on restart.
package presence

import (
	"log/slog"
	"sync"

	"github.com/loomworks/loom/broker"
)

// EventChanged is published on a channel's presence topic whenever a
// user's online state actually flips.
const EventChanged = "presence.changed"

// Change is the payload of an EventChanged broadcast.
type Change struct {
	ChannelID int64  `cbor:"channel_id"`
	UserID    string `cbor:"user_id"`
	Online    bool   `cbor:"online"`
}

// Tracker maintains the per-channel online sets. All methods are safe
// for concurrent use and never return errors to the transport; a
// presence update that cannot broadcast is logged and dropped.
type Tracker struct {
	broker *broker.Broker
	logger *slog.Logger

	shards [presenceShards]shard
}

const presenceShards = 16

// shard holds the online sets for the channel ids that hash to it.
// Striping keeps unrelated channels from contending on one lock.
type shard struct {
	mu       sync.Mutex
	channels map[int64]map[string]bool
}

// New creates a tracker.
func New(b *broker.Broker, logger *slog.Logger) *Tracker {
	t := &Tracker{broker: b, logger: logger}
	for i := range t.shards {
		t.shards[i].channels = make(map[int64]map[string]bool)
	}
	return t
}

func (t *Tracker) shard(channelID int64) *shard {
	return &t.shards[uint64(channelID)%presenceShards]
}

// Connected marks a user online in a channel. Idempotent: a user
// already online stays online and nothing is broadcast.
func (t *Tracker) Connected(channelID int64, userID string) {
	s := t.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.channels[channelID]
	if !ok {
		users = make(map[string]bool)
		s.channels[channelID] = users
	}
	if users[userID] {
		return
	}
	users[userID] = true
	// Published under the shard lock so subscribers observe presence
	// flips for a channel in the order they happened.
	t.publish(channelID, userID, true)
}

// Disconnected marks a user offline in a channel. Idempotent; must be
// driven by the transport's own disconnect notification so abnormal
// drops are reflected too.
func (t *Tracker) Disconnected(channelID int64, userID string) {
	s := t.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.channels[channelID]
	if !users[userID] {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.channels, channelID)
	}
	t.publish(channelID, userID, false)
}

// OnlineUsers returns a snapshot of the channel's online set. The
// snapshot is process-local and unordered.
func (t *Tracker) OnlineUsers(channelID int64) []string {
	s := t.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.channels[channelID]
	snapshot := make([]string, 0, len(users))
	for user := range users {
		snapshot = append(snapshot, user)
	}
	return snapshot
}

// Online reports whether a user is currently online in a channel.
func (t *Tracker) Online(channelID int64, userID string) bool {
	s := t.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID][userID]
}

func (t *Tracker) publish(channelID int64, userID string, online bool) {
	change := Change{ChannelID: channelID, UserID: userID, Online: online}
	if err := t.broker.Topic(broker.PresenceTopic(channelID)).Publish(EventChanged, change); err != nil {
		t.logger.Error("publishing presence.changed", "channel_id", channelID, "user_id", userID, "online", online, "error", err)
	}
}
