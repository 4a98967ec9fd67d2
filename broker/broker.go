// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the in-process publish/subscribe bus that carries
// every push-style event in the collaboration engine: message events,
// call state snapshots, signaling relays, and presence changes. One
// topic exists per channel feed ([MessageTopic], [CallTopic],
// [PresenceTopic]) and per active call ([SignalingTopic]).
//
// Ordering: publishes on a single topic are serialized by the topic's
// mutex and stamped with a per-topic sequence number, so every
// subscriber observes that topic's events in the same relative order.
// No ordering holds across topics.
//
// Backpressure: each subscription has a bounded buffer. Fan-out uses
// non-blocking sends; when a subscriber's buffer is full the event is
// dropped for that subscriber only, and the subscriber detects the gap
// from the sequence discontinuity. A slow consumer never stalls the
// publisher or its peers.
package broker

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/lib/codec"
)

// Topic name constructors. Channel and call ids are the storage
// surrogate ids.

// MessageTopic is the per-channel feed of message events.
func MessageTopic(channelID int64) string { return fmt.Sprintf("messages.%d", channelID) }

// CallTopic is the per-channel feed of call state snapshots.
func CallTopic(channelID int64) string { return fmt.Sprintf("calls.%d", channelID) }

// PresenceTopic is the per-channel feed of presence changes.
func PresenceTopic(channelID int64) string { return fmt.Sprintf("presence.%d", channelID) }

// SignalingTopic is the per-call feed of relayed signaling events.
func SignalingTopic(callID int64) string { return fmt.Sprintf("signaling.%d", callID) }

// Event is one published value. Payload is encoded once at publish
// time and shared by all subscribers.
type Event struct {
	Topic   string           `cbor:"topic"`
	Type    string           `cbor:"type"`
	Seq     uint64           `cbor:"seq"`
	Payload codec.RawMessage `cbor:"payload"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.Payload, v)
}

// Broker owns the topic registry. The zero value is not usable; call
// [New].
type Broker struct {
	mu     sync.Mutex
	topics map[string]*Topic
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*Topic)}
}

// Topic returns the named topic, creating it on first use.
func (b *Broker) Topic(name string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.topics[name]
	if !ok {
		topic = &Topic{name: name}
		b.topics[name] = topic
	}
	return topic
}

// Drop removes the named topic and closes all of its subscriptions.
// Used when a call reaches a terminal state and its signaling topic
// has no future. Publishing on a dropped topic is a silent no-op for
// any stale holder of the *Topic.
func (b *Broker) Drop(name string) {
	b.mu.Lock()
	topic, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if ok {
		topic.close()
	}
}

// Topic is a single ordered event feed.
type Topic struct {
	name string

	mu          sync.Mutex
	seq         uint64
	closed      bool
	subscribers []*Subscription
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Publish encodes payload, assigns the next sequence number, and fans
// the event out to every subscriber. The encode happens before the
// lock; sequence assignment and fan-out happen under it, which is what
// gives the topic its total order.
func (t *Topic) Publish(eventType string, payload any) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: encoding %s event for %s: %w", eventType, t.name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	t.seq++
	event := Event{
		Topic:   t.name,
		Type:    eventType,
		Seq:     t.seq,
		Payload: encoded,
	}

	for _, sub := range t.subscribers {
		select {
		case sub.events <- event:
		default:
			// Subscriber is slow. Drop the event for it; the gap is
			// visible as a sequence discontinuity.
		}
	}
	return nil
}

// Subscribe attaches a new subscription with the given buffer size
// (minimum 1). The subscription receives every event published after
// the Subscribe call returns.
func (t *Topic) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		topic:  t,
		events: make(chan Event, buffer),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(sub.events)
		return sub
	}
	t.subscribers = append(t.subscribers, sub)
	return sub
}

// close detaches and closes every subscription.
func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, sub := range t.subscribers {
		close(sub.events)
	}
	t.subscribers = nil
}

// Subscription is one consumer's view of a topic. Read events from
// [Subscription.Events]; the channel is closed when the subscription
// is closed or the topic is dropped.
type Subscription struct {
	topic *Topic

	closeOnce sync.Once
	events    chan Event
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscription from its topic and closes the event
// channel. Idempotent; safe to call concurrently with Publish.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		t := s.topic
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			// Topic already closed the channel.
			return
		}
		for i, sub := range t.subscribers {
			if sub == s {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				break
			}
		}
		close(s.events)
	})
}
