// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/lib/testutil"
)

func TestPublishOrderPerTopic(t *testing.T) {
	b := New()
	topic := b.Topic(MessageTopic(7))

	first := topic.Subscribe(64)
	second := topic.Subscribe(64)

	const count = 50
	for i := 0; i < count; i++ {
		if err := topic.Publish("message.created", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < count; i++ {
			event := testutil.RequireReceive(t, sub.Events(), time.Second, "event %d", i)
			var body string
			if err := event.Decode(&body); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if want := fmt.Sprintf("m%d", i); body != want {
				t.Fatalf("event %d body = %q, want %q", i, body, want)
			}
			if event.Seq != uint64(i+1) {
				t.Fatalf("event %d seq = %d, want %d", i, event.Seq, i+1)
			}
		}
	}
}

func TestConcurrentPublishersSameOrderForAllSubscribers(t *testing.T) {
	b := New()
	topic := b.Topic(MessageTopic(1))

	first := topic.Subscribe(256)
	second := topic.Subscribe(256)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				topic.Publish("message.created", fmt.Sprintf("p%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		a := testutil.RequireReceive(t, first.Events(), time.Second, "first sub event %d", i)
		b := testutil.RequireReceive(t, second.Events(), time.Second, "second sub event %d", i)
		if a.Seq != b.Seq || string(a.Payload) != string(b.Payload) {
			t.Fatalf("subscribers diverged at position %d: seq %d vs %d", i, a.Seq, b.Seq)
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	topic := b.Topic(MessageTopic(2))

	slow := topic.Subscribe(2)
	fast := topic.Subscribe(16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			topic.Publish("message.created", i)
		}
	}()
	testutil.RequireClosed(t, done, time.Second, "publisher blocked by slow subscriber")

	// The fast subscriber saw everything.
	for i := 0; i < 10; i++ {
		testutil.RequireReceive(t, fast.Events(), time.Second, "fast event %d", i)
	}

	// The slow subscriber kept only its buffer; the gap is visible as
	// a sequence jump from its last buffered event.
	firstEvent := testutil.RequireReceive(t, slow.Events(), time.Second, "slow first event")
	if firstEvent.Seq != 1 {
		t.Fatalf("slow first seq = %d, want 1", firstEvent.Seq)
	}
	secondEvent := testutil.RequireReceive(t, slow.Events(), time.Second, "slow second event")
	if secondEvent.Seq != 2 {
		t.Fatalf("slow second seq = %d, want 2", secondEvent.Seq)
	}
	select {
	case extra := <-slow.Events():
		t.Fatalf("slow subscriber received dropped event seq %d", extra.Seq)
	default:
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := New()
	topic := b.Topic(PresenceTopic(3))

	sub := topic.Subscribe(8)
	sub.Close()
	sub.Close() // idempotent

	if err := topic.Publish("presence.changed", "x"); err != nil {
		t.Fatalf("Publish after subscriber close: %v", err)
	}

	if _, ok := <-sub.Events(); ok {
		t.Fatal("received event on closed subscription")
	}
}

func TestDropClosesSubscribersAndSilencesTopic(t *testing.T) {
	b := New()
	name := SignalingTopic(9)
	topic := b.Topic(name)
	sub := topic.Subscribe(8)

	b.Drop(name)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscription still open after Drop")
	}
	// Stale topic handle: publish is a no-op, not a panic.
	if err := topic.Publish("signaling.relayed", "stale"); err != nil {
		t.Fatalf("Publish on dropped topic: %v", err)
	}
	// Subscribing to a dropped topic handle yields a closed subscription.
	if _, ok := <-topic.Subscribe(1).Events(); ok {
		t.Fatal("subscription on dropped topic is open")
	}
}

func TestTopicIdentity(t *testing.T) {
	b := New()
	if b.Topic("messages.1") != b.Topic("messages.1") {
		t.Fatal("same name returned different topics")
	}
	if b.Topic("messages.1") == b.Topic("messages.2") {
		t.Fatal("different names returned the same topic")
	}
}
