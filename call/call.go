// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package call owns the lifecycle of call sessions within channels and
// relays connection-negotiation payloads between their participants.
//
// A session moves INITIATED -> ACTIVE -> ENDED, with FAILED reachable
// from either live state. ENDED and FAILED are terminal: every mutation
// of a terminal session is rejected, never silently ignored, so callers
// can detect stale state. Signaling payloads are validated and relayed
// but never interpreted; the media path is the peers' own business.
package call

import (
	"time"

	"github.com/loomworks/loom/lib/codec"
)

// Status is a call session's lifecycle state.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusActive, StatusEnded, StatusFailed:
		return true
	}
	return false
}

// Type distinguishes voice-only from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Valid reports whether t is a defined call type.
func (t Type) Valid() bool {
	return t == TypeVoice || t == TypeVideo
}

// Session is a snapshot of one call. Every state transition broadcasts
// the full snapshot on the channel's call topic; subscribers replace
// rather than merge.
type Session struct {
	ID          int64     `cbor:"id"`
	ChannelID   int64     `cbor:"channel_id"`
	InitiatorID string    `cbor:"initiator_id"`
	Type        Type      `cbor:"type"`
	Status      Status    `cbor:"status"`
	StartedAt   time.Time `cbor:"started_at"`
	// EndedAt is zero until the session reaches a terminal status.
	EndedAt      time.Time `cbor:"ended_at,omitempty"`
	Participants []string  `cbor:"participants"`
}

// SignalType discriminates the negotiation payloads a participant may
// relay through a call's signaling topic.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// SignalingEvent is relayed verbatim to a call's signaling topic. It is
// transient: never persisted, gone once delivered.
type SignalingEvent struct {
	CallID  int64            `cbor:"call_id"`
	FromID  string           `cbor:"from_id"`
	Type    SignalType       `cbor:"type"`
	Payload codec.RawMessage `cbor:"payload"`
}

// Event types published by the manager.
const (
	// EventState carries a Session snapshot on the channel's call
	// topic after every transition.
	EventState = "call.state"
	// EventSignal carries a SignalingEvent on the call's signaling
	// topic.
	EventSignal = "signaling.relayed"
)
