// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the message broadcaster: it persists send, edit,
// delete, reaction, and pin operations and fans the resulting events
// out to every subscriber of the channel's message topic, in the order
// the operations were applied.
//
// Ordering is enforced by a per-channel lock held across the
// persist-then-publish pair of each mutating operation, so two
// concurrent sends to one channel can never interleave their storage
// write and their broadcast. Different channels proceed in parallel.
package chat

import "time"

// MessageType discriminates message content. The set is closed;
// consumers switch exhaustively.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVideo  MessageType = "video"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether the type is one of the closed set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile, TypeSystem:
		return true
	}
	return false
}

// Content is a message body: text, a file reference, or both. The
// file itself lives in external blob storage; FileURL is opaque here.
type Content struct {
	Text     string `cbor:"text,omitempty"`
	FileURL  string `cbor:"file_url,omitempty"`
	MimeType string `cbor:"mime_type,omitempty"`
}

// Message is one unit of communication within a channel, immutable
// except through Edit, Delete, reactions, and the pinned flag.
type Message struct {
	ID        int64       `cbor:"id"`
	ChannelID int64       `cbor:"channel_id"`
	SenderID  string      `cbor:"sender_id"`
	Content   Content     `cbor:"content"`
	Type      MessageType `cbor:"msg_type"`
	// ReplyTo is the id of the message this one replies to; zero
	// when the message is not a reply.
	ReplyTo   int64      `cbor:"reply_to,omitempty"`
	Pinned    bool       `cbor:"pinned"`
	Modified  bool       `cbor:"modified"`
	CreatedAt time.Time  `cbor:"created_at"`
	UpdatedAt time.Time  `cbor:"updated_at"`
	Reactions []Reaction `cbor:"reactions,omitempty"`
}

// Reaction is one participant's emoji tag on a message. At most one
// (message, user, emoji) triple exists.
type Reaction struct {
	UserID string `cbor:"user_id"`
	Emoji  string `cbor:"emoji"`
}

// Tombstone is the payload of a message.deleted event. Subscribers
// reconcile client-side state from it; the storage row is gone.
type Tombstone struct {
	MessageID int64  `cbor:"message_id"`
	ChannelID int64  `cbor:"channel_id"`
	DeletedBy string `cbor:"deleted_by"`
}

// Event types published on a channel's message topic.
const (
	EventCreated = "message.created"
	EventUpdated = "message.updated"
	EventDeleted = "message.deleted"
)
