// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/codec"
)

// Wire protocol. A client connects to the Unix socket and both sides
// exchange self-delimiting CBOR values on the persistent stream:
//
//	Client → Server: helloRequest{token}                (first, once)
//	Server → Client: helloResponse{ok, user_id, ...}    (first, once)
//	Client → Server: requestFrame{id, action, params}
//	Server → Client: serverFrame{kind: "response", id, ok, data|error}
//	Server → Client: serverFrame{kind: "event", topic, type, seq, payload}
//	Server → Client: serverFrame{kind: "heartbeat"}     (periodic)
//
// Responses carry the id of the request they answer. Event frames are
// interleaved with responses in topic order; a gap in a topic's seq
// means the connection was too slow and frames were dropped.

// helloRequest authenticates the connection. The token is opaque to
// the gateway; the identity decoder resolves it to a user id.
type helloRequest struct {
	Token string `cbor:"token"`
}

type helloResponse struct {
	OK           bool   `cbor:"ok"`
	Error        string `cbor:"error,omitempty"`
	UserID       string `cbor:"user_id,omitempty"`
	ConnectionID string `cbor:"connection_id,omitempty"`
}

// requestFrame is one client request. IDs are chosen by the client;
// the server echoes them back and never interprets them.
type requestFrame struct {
	ID     uint64           `cbor:"id"`
	Action string           `cbor:"action"`
	Params codec.RawMessage `cbor:"params,omitempty"`
}

// Frame kinds for serverFrame.
const (
	frameResponse  = "response"
	frameEvent     = "event"
	frameHeartbeat = "heartbeat"
)

// serverFrame is every value the server writes after the handshake.
type serverFrame struct {
	Kind string `cbor:"kind"`

	// Response fields, set when Kind is "response".
	ID    uint64           `cbor:"id,omitempty"`
	OK    bool             `cbor:"ok,omitempty"`
	Error *wireError       `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`

	// Event fields, set when Kind is "event".
	Topic   string           `cbor:"topic,omitempty"`
	Type    string           `cbor:"type,omitempty"`
	Seq     uint64           `cbor:"seq,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// wireError carries a structured failure across the socket so clients
// can branch on the kind rather than parse message text.
type wireError struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

func (e *wireError) Error() string {
	return e.Message
}

// toWireError converts a service error for transmission.
func toWireError(err error) *wireError {
	return &wireError{Kind: string(fault.KindOf(err)), Message: err.Error()}
}

// Action names accepted in requestFrame.Action.
const (
	actionChannelCreate     = "channel.create"
	actionChannelUpdate     = "channel.update"
	actionChannelList       = "channel.list"
	actionParticipantAdd    = "participant.add"
	actionParticipantRemove = "participant.remove"
	actionParticipantList   = "participant.list"
	actionMessageSend       = "message.send"
	actionMessageEdit       = "message.edit"
	actionMessageDelete     = "message.delete"
	actionMessageList       = "message.list"
	actionReactionAdd       = "reaction.add"
	actionReactionRemove    = "reaction.remove"
	actionMessagePin        = "message.pin"
	actionMessageUnpin      = "message.unpin"
	actionCallInitiate      = "call.initiate"
	actionCallJoin          = "call.join"
	actionCallEnd           = "call.end"
	actionCallGet           = "call.get"
	actionCallSignal        = "call.signal"
	actionCallFlags         = "call.flags"
	actionSubscribe         = "subscribe"
	actionUnsubscribe       = "unsubscribe"
	actionPresenceList      = "presence.list"
)
