// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/loomworks/loom/call"
	"github.com/loomworks/loom/chat"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/codec"
)

// Parameter shapes for requestFrame.Params, one per action family.

type channelParams struct {
	ChannelID  int64                `cbor:"channel_id"`
	Name       string               `cbor:"name,omitempty"`
	Visibility directory.Visibility `cbor:"visibility,omitempty"`
	ProjectID  string               `cbor:"project_id,omitempty"`
}

type participantParams struct {
	ChannelID int64          `cbor:"channel_id"`
	UserID    string         `cbor:"user_id"`
	Role      directory.Role `cbor:"role,omitempty"`
}

type messageParams struct {
	ChannelID int64            `cbor:"channel_id"`
	MessageID int64            `cbor:"message_id,omitempty"`
	Content   chat.Content     `cbor:"content,omitempty"`
	Type      chat.MessageType `cbor:"type,omitempty"`
	ReplyTo   int64            `cbor:"reply_to,omitempty"`
	Text      string           `cbor:"text,omitempty"`
	Emoji     string           `cbor:"emoji,omitempty"`
}

type callParams struct {
	ChannelID    int64            `cbor:"channel_id,omitempty"`
	CallID       int64            `cbor:"call_id,omitempty"`
	CallType     call.Type        `cbor:"call_type,omitempty"`
	SignalType   call.SignalType  `cbor:"signal_type,omitempty"`
	Payload      codec.RawMessage `cbor:"payload,omitempty"`
	Muted        bool             `cbor:"muted,omitempty"`
	VideoEnabled bool             `cbor:"video_enabled,omitempty"`
}

type subscribeParams struct {
	ChannelID int64 `cbor:"channel_id"`
}

// presenceResult is the payload of a presence.list response.
type presenceResult struct {
	ChannelID int64    `cbor:"channel_id"`
	Users     []string `cbor:"users"`
}

// dispatch routes one decoded request to the owning service. The
// authenticated user is always taken from the connection, never from
// the request, so a client cannot act as anyone else.
func (c *connection) dispatch(ctx context.Context, action string, params codec.RawMessage) (any, error) {
	switch action {
	case actionChannelCreate:
		return c.channelCreate(ctx, params)
	case actionChannelUpdate:
		return c.channelUpdate(ctx, params)
	case actionChannelList:
		return c.server.cfg.Directory.ListChannels(ctx)
	case actionParticipantAdd:
		return c.participantAdd(ctx, params)
	case actionParticipantRemove:
		return nil, c.participantRemove(ctx, params)
	case actionParticipantList:
		return c.participantList(ctx, params)
	case actionMessageSend:
		return c.messageSend(ctx, params)
	case actionMessageEdit:
		return c.messageEdit(ctx, params)
	case actionMessageDelete:
		return nil, c.messageDelete(ctx, params)
	case actionMessageList:
		return c.messageList(ctx, params)
	case actionReactionAdd:
		return c.reactionAdd(ctx, params)
	case actionReactionRemove:
		return c.reactionRemove(ctx, params)
	case actionMessagePin:
		return c.messagePin(ctx, params, true)
	case actionMessageUnpin:
		return c.messagePin(ctx, params, false)
	case actionCallInitiate:
		return c.callInitiate(ctx, params)
	case actionCallJoin:
		return c.callJoin(ctx, params)
	case actionCallEnd:
		return c.callEnd(ctx, params)
	case actionCallGet:
		return c.callGet(ctx, params)
	case actionCallSignal:
		return nil, c.callSignal(ctx, params)
	case actionCallFlags:
		return nil, c.callFlags(ctx, params)
	case actionSubscribe:
		return nil, c.subscribe(ctx, params)
	case actionUnsubscribe:
		return nil, c.unsubscribe(params)
	case actionPresenceList:
		return c.presenceList(ctx, params)
	default:
		return nil, fault.New(fault.NotFound, "unknown action %q", action)
	}
}

// channelCreate creates a channel with the caller as its first admin.
func (c *connection) channelCreate(ctx context.Context, params codec.RawMessage) (any, error) {
	var p channelParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	channel, err := c.server.cfg.Directory.CreateChannel(ctx, p.Name, p.Visibility, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, err := c.server.cfg.Directory.AddParticipant(ctx, channel.ID, c.userID, directory.RoleAdmin); err != nil {
		return nil, err
	}
	return channel, nil
}

func (c *connection) channelUpdate(ctx context.Context, params codec.RawMessage) (any, error) {
	var p channelParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
		return nil, err
	}
	return c.server.cfg.Directory.UpdateChannel(ctx, p.ChannelID, p.Name, p.Visibility)
}

// participantAdd adds a user to a channel. A member may add anyone; a
// non-member may only add themselves, and only to a public channel.
func (c *connection) participantAdd(ctx context.Context, params codec.RawMessage) (any, error) {
	var p participantParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if p.Role == "" {
		p.Role = directory.RoleMember
	}
	if p.UserID == c.userID {
		channel, err := c.server.cfg.Directory.GetChannel(ctx, p.ChannelID)
		if err != nil {
			return nil, err
		}
		if channel.Visibility != directory.Public {
			return nil, fault.New(fault.NotAuthorized, "channel %d is private", p.ChannelID)
		}
	} else if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
		return nil, err
	}
	return c.server.cfg.Directory.AddParticipant(ctx, p.ChannelID, p.UserID, p.Role)
}

// participantRemove removes a user from a channel. Self-removal is
// always allowed; removing someone else requires membership. On
// success every live connection of the removed user sheds the
// channel's subscriptions.
func (c *connection) participantRemove(ctx context.Context, params codec.RawMessage) error {
	var p participantParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if p.UserID == "" {
		p.UserID = c.userID
	}
	if p.UserID != c.userID {
		if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
			return err
		}
	}
	if err := c.server.cfg.Directory.RemoveParticipant(ctx, p.ChannelID, p.UserID); err != nil {
		return err
	}
	if p.UserID == c.userID {
		// Our own loop owns the subscription state; drop it directly.
		c.dropChannel(p.ChannelID)
	}
	c.server.revokeMembership(p.ChannelID, p.UserID)
	return nil
}

func (c *connection) participantList(ctx context.Context, params codec.RawMessage) (any, error) {
	var p participantParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
		return nil, err
	}
	return c.server.cfg.Directory.Participants(ctx, p.ChannelID)
}

func (c *connection) messageSend(ctx context.Context, params codec.RawMessage) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if p.Type == "" {
		p.Type = chat.TypeText
	}
	return c.server.cfg.Chat.Send(ctx, p.ChannelID, c.userID, p.Content, p.Type, p.ReplyTo)
}

func (c *connection) messageEdit(ctx context.Context, params codec.RawMessage) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Chat.Edit(ctx, p.ChannelID, p.MessageID, c.userID, p.Text)
}

func (c *connection) messageDelete(ctx context.Context, params codec.RawMessage) error {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Chat.Delete(ctx, p.ChannelID, p.MessageID, c.userID)
}

func (c *connection) messageList(ctx context.Context, params codec.RawMessage) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	seq, err := c.server.cfg.Chat.List(ctx, p.ChannelID, c.userID)
	if err != nil {
		return nil, err
	}
	messages := []chat.Message{}
	for message, err := range seq {
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (c *connection) reactionAdd(ctx context.Context, params codec.RawMessage) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Chat.AddReaction(ctx, p.ChannelID, p.MessageID, c.userID, p.Emoji)
}

func (c *connection) reactionRemove(ctx context.Context, params codec.RawMessage) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Chat.RemoveReaction(ctx, p.ChannelID, p.MessageID, c.userID, p.Emoji)
}

func (c *connection) messagePin(ctx context.Context, params codec.RawMessage, pinned bool) (any, error) {
	var p messageParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Chat.Pin(ctx, p.ChannelID, p.MessageID, c.userID, pinned)
}

// callInitiate starts a call and attaches this connection to its
// signaling topic.
func (c *connection) callInitiate(ctx context.Context, params codec.RawMessage) (any, error) {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	session, err := c.server.cfg.Calls.Initiate(ctx, p.ChannelID, c.userID, p.CallType)
	if err != nil {
		return nil, err
	}
	c.attachSignaling(session.ID)
	return session, nil
}

func (c *connection) callJoin(ctx context.Context, params codec.RawMessage) (any, error) {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	session, err := c.server.cfg.Calls.Join(ctx, p.CallID, c.userID)
	if err != nil {
		return nil, err
	}
	c.attachSignaling(session.ID)
	return session, nil
}

func (c *connection) callEnd(ctx context.Context, params codec.RawMessage) (any, error) {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Calls.End(ctx, p.CallID, c.userID)
}

// callGet returns a session snapshot; membership of the call's channel
// is required.
func (c *connection) callGet(ctx context.Context, params codec.RawMessage) (any, error) {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	session, err := c.server.cfg.Calls.Get(ctx, p.CallID)
	if err != nil {
		return nil, err
	}
	if _, err := c.server.cfg.Directory.Authorize(ctx, session.ChannelID, c.userID); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *connection) callSignal(ctx context.Context, params codec.RawMessage) error {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Calls.Relay(ctx, p.CallID, c.userID, p.SignalType, p.Payload)
}

// callFlags updates the caller's transient in-call flags.
func (c *connection) callFlags(ctx context.Context, params codec.RawMessage) error {
	var p callParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	return c.server.cfg.Directory.SetCallFlags(ctx, p.ChannelID, c.userID, p.Muted, p.VideoEnabled)
}

// subscribe attaches the channel's topics to this connection and marks
// the caller online there. Membership-gated; idempotent.
func (c *connection) subscribe(ctx context.Context, params codec.RawMessage) error {
	var p subscribeParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
		return err
	}
	c.subscribeChannel(p.ChannelID)
	return nil
}

func (c *connection) unsubscribe(params codec.RawMessage) error {
	var p subscribeParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	c.dropChannel(p.ChannelID)
	return nil
}

func (c *connection) presenceList(ctx context.Context, params codec.RawMessage) (any, error) {
	var p subscribeParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fault.New(fault.EmptyContent, "malformed params: %v", err)
	}
	if _, err := c.server.cfg.Directory.Authorize(ctx, p.ChannelID, c.userID); err != nil {
		return nil, err
	}
	return presenceResult{ChannelID: p.ChannelID, Users: c.server.cfg.Presence.OnlineUsers(p.ChannelID)}, nil
}
