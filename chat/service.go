// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/sqlitepool"
)

// Config holds the parameters for creating a chat service.
type Config struct {
	Pool      *sqlitepool.Pool
	Directory *directory.Service
	Broker    *broker.Broker
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service applies message operations and broadcasts the results.
// Safe for concurrent use from many connection goroutines.
type Service struct {
	pool      *sqlitepool.Pool
	directory *directory.Service
	broker    *broker.Broker
	clock     clock.Clock
	logger    *slog.Logger

	// channelLocks serializes the persist-then-publish pair per
	// channel. One lock per channel id, created on first use, so
	// traffic on different channels never contends.
	locksMu      sync.Mutex
	channelLocks map[int64]*sync.Mutex
}

// New creates a chat service.
func New(cfg Config) (*Service, error) {
	if cfg.Pool == nil || cfg.Directory == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("chat: Pool, Directory, and Broker are required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("chat: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("chat: Logger is required")
	}
	return &Service{
		pool:         cfg.Pool,
		directory:    cfg.Directory,
		broker:       cfg.Broker,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		channelLocks: make(map[int64]*sync.Mutex),
	}, nil
}

func (s *Service) channelLock(channelID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		s.channelLocks[channelID] = lock
	}
	return lock
}

// Send persists a new message and broadcasts a message.created event.
// The sender must be a channel participant. Text messages must have
// non-blank text. A reply target must exist in the same channel and
// its reply chain must terminate.
func (s *Service) Send(ctx context.Context, channelID int64, senderID string, content Content, msgType MessageType, replyTo int64) (Message, error) {
	if !msgType.Valid() {
		return Message{}, fault.New(fault.EmptyContent, "unknown message type %q", msgType)
	}
	if msgType == TypeText && strings.TrimSpace(content.Text) == "" {
		return Message{}, fault.New(fault.EmptyContent, "text message has no text")
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.directory.Authorize(ctx, channelID, senderID); err != nil {
		return Message{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Message{}, fault.Wrap("send message", err)
	}

	now := s.clock.Now()
	message := Message{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		ReplyTo:   replyTo,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = func() (err error) {
		defer s.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("send message", err)
		}
		defer endTransaction(&err)

		if replyTo != 0 {
			if err := validateReplyChain(conn, channelID, replyTo); err != nil {
				return err
			}
		}
		return insertMessage(conn, &message)
	}()
	if err != nil {
		return Message{}, err
	}

	// Publish after the commit, still under the channel lock: the
	// broadcast order matches the storage order.
	if err := s.broker.Topic(broker.MessageTopic(channelID)).Publish(EventCreated, message); err != nil {
		s.logger.Error("publishing message.created", "channel_id", channelID, "message_id", message.ID, "error", err)
	}
	s.logger.Info("message sent", "channel_id", channelID, "message_id", message.ID, "sender", senderID)
	return message, nil
}

// Edit replaces a message's text. Only the original sender may edit;
// the modified flag is set and a message.updated event is broadcast.
func (s *Service) Edit(ctx context.Context, channelID, messageID int64, editorID, newText string) (Message, error) {
	if strings.TrimSpace(newText) == "" {
		return Message{}, fault.New(fault.EmptyContent, "edited text is empty")
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.directory.Authorize(ctx, channelID, editorID); err != nil {
		return Message{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Message{}, fault.Wrap("edit message", err)
	}

	var message Message
	err = func() (err error) {
		defer s.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("edit message", err)
		}
		defer endTransaction(&err)

		message, err = getMessage(conn, channelID, messageID)
		if err != nil {
			return err
		}
		if message.SenderID != editorID {
			return fault.New(fault.NotAuthorized, "user %s did not send message %d", editorID, messageID)
		}

		now := s.clock.Now()
		err = sqlitex.Execute(conn,
			"UPDATE messages SET text = ?, modified = 1, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{newText, now.UnixMilli(), messageID}})
		if err != nil {
			return fault.Wrap("edit message", err)
		}

		message.Content.Text = newText
		message.Modified = true
		message.UpdatedAt = now
		message.Reactions, err = listReactions(conn, messageID)
		return err
	}()
	if err != nil {
		return Message{}, err
	}

	if err := s.broker.Topic(broker.MessageTopic(channelID)).Publish(EventUpdated, message); err != nil {
		s.logger.Error("publishing message.updated", "channel_id", channelID, "message_id", messageID, "error", err)
	}
	return message, nil
}

// Delete removes a message and broadcasts a tombstone so subscribers
// can reconcile. Only the original sender may delete.
func (s *Service) Delete(ctx context.Context, channelID, messageID int64, requesterID string) error {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.directory.Authorize(ctx, channelID, requesterID); err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fault.Wrap("delete message", err)
	}

	err = func() (err error) {
		defer s.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("delete message", err)
		}
		defer endTransaction(&err)

		message, err := getMessage(conn, channelID, messageID)
		if err != nil {
			return err
		}
		if message.SenderID != requesterID {
			return fault.New(fault.NotAuthorized, "user %s did not send message %d", requesterID, messageID)
		}

		err = sqlitex.Execute(conn, "DELETE FROM messages WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{messageID}})
		if err != nil {
			return fault.Wrap("delete message", err)
		}
		err = sqlitex.Execute(conn, "DELETE FROM reactions WHERE message_id = ?",
			&sqlitex.ExecOptions{Args: []any{messageID}})
		if err != nil {
			return fault.Wrap("delete reactions", err)
		}
		return nil
	}()
	if err != nil {
		return err
	}

	tombstone := Tombstone{MessageID: messageID, ChannelID: channelID, DeletedBy: requesterID}
	if err := s.broker.Topic(broker.MessageTopic(channelID)).Publish(EventDeleted, tombstone); err != nil {
		s.logger.Error("publishing message.deleted", "channel_id", channelID, "message_id", messageID, "error", err)
	}
	s.logger.Info("message deleted", "channel_id", channelID, "message_id", messageID)
	return nil
}

// List returns the channel's messages in ascending creation order as
// a lazy, restartable sequence: each range over the result re-reads
// current state, and no cursor is retained between calls. Membership
// is checked before the sequence is handed out.
func (s *Service) List(ctx context.Context, channelID int64, requesterID string) (iter.Seq2[Message, error], error) {
	if _, err := s.directory.Authorize(ctx, channelID, requesterID); err != nil {
		return nil, err
	}

	return func(yield func(Message, error) bool) {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			yield(Message{}, fault.Wrap("list messages", err))
			return
		}
		messages, err := listMessages(conn, channelID)
		s.pool.Put(conn)
		if err != nil {
			yield(Message{}, err)
			return
		}
		for _, message := range messages {
			if !yield(message, nil) {
				return
			}
		}
	}, nil
}

// AddReaction tags a message with an emoji. Idempotent per (message,
// user, emoji); the updated message is rebroadcast.
func (s *Service) AddReaction(ctx context.Context, channelID, messageID int64, userID, emoji string) (Message, error) {
	if emoji == "" {
		return Message{}, fault.New(fault.EmptyContent, "empty emoji")
	}
	return s.mutateReactions(ctx, channelID, messageID, userID, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{messageID, userID, emoji, s.clock.Now().UnixMilli()}})
		if err != nil {
			return fault.Wrap("adding reaction", err)
		}
		return nil
	})
}

// RemoveReaction removes the caller's emoji tag from a message. Fails
// with NotFound if the reaction does not exist.
func (s *Service) RemoveReaction(ctx context.Context, channelID, messageID int64, userID, emoji string) (Message, error) {
	return s.mutateReactions(ctx, channelID, messageID, userID, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?",
			&sqlitex.ExecOptions{Args: []any{messageID, userID, emoji}})
		if err != nil {
			return fault.Wrap("removing reaction", err)
		}
		if conn.Changes() == 0 {
			return fault.New(fault.NotFound, "no reaction %q by %s on message %d", emoji, userID, messageID)
		}
		return nil
	})
}

// Pin sets or clears the pinned flag and rebroadcasts the message.
// Any channel participant may pin.
func (s *Service) Pin(ctx context.Context, channelID, messageID int64, userID string, pinned bool) (Message, error) {
	return s.mutateReactions(ctx, channelID, messageID, userID, func(conn *sqlite.Conn) error {
		pinnedInt := int64(0)
		if pinned {
			pinnedInt = 1
		}
		err := sqlitex.Execute(conn,
			"UPDATE messages SET pinned = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{pinnedInt, s.clock.Now().UnixMilli(), messageID}})
		if err != nil {
			return fault.Wrap("pinning message", err)
		}
		return nil
	})
}

// mutateReactions is the shared path for reaction and pin updates:
// authorize, verify the message, apply the mutation in a transaction,
// reload, and rebroadcast as message.updated.
func (s *Service) mutateReactions(ctx context.Context, channelID, messageID int64, userID string, mutate func(conn *sqlite.Conn) error) (Message, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.directory.Authorize(ctx, channelID, userID); err != nil {
		return Message{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Message{}, fault.Wrap("updating message", err)
	}

	var message Message
	err = func() (err error) {
		defer s.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("updating message", err)
		}
		defer endTransaction(&err)

		if _, err := getMessage(conn, channelID, messageID); err != nil {
			return err
		}
		if err := mutate(conn); err != nil {
			return err
		}
		message, err = getMessage(conn, channelID, messageID)
		if err != nil {
			return err
		}
		message.Reactions, err = listReactions(conn, messageID)
		return err
	}()
	if err != nil {
		return Message{}, err
	}

	if err := s.broker.Topic(broker.MessageTopic(channelID)).Publish(EventUpdated, message); err != nil {
		s.logger.Error("publishing message.updated", "channel_id", channelID, "message_id", messageID, "error", err)
	}
	return message, nil
}

// validateReplyChain checks that replyTo exists in the channel and
// that its reply chain terminates. The hop bound is the channel's
// message count: any walk longer than that has revisited a message.
func validateReplyChain(conn *sqlite.Conn, channelID, replyTo int64) error {
	bound, err := countMessages(conn, channelID)
	if err != nil {
		return err
	}

	current := replyTo
	for hops := int64(0); current != 0; hops++ {
		if hops >= bound {
			return fault.New(fault.InvalidReply, "reply chain from message %d does not terminate", replyTo)
		}
		message, err := getMessage(conn, channelID, current)
		if err != nil {
			if fault.IsKind(err, fault.NotFound) {
				return fault.New(fault.InvalidReply, "reply target %d not found in channel %d", current, channelID)
			}
			return err
		}
		current = message.ReplyTo
	}
	return nil
}
