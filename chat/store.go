// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/fault"
)

// Schema is the chat DDL, run once per pool connection via the pool's
// OnConnect hook. created_at ties with the same millisecond resolve by
// id, which is assigned in insertion order; ORDER BY id ASC is the
// channel's message order. The reactions primary key is the
// one-reaction-per-(message, user, emoji) invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY,
	channel_id INTEGER NOT NULL,
	sender_id  TEXT    NOT NULL,
	msg_type   TEXT    NOT NULL,
	text       TEXT    NOT NULL DEFAULT '',
	file_url   TEXT    NOT NULL DEFAULT '',
	mime_type  TEXT    NOT NULL DEFAULT '',
	reply_to   INTEGER NOT NULL DEFAULT 0,
	pinned     INTEGER NOT NULL DEFAULT 0,
	modified   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_channel ON messages (channel_id, id);

CREATE TABLE IF NOT EXISTS reactions (
	message_id INTEGER NOT NULL,
	user_id    TEXT    NOT NULL,
	emoji      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);
`

func insertMessage(conn *sqlite.Conn, m *Message) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO messages (channel_id, sender_id, msg_type, text, file_url, mime_type, reply_to, pinned, modified, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			m.ChannelID, m.SenderID, string(m.Type),
			m.Content.Text, m.Content.FileURL, m.Content.MimeType,
			m.ReplyTo, m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
		}})
	if err != nil {
		return fault.Wrap("inserting message", err)
	}
	m.ID = conn.LastInsertRowID()
	return nil
}

// getMessage loads one message scoped to a channel. A message id that
// exists in a different channel is NotFound here.
func getMessage(conn *sqlite.Conn, channelID, messageID int64) (Message, error) {
	var message Message
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, channel_id, sender_id, msg_type, text, file_url, mime_type, reply_to, pinned, modified, created_at, updated_at
		 FROM messages WHERE channel_id = ? AND id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{channelID, messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message = messageFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Message{}, fault.Wrap("loading message", err)
	}
	if !found {
		return Message{}, fault.New(fault.NotFound, "message %d not found in channel %d", messageID, channelID)
	}
	return message, nil
}

// listMessages returns the channel's messages in ascending creation
// (insertion) order, reactions attached.
func listMessages(conn *sqlite.Conn, channelID int64) ([]Message, error) {
	var messages []Message
	err := sqlitex.Execute(conn,
		`SELECT id, channel_id, sender_id, msg_type, text, file_url, mime_type, reply_to, pinned, modified, created_at, updated_at
		 FROM messages WHERE channel_id = ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, messageFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("listing messages", err)
	}
	for i := range messages {
		reactions, err := listReactions(conn, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Reactions = reactions
	}
	return messages, nil
}

func listReactions(conn *sqlite.Conn, messageID int64) ([]Reaction, error) {
	var reactions []Reaction
	err := sqlitex.Execute(conn,
		"SELECT user_id, emoji FROM reactions WHERE message_id = ? ORDER BY created_at ASC, user_id ASC, emoji ASC",
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				reactions = append(reactions, Reaction{
					UserID: stmt.ColumnText(0),
					Emoji:  stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("listing reactions", err)
	}
	return reactions, nil
}

// countMessages returns the number of messages in a channel. Used as
// the hop bound for the reply-chain walk.
func countMessages(conn *sqlite.Conn, channelID int64) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM messages WHERE channel_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fault.Wrap("counting messages", err)
	}
	return count, nil
}

func messageFromRow(stmt *sqlite.Stmt) Message {
	return Message{
		ID:        stmt.ColumnInt64(0),
		ChannelID: stmt.ColumnInt64(1),
		SenderID:  stmt.ColumnText(2),
		Type:      MessageType(stmt.ColumnText(3)),
		Content: Content{
			Text:     stmt.ColumnText(4),
			FileURL:  stmt.ColumnText(5),
			MimeType: stmt.ColumnText(6),
		},
		ReplyTo:   stmt.ColumnInt64(7),
		Pinned:    stmt.ColumnInt64(8) != 0,
		Modified:  stmt.ColumnInt64(9) != 0,
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(10)).UTC(),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(11)).UTC(),
	}
}
