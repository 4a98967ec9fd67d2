// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/fault"
)

// Schema is the call DDL, run once per pool connection via the pool's
// OnConnect hook. ended_at stays 0 until the session is terminal. The
// call_participants primary key is the one-row-per-(call, user)
// invariant behind idempotent joins.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
	id           INTEGER PRIMARY KEY,
	channel_id   INTEGER NOT NULL,
	initiator_id TEXT    NOT NULL,
	call_type    TEXT    NOT NULL,
	status       TEXT    NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS calls_by_channel ON calls (channel_id, id);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id   INTEGER NOT NULL,
	user_id   TEXT    NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (call_id, user_id)
);
`

func insertSession(conn *sqlite.Conn, session *Session) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO calls (channel_id, initiator_id, call_type, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{Args: []any{
			session.ChannelID, session.InitiatorID, string(session.Type),
			string(session.Status), session.StartedAt.UnixMilli(),
		}})
	if err != nil {
		return fault.Wrap("inserting call", err)
	}
	session.ID = conn.LastInsertRowID()
	return nil
}

func getSession(conn *sqlite.Conn, callID int64) (Session, error) {
	var session Session
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, channel_id, initiator_id, call_type, status, started_at, ended_at
		 FROM calls WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{callID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = sessionFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Session{}, fault.Wrap("loading call", err)
	}
	if !found {
		return Session{}, fault.New(fault.NotFound, "call %d not found", callID)
	}
	session.Participants, err = listParticipants(conn, callID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// addParticipant records a user in the call. Re-joining is a no-op;
// the return reports whether a row was actually inserted.
func addParticipant(conn *sqlite.Conn, callID int64, userID string, joinedAt time.Time) (bool, error) {
	err := sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO call_participants (call_id, user_id, joined_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{callID, userID, joinedAt.UnixMilli()}})
	if err != nil {
		return false, fault.Wrap("adding call participant", err)
	}
	return conn.Changes() > 0, nil
}

func removeParticipant(conn *sqlite.Conn, callID int64, userID string) (bool, error) {
	err := sqlitex.Execute(conn,
		"DELETE FROM call_participants WHERE call_id = ? AND user_id = ?",
		&sqlitex.ExecOptions{Args: []any{callID, userID}})
	if err != nil {
		return false, fault.Wrap("removing call participant", err)
	}
	return conn.Changes() > 0, nil
}

// listParticipants returns the call's participants in join order.
func listParticipants(conn *sqlite.Conn, callID int64) ([]string, error) {
	var users []string
	err := sqlitex.Execute(conn,
		"SELECT user_id FROM call_participants WHERE call_id = ? ORDER BY joined_at ASC, user_id ASC",
		&sqlitex.ExecOptions{
			Args: []any{callID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				users = append(users, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("listing call participants", err)
	}
	return users, nil
}

// liveSessionIDs returns the non-terminal calls in a channel that the
// user currently participates in.
func liveSessionIDs(conn *sqlite.Conn, channelID int64, userID string) ([]int64, error) {
	var ids []int64
	err := sqlitex.Execute(conn,
		`SELECT c.id FROM calls c
		 JOIN call_participants p ON p.call_id = c.id
		 WHERE c.channel_id = ? AND p.user_id = ? AND c.status IN (?, ?)
		 ORDER BY c.id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{channelID, userID, string(StatusInitiated), string(StatusActive)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("finding live calls", err)
	}
	return ids, nil
}

func setStatus(conn *sqlite.Conn, callID int64, status Status, endedAt time.Time) error {
	endedMilli := int64(0)
	if status.Terminal() {
		endedMilli = endedAt.UnixMilli()
	}
	err := sqlitex.Execute(conn,
		"UPDATE calls SET status = ?, ended_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(status), endedMilli, callID}})
	if err != nil {
		return fault.Wrap("updating call status", err)
	}
	return nil
}

func sessionFromRow(stmt *sqlite.Stmt) Session {
	session := Session{
		ID:          stmt.ColumnInt64(0),
		ChannelID:   stmt.ColumnInt64(1),
		InitiatorID: stmt.ColumnText(2),
		Type:        Type(stmt.ColumnText(3)),
		Status:      Status(stmt.ColumnText(4)),
		StartedAt:   time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
	}
	if ended := stmt.ColumnInt64(6); ended != 0 {
		session.EndedAt = time.UnixMilli(ended).UTC()
	}
	return session
}
