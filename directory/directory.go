// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory is the membership directory: the authoritative
// mapping of (channel, user) to a participant record, plus the channel
// records themselves. Every other component uses it as the
// authorization gate — no message, call, or presence mutation happens
// without a [Service.Authorize] check first.
//
// Removal cascades into active calls through the narrow [CallDropper]
// interface rather than a direct dependency, keeping the dependency
/// order leaf-to-root: directory knows nothing about call lifecycle.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/sqlitepool"
)

// Role is a participant's role within a channel.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

// Visibility controls whether a channel is discoverable.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Valid reports whether the visibility is one of the closed set.
func (v Visibility) Valid() bool { return v == Public || v == Private }

// Channel is a named scope for messages, calls, and presence.
type Channel struct {
	ID         int64      `cbor:"id"`
	Name       string     `cbor:"name"`
	Visibility Visibility `cbor:"visibility"`
	// ProjectID is the owning project reference in the wider
	// platform; empty when the channel is not project-scoped.
	ProjectID string    `cbor:"project_id,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// Participant is one user's membership record in one channel. Muted
// and VideoEnabled are transient call flags, meaningful only while the
// user is inside an active call.
type Participant struct {
	ChannelID    int64     `cbor:"channel_id"`
	UserID       string    `cbor:"user_id"`
	Role         Role      `cbor:"role"`
	JoinedAt     time.Time `cbor:"joined_at"`
	Muted        bool      `cbor:"muted"`
	VideoEnabled bool      `cbor:"video_enabled"`
}

// CallDropper removes a user from any active call in a channel. The
// call manager implements it; the directory invokes it after a
// participant row is deleted so in-flight calls shed the removed user.
type CallDropper interface {
	DropParticipant(ctx context.Context, channelID int64, userID string)
}

// Config holds the parameters for creating a directory service.
type Config struct {
	Pool   *sqlitepool.Pool
	Clock  clock.Clock
	Logger *slog.Logger
}

// Service answers membership questions and maintains the channel and
// participant tables. Safe for concurrent use; SQLite's WAL mode and
// the pool's busy timeout serialize writers.
type Service struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger
	dropper CallDropper
}

// New creates a directory service.
func New(cfg Config) (*Service, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("directory: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("directory: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("directory: Logger is required")
	}
	return &Service{pool: cfg.Pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// SetCallDropper registers the call-removal cascade. Called once at
// wiring time, after the call manager exists; not safe to call
// concurrently with RemoveParticipant.
func (s *Service) SetCallDropper(dropper CallDropper) {
	s.dropper = dropper
}

// CreateChannel creates a channel and returns it.
func (s *Service) CreateChannel(ctx context.Context, name string, visibility Visibility, projectID string) (Channel, error) {
	if name == "" {
		return Channel{}, fault.New(fault.EmptyContent, "channel name is empty")
	}
	if !visibility.Valid() {
		return Channel{}, fault.New(fault.NotFound, "unknown visibility %q", visibility)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Channel{}, fault.Wrap("create channel", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	err = sqlitex.Execute(conn,
		"INSERT INTO channels (name, visibility, project_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{name, string(visibility), projectID, now.UnixMilli(), now.UnixMilli()},
		})
	if err != nil {
		return Channel{}, fault.Wrap("create channel", err)
	}

	channel := Channel{
		ID:         conn.LastInsertRowID(),
		Name:       name,
		Visibility: visibility,
		ProjectID:  projectID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.logger.Info("channel created", "channel_id", channel.ID, "name", name)
	return channel, nil
}

// UpdateChannel updates channel metadata (name, visibility). Returns
// the updated channel, or NotFound.
func (s *Service) UpdateChannel(ctx context.Context, channelID int64, name string, visibility Visibility) (Channel, error) {
	if name == "" {
		return Channel{}, fault.New(fault.EmptyContent, "channel name is empty")
	}
	if !visibility.Valid() {
		return Channel{}, fault.New(fault.NotFound, "unknown visibility %q", visibility)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Channel{}, fault.Wrap("update channel", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Channel{}, fault.Wrap("update channel", err)
	}
	defer endTransaction(&err)

	channel, err := getChannel(conn, channelID)
	if err != nil {
		return Channel{}, err
	}

	now := s.clock.Now()
	err = sqlitex.Execute(conn,
		"UPDATE channels SET name = ?, visibility = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{name, string(visibility), now.UnixMilli(), channelID}})
	if err != nil {
		return Channel{}, fault.Wrap("update channel", err)
	}

	channel.Name = name
	channel.Visibility = visibility
	channel.UpdatedAt = now
	return channel, nil
}

// GetChannel returns the channel, or NotFound.
func (s *Service) GetChannel(ctx context.Context, channelID int64) (Channel, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Channel{}, fault.Wrap("get channel", err)
	}
	defer s.pool.Put(conn)
	return getChannel(conn, channelID)
}

// ListChannels returns all channels in creation order.
func (s *Service) ListChannels(ctx context.Context) ([]Channel, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fault.Wrap("list channels", err)
	}
	defer s.pool.Put(conn)

	var channels []Channel
	err = sqlitex.Execute(conn,
		"SELECT id, name, visibility, project_id, created_at, updated_at FROM channels ORDER BY id ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				channels = append(channels, channelFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("list channels", err)
	}
	return channels, nil
}

// Member is the pure lookup: the participant record for (channel,
// user), or NotFound. No channel-existence check and no side effects.
func (s *Service) Member(ctx context.Context, channelID int64, userID string) (Participant, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Participant{}, fault.Wrap("member lookup", err)
	}
	defer s.pool.Put(conn)
	return getParticipant(conn, channelID, userID)
}

// Authorize gates a mutating action: the channel must exist (NotFound
// otherwise) and the user must be a participant (NotAuthorized
// otherwise). Returns the participant record for role checks.
func (s *Service) Authorize(ctx context.Context, channelID int64, userID string) (Participant, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Participant{}, fault.Wrap("authorize", err)
	}
	defer s.pool.Put(conn)

	if _, err := getChannel(conn, channelID); err != nil {
		return Participant{}, err
	}
	participant, err := getParticipant(conn, channelID, userID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return Participant{}, fault.New(fault.NotAuthorized, "user %s is not a participant of channel %d", userID, channelID)
		}
		return Participant{}, err
	}
	return participant, nil
}

// AddParticipant inserts a membership record. Fails with AlreadyMember
// if the (channel, user) pair exists and NotFound if the channel does
// not.
func (s *Service) AddParticipant(ctx context.Context, channelID int64, userID string, role Role) (Participant, error) {
	if userID == "" {
		return Participant{}, fault.New(fault.NotFound, "empty user id")
	}
	if !role.Valid() {
		return Participant{}, fault.New(fault.NotFound, "unknown role %q", role)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Participant{}, fault.Wrap("add participant", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Participant{}, fault.Wrap("add participant", err)
	}
	defer endTransaction(&err)

	if _, err := getChannel(conn, channelID); err != nil {
		return Participant{}, err
	}
	if _, err := getParticipant(conn, channelID, userID); err == nil {
		return Participant{}, fault.New(fault.AlreadyMember, "user %s is already a participant of channel %d", userID, channelID)
	} else if !fault.IsKind(err, fault.NotFound) {
		return Participant{}, err
	}

	now := s.clock.Now()
	err = sqlitex.Execute(conn,
		"INSERT INTO participants (channel_id, user_id, role, joined_at, muted, video_enabled) VALUES (?, ?, ?, ?, 0, 0)",
		&sqlitex.ExecOptions{Args: []any{channelID, userID, string(role), now.UnixMilli()}})
	if err != nil {
		return Participant{}, fault.Wrap("add participant", err)
	}

	s.logger.Info("participant added", "channel_id", channelID, "user_id", userID, "role", role)
	return Participant{ChannelID: channelID, UserID: userID, Role: role, JoinedAt: now}, nil
}

// RemoveParticipant deletes a membership record. Fails with NotMember
// if absent. After the delete commits, any active call in the channel
// sheds the user via the registered CallDropper.
func (s *Service) RemoveParticipant(ctx context.Context, channelID int64, userID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fault.Wrap("remove participant", err)
	}

	err = func() error {
		defer s.pool.Put(conn)
		if _, err := getParticipant(conn, channelID, userID); err != nil {
			if fault.IsKind(err, fault.NotFound) {
				return fault.New(fault.NotMember, "user %s is not a participant of channel %d", userID, channelID)
			}
			return err
		}
		err := sqlitex.Execute(conn,
			"DELETE FROM participants WHERE channel_id = ? AND user_id = ?",
			&sqlitex.ExecOptions{Args: []any{channelID, userID}})
		if err != nil {
			return fault.Wrap("remove participant", err)
		}
		return nil
	}()
	if err != nil {
		return err
	}

	s.logger.Info("participant removed", "channel_id", channelID, "user_id", userID)
	if s.dropper != nil {
		s.dropper.DropParticipant(ctx, channelID, userID)
	}
	return nil
}

// Participants returns the channel's membership in join order. Fails
// with NotFound if the channel does not exist.
func (s *Service) Participants(ctx context.Context, channelID int64) ([]Participant, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fault.Wrap("list participants", err)
	}
	defer s.pool.Put(conn)

	if _, err := getChannel(conn, channelID); err != nil {
		return nil, err
	}

	var participants []Participant
	err = sqlitex.Execute(conn,
		"SELECT channel_id, user_id, role, joined_at, muted, video_enabled FROM participants WHERE channel_id = ? ORDER BY joined_at ASC, user_id ASC",
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				participants = append(participants, participantFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fault.Wrap("list participants", err)
	}
	return participants, nil
}

// SetCallFlags updates the transient call flags on a membership
// record. Fails with NotMember if absent.
func (s *Service) SetCallFlags(ctx context.Context, channelID int64, userID string, muted, videoEnabled bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fault.Wrap("set call flags", err)
	}
	defer s.pool.Put(conn)

	if _, err := getParticipant(conn, channelID, userID); err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return fault.New(fault.NotMember, "user %s is not a participant of channel %d", userID, channelID)
		}
		return err
	}
	err = sqlitex.Execute(conn,
		"UPDATE participants SET muted = ?, video_enabled = ? WHERE channel_id = ? AND user_id = ?",
		&sqlitex.ExecOptions{Args: []any{boolToInt(muted), boolToInt(videoEnabled), channelID, userID}})
	if err != nil {
		return fault.Wrap("set call flags", err)
	}
	return nil
}

func getChannel(conn *sqlite.Conn, channelID int64) (Channel, error) {
	var channel Channel
	found := false
	err := sqlitex.Execute(conn,
		"SELECT id, name, visibility, project_id, created_at, updated_at FROM channels WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				channel = channelFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Channel{}, fault.Wrap("get channel", err)
	}
	if !found {
		return Channel{}, fault.New(fault.NotFound, "channel %d not found", channelID)
	}
	return channel, nil
}

func getParticipant(conn *sqlite.Conn, channelID int64, userID string) (Participant, error) {
	var participant Participant
	found := false
	err := sqlitex.Execute(conn,
		"SELECT channel_id, user_id, role, joined_at, muted, video_enabled FROM participants WHERE channel_id = ? AND user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{channelID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				participant = participantFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Participant{}, fault.Wrap("get participant", err)
	}
	if !found {
		return Participant{}, fault.New(fault.NotFound, "no participant (%d, %s)", channelID, userID)
	}
	return participant, nil
}

func channelFromRow(stmt *sqlite.Stmt) Channel {
	return Channel{
		ID:         stmt.ColumnInt64(0),
		Name:       stmt.ColumnText(1),
		Visibility: Visibility(stmt.ColumnText(2)),
		ProjectID:  stmt.ColumnText(3),
		CreatedAt:  time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
		UpdatedAt:  time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
	}
}

func participantFromRow(stmt *sqlite.Stmt) Participant {
	return Participant{
		ChannelID:    stmt.ColumnInt64(0),
		UserID:       stmt.ColumnText(1),
		Role:         Role(stmt.ColumnText(2)),
		JoinedAt:     time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
		Muted:        stmt.ColumnInt64(4) != 0,
		VideoEnabled: stmt.ColumnInt64(5) != 0,
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
