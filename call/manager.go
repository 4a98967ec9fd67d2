// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/codec"
	"github.com/loomworks/loom/lib/sqlitepool"
)

// Config holds the parameters for creating a call manager.
type Config struct {
	Pool      *sqlitepool.Pool
	Directory *directory.Service
	Broker    *broker.Broker
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Manager applies call lifecycle transitions and relays signaling.
// Safe for concurrent use from many connection goroutines.
type Manager struct {
	pool      *sqlitepool.Pool
	directory *directory.Service
	broker    *broker.Broker
	clock     clock.Clock
	logger    *slog.Logger

	// callLocks serializes the mutate-then-publish pair per call, so
	// every subscriber of the channel's call topic observes snapshots
	// in transition order. One lock per call id, created on first use.
	locksMu   sync.Mutex
	callLocks map[int64]*sync.Mutex
}

// New creates a call manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Pool == nil || cfg.Directory == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("call: Pool, Directory, and Broker are required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("call: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("call: Logger is required")
	}
	return &Manager{
		pool:      cfg.Pool,
		directory: cfg.Directory,
		broker:    cfg.Broker,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		callLocks: make(map[int64]*sync.Mutex),
	}, nil
}

func (m *Manager) callLock(callID int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.callLocks[callID]
	if !ok {
		lock = &sync.Mutex{}
		m.callLocks[callID] = lock
	}
	return lock
}

// Initiate creates a session in state INITIATED with the initiator as
// its only participant and broadcasts the first snapshot on the
// channel's call topic.
func (m *Manager) Initiate(ctx context.Context, channelID int64, initiatorID string, callType Type) (Session, error) {
	if !callType.Valid() {
		return Session{}, fault.New(fault.NotFound, "unknown call type %q", callType)
	}
	if _, err := m.directory.Authorize(ctx, channelID, initiatorID); err != nil {
		return Session{}, err
	}

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return Session{}, fault.Wrap("initiate call", err)
	}

	now := m.clock.Now()
	session := Session{
		ChannelID:   channelID,
		InitiatorID: initiatorID,
		Type:        callType,
		Status:      StatusInitiated,
		StartedAt:   now,
	}
	err = func() (err error) {
		defer m.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("initiate call", err)
		}
		defer endTransaction(&err)

		if err := insertSession(conn, &session); err != nil {
			return err
		}
		if _, err := addParticipant(conn, session.ID, initiatorID, now); err != nil {
			return err
		}
		session.Participants = []string{initiatorID}
		return nil
	}()
	if err != nil {
		return Session{}, err
	}

	// The id exists only now, so no other goroutine can hold this
	// lock yet; taking it keeps the publish path uniform.
	lock := m.callLock(session.ID)
	lock.Lock()
	m.publishState(session)
	lock.Unlock()

	m.logger.Info("call initiated", "call_id", session.ID, "channel_id", channelID, "initiator", initiatorID, "type", callType)
	return session, nil
}

// Join adds a user to a call. Re-joining is idempotent. The first join
// by someone other than the initiator moves INITIATED to ACTIVE.
func (m *Manager) Join(ctx context.Context, callID int64, userID string) (Session, error) {
	return m.transition(ctx, callID, func(conn *sqlite.Conn, session *Session) error {
		if _, err := m.directory.Authorize(ctx, session.ChannelID, userID); err != nil {
			return err
		}
		if _, err := addParticipant(conn, callID, userID, m.clock.Now()); err != nil {
			return err
		}
		if session.Status == StatusInitiated && userID != session.InitiatorID {
			session.Status = StatusActive
			return setStatus(conn, callID, StatusActive, session.EndedAt)
		}
		return nil
	})
}

// End moves the session to ENDED. Any current participant may end a
// call; ending is not undoable. The call's signaling topic is dropped
// so relays to the dead call fail fast.
func (m *Manager) End(ctx context.Context, callID int64, userID string) (Session, error) {
	session, err := m.transition(ctx, callID, func(conn *sqlite.Conn, session *Session) error {
		if _, err := m.directory.Authorize(ctx, session.ChannelID, userID); err != nil {
			return err
		}
		if !containsUser(session.Participants, userID) {
			return fault.New(fault.NotAuthorized, "user %s is not in call %d", userID, callID)
		}
		session.Status = StatusEnded
		session.EndedAt = m.clock.Now()
		return setStatus(conn, callID, StatusEnded, session.EndedAt)
	})
	if err != nil {
		return Session{}, err
	}
	m.broker.Drop(broker.SignalingTopic(callID))
	m.logger.Info("call ended", "call_id", callID, "by", userID)
	return session, nil
}

// Fail moves the session to FAILED. Intended for an external
// supervisor (heartbeat or timeout collaborator); no participant check.
func (m *Manager) Fail(ctx context.Context, callID int64) (Session, error) {
	session, err := m.transition(ctx, callID, func(conn *sqlite.Conn, session *Session) error {
		session.Status = StatusFailed
		session.EndedAt = m.clock.Now()
		return setStatus(conn, callID, StatusFailed, session.EndedAt)
	})
	if err != nil {
		return Session{}, err
	}
	m.broker.Drop(broker.SignalingTopic(callID))
	m.logger.Warn("call failed", "call_id", callID)
	return session, nil
}

// Get returns the session snapshot.
func (m *Manager) Get(ctx context.Context, callID int64) (Session, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return Session{}, fault.Wrap("load call", err)
	}
	defer m.pool.Put(conn)
	return getSession(conn, callID)
}

// Relay validates a signaling payload and republishes it on the call's
// signaling topic. The sender must be a current participant. Session
// state is never mutated; ordering across senders is not guaranteed.
func (m *Manager) Relay(ctx context.Context, callID int64, fromID string, signalType SignalType, payload codec.RawMessage) error {
	if err := validateSignal(signalType, payload); err != nil {
		return err
	}

	lock := m.callLock(callID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fault.Wrap("relay signaling", err)
	}
	session, err := getSession(conn, callID)
	m.pool.Put(conn)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fault.New(fault.AlreadyTerminal, "call %d is %s", callID, session.Status)
	}
	if !containsUser(session.Participants, fromID) {
		return fault.New(fault.NotAuthorized, "user %s is not in call %d", fromID, callID)
	}

	event := SignalingEvent{CallID: callID, FromID: fromID, Type: signalType, Payload: payload}
	if err := m.broker.Topic(broker.SignalingTopic(callID)).Publish(EventSignal, event); err != nil {
		return fault.Wrap("relay signaling", err)
	}
	return nil
}

// DropParticipant removes a user from every live call in a channel and
// rebroadcasts the affected snapshots. A call whose last participant
// leaves stays live; there is no automatic end. Best effort: failures
// are logged, not returned, since the membership removal that triggers
// this has already committed.
func (m *Manager) DropParticipant(ctx context.Context, channelID int64, userID string) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		m.logger.Error("dropping call participant", "channel_id", channelID, "user_id", userID, "error", err)
		return
	}
	callIDs, err := liveSessionIDs(conn, channelID, userID)
	m.pool.Put(conn)
	if err != nil {
		m.logger.Error("dropping call participant", "channel_id", channelID, "user_id", userID, "error", err)
		return
	}

	for _, callID := range callIDs {
		_, err := m.transition(ctx, callID, func(conn *sqlite.Conn, session *Session) error {
			_, err := removeParticipant(conn, callID, userID)
			return err
		})
		if err != nil {
			m.logger.Error("dropping call participant", "call_id", callID, "user_id", userID, "error", err)
			continue
		}
		m.logger.Info("call participant dropped", "call_id", callID, "user_id", userID)
	}
}

// transition is the shared mutation path: under the call lock, load
// the session, reject terminal state, apply the mutation in a
// transaction, reload the participant list, and publish the snapshot.
func (m *Manager) transition(ctx context.Context, callID int64, mutate func(conn *sqlite.Conn, session *Session) error) (Session, error) {
	lock := m.callLock(callID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.pool.Take(ctx)
	if err != nil {
		return Session{}, fault.Wrap("updating call", err)
	}

	var session Session
	err = func() (err error) {
		defer m.pool.Put(conn)
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fault.Wrap("updating call", err)
		}
		defer endTransaction(&err)

		session, err = getSession(conn, callID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return fault.New(fault.AlreadyTerminal, "call %d is %s", callID, session.Status)
		}
		if err := mutate(conn, &session); err != nil {
			return err
		}
		session.Participants, err = listParticipants(conn, callID)
		return err
	}()
	if err != nil {
		return Session{}, err
	}

	m.publishState(session)
	return session, nil
}

// publishState broadcasts the snapshot on the channel's call topic.
// Callers hold the call lock.
func (m *Manager) publishState(session Session) {
	if err := m.broker.Topic(broker.CallTopic(session.ChannelID)).Publish(EventState, session); err != nil {
		m.logger.Error("publishing call.state", "call_id", session.ID, "channel_id", session.ChannelID, "error", err)
	}
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
