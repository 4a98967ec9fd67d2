// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/sqlitepool"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "directory.db"),
		Logger: slog.Default(),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	service, err := New(Config{Pool: pool, Clock: fakeClock, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return service, fakeClock
}

func TestChannelLifecycle(t *testing.T) {
	service, fakeClock := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateChannel(ctx, "general", Public, "proj-1")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if created.ID == 0 || created.Name != "general" || created.Visibility != Public {
		t.Fatalf("unexpected channel: %+v", created)
	}

	fakeClock.Advance(time.Minute)
	updated, err := service.UpdateChannel(ctx, created.ID, "announcements", Private)
	if err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	if updated.Name != "announcements" || updated.Visibility != Private {
		t.Fatalf("unexpected updated channel: %+v", updated)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Fatal("UpdatedAt not advanced")
	}

	fetched, err := service.GetChannel(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if fetched.Name != "announcements" {
		t.Fatalf("fetched name = %q", fetched.Name)
	}

	if _, err := service.GetChannel(ctx, 9999); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("missing channel error = %v, want NotFound", err)
	}
}

func TestParticipantUniqueness(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	channel, err := service.CreateChannel(ctx, "general", Public, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if _, err := service.AddParticipant(ctx, channel.ID, "alice", RoleAdmin); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if _, err := service.AddParticipant(ctx, channel.ID, "alice", RoleMember); !fault.IsKind(err, fault.AlreadyMember) {
		t.Fatalf("duplicate add error = %v, want AlreadyMember", err)
	}
	if _, err := service.AddParticipant(ctx, 9999, "alice", RoleMember); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("add to missing channel error = %v, want NotFound", err)
	}

	if err := service.RemoveParticipant(ctx, channel.ID, "alice"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if err := service.RemoveParticipant(ctx, channel.ID, "alice"); !fault.IsKind(err, fault.NotMember) {
		t.Fatalf("second remove error = %v, want NotMember", err)
	}
}

func TestAuthorize(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	channel, _ := service.CreateChannel(ctx, "general", Public, "")
	if _, err := service.AddParticipant(ctx, channel.ID, "alice", RoleMember); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	participant, err := service.Authorize(ctx, channel.ID, "alice")
	if err != nil {
		t.Fatalf("Authorize member: %v", err)
	}
	if participant.UserID != "alice" || participant.Role != RoleMember {
		t.Fatalf("unexpected participant: %+v", participant)
	}

	if _, err := service.Authorize(ctx, channel.ID, "mallory"); !fault.IsKind(err, fault.NotAuthorized) {
		t.Fatalf("non-member error = %v, want NotAuthorized", err)
	}
	if _, err := service.Authorize(ctx, 9999, "alice"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("missing channel error = %v, want NotFound", err)
	}
}

func TestMemberIsPureLookup(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	channel, _ := service.CreateChannel(ctx, "general", Public, "")
	service.AddParticipant(ctx, channel.ID, "alice", RoleMember)

	if _, err := service.Member(ctx, channel.ID, "alice"); err != nil {
		t.Fatalf("Member: %v", err)
	}
	if _, err := service.Member(ctx, channel.ID, "bob"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("absent member error = %v, want NotFound", err)
	}
}

func TestCallFlags(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	channel, _ := service.CreateChannel(ctx, "general", Public, "")
	service.AddParticipant(ctx, channel.ID, "alice", RoleMember)

	if err := service.SetCallFlags(ctx, channel.ID, "alice", true, false); err != nil {
		t.Fatalf("SetCallFlags: %v", err)
	}
	participant, err := service.Member(ctx, channel.ID, "alice")
	if err != nil {
		t.Fatalf("Member: %v", err)
	}
	if !participant.Muted || participant.VideoEnabled {
		t.Fatalf("flags = muted=%v video=%v, want muted=true video=false", participant.Muted, participant.VideoEnabled)
	}

	if err := service.SetCallFlags(ctx, channel.ID, "bob", true, true); !fault.IsKind(err, fault.NotMember) {
		t.Fatalf("flags for non-member error = %v, want NotMember", err)
	}
}

// recordingDropper records DropParticipant invocations.
type recordingDropper struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDropper) DropParticipant(_ context.Context, channelID int64, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, userID)
	_ = channelID
}

func TestRemoveParticipantCascadesToCalls(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	dropper := &recordingDropper{}
	service.SetCallDropper(dropper)

	channel, _ := service.CreateChannel(ctx, "general", Public, "")
	service.AddParticipant(ctx, channel.ID, "alice", RoleMember)

	if err := service.RemoveParticipant(ctx, channel.ID, "alice"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	dropper.mu.Lock()
	defer dropper.mu.Unlock()
	if len(dropper.calls) != 1 || dropper.calls[0] != "alice" {
		t.Fatalf("dropper calls = %v, want [alice]", dropper.calls)
	}
}

func TestParticipantsListing(t *testing.T) {
	service, fakeClock := newTestService(t)
	ctx := context.Background()

	channel, _ := service.CreateChannel(ctx, "general", Public, "")
	service.AddParticipant(ctx, channel.ID, "alice", RoleAdmin)
	fakeClock.Advance(time.Second)
	service.AddParticipant(ctx, channel.ID, "bob", RoleMember)

	participants, err := service.Participants(ctx, channel.ID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(participants) != 2 || participants[0].UserID != "alice" || participants[1].UserID != "bob" {
		t.Fatalf("unexpected participants: %+v", participants)
	}

	if _, err := service.Participants(ctx, 9999); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("missing channel error = %v, want NotFound", err)
	}
}
