package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"classlink/internal/logging"
	dbconfig "classlink/pkg/database"
	"classlink/pkg/types"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "journal.db")

	m, err := NewManager(cfg, WithLogger(logging.Discard()), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := dbconfig.NewMigrationManager(m.GetDB()).ApplyMigrations(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return m
}

func entry(id, topic string) *types.JournalEntry {
	return &types.JournalEntry{
		ID:      id,
		Topic:   topic,
		Sender:  "conn-1",
		Payload: []byte(fmt.Sprintf(`{"type":"CHAT","text":%q}`, id)),
	}
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	if _, err := NewManager(cfg); err == nil {
		t.Error("expected error for empty database path")
	}
}

func TestAppend_AssignsSequencePerTopic(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	a1, a2, b1 := entry("a1", "control/r1"), entry("a2", "control/r1"), entry("b1", "control/r2")
	for _, e := range []*types.JournalEntry{a1, b1, a2} {
		if err := m.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	if a1.Seq != 1 || a2.Seq != 2 {
		t.Errorf("control/r1 sequence = %d,%d; want 1,2", a1.Seq, a2.Seq)
	}
	if b1.Seq != 1 {
		t.Errorf("control/r2 sequence = %d; want 1", b1.Seq)
	}
	if a1.CreatedAt.IsZero() {
		t.Error("CreatedAt should be filled in")
	}
}

func TestAppend_RejectsInvalidEntry(t *testing.T) {
	m := setupTestManager(t)
	tests := []struct {
		name  string
		entry *types.JournalEntry
	}{
		{"nil", nil},
		{"no id", &types.JournalEntry{Topic: "t", Payload: []byte(`{}`)}},
		{"no topic", &types.JournalEntry{ID: "x", Payload: []byte(`{}`)}},
		{"no payload", &types.JournalEntry{ID: "x", Topic: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Append(context.Background(), tt.entry); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestAppend_DuplicateIDFails(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	if err := m.Append(ctx, entry("dup", "control/r1")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := m.Append(ctx, entry("dup", "control/r1")); err == nil {
		t.Error("expected primary key violation for duplicate id")
	}
}

func TestRecent_OldestFirstWithinLimit(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := m.Append(ctx, entry(fmt.Sprintf("m%d", i), "conversation/c1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := m.Recent(ctx, "conversation/c1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if got[i].ID != want {
			t.Errorf("entry %d = %s, want %s", i, got[i].ID, want)
		}
	}
	if string(got[2].Payload) != `{"type":"CHAT","text":"m5"}` {
		t.Errorf("payload not preserved: %s", got[2].Payload)
	}
}

func TestRecent_UnknownTopic(t *testing.T) {
	m := setupTestManager(t)
	got, err := m.Recent(context.Background(), "control/none", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestTopics_CountsFrames(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = m.Append(ctx, entry(fmt.Sprintf("a%d", i), "control/r1"))
	}
	_ = m.Append(ctx, entry("b0", "signaling/r1"))

	stats, err := m.Topics(ctx)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(stats))
	}
	if stats[0].Topic != "control/r1" || stats[0].Frames != 3 {
		t.Errorf("unexpected first topic %+v", stats[0])
	}
	if stats[1].Topic != "signaling/r1" || stats[1].Frames != 1 {
		t.Errorf("unexpected second topic %+v", stats[1])
	}
	if stats[0].LastSeen == "" {
		t.Error("LastSeen should be set")
	}
}

func TestAppend_ConcurrentWritersKeepSequenceDense(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.Append(ctx, entry(fmt.Sprintf("c%d", i), "control/busy"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	got, err := m.Recent(ctx, "control/busy", n)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	m := setupTestManager(t)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	m := setupTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := m.Append(context.Background(), entry("late", "control/r1")); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}
