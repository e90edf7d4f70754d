package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

func openTestStore(t *testing.T, mailbox string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "cursor.db"), "", mailbox)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t, "me@example.com")
	ctx := context.Background()

	got, err := s.GetCursor(ctx)
	if err != nil || got != "" {
		t.Fatalf("fresh GetCursor = %q, %v", got, err)
	}
	for _, c := range []string{"100", "150", "18446744073709551616"} {
		if err := s.SetCursor(ctx, c); err != nil {
			t.Fatalf("SetCursor(%s): %v", c, err)
		}
		if got, _ := s.GetCursor(ctx); got != c {
			t.Fatalf("GetCursor = %q, want %q", got, c)
		}
	}
}

func TestRecordRunKeepsCursor(t *testing.T) {
	s := openTestStore(t, "me")
	ctx := context.Background()

	if run, err := s.LastRun(ctx); err != nil || run != nil {
		t.Fatalf("LastRun = %+v, %v", run, err)
	}
	// Recording before any cursor exists must not establish one
	status := sync.RunStatus{RunID: "r1", Outcome: sync.OutcomeFailed, Candidate: "150", Error: "boom", FinishedAt: time.Now()}
	if err := s.RecordRun(ctx, status); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if got, _ := s.GetCursor(ctx); got != "" {
		t.Fatalf("cursor = %q after RecordRun", got)
	}

	if err := s.SetCursor(ctx, "150"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	status = sync.RunStatus{RunID: "r2", Outcome: sync.OutcomeCommitted, Start: "100", Candidate: "150", Matched: 2, FinishedAt: time.Now()}
	if err := s.RecordRun(ctx, status); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	run, err := s.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run.RunID != "r2" || run.Outcome != sync.OutcomeCommitted || run.Matched != 2 || run.Error != "" {
		t.Fatalf("LastRun = %+v", run)
	}
	if got, _ := s.GetCursor(ctx); got != "150" {
		t.Fatalf("cursor = %q", got)
	}
}

func TestMailboxesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.db")
	a, err := Open(path, DriverModernc, "a@example.com")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	b, err := Open(path, DriverModernc, "b@example.com")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := a.SetCursor(ctx, "10"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if got, _ := b.GetCursor(ctx); got != "" {
		t.Fatalf("mailbox b sees cursor %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), "duckdb", "me"); err == nil {
		t.Fatal("expected error")
	}
}
