package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	feed "github.com/Martian-dev/inbox-relay/internal/sync"
)

func TestNewValidatesInput(t *testing.T) {
	if _, err := New("  ", "me"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty dsn error = %v", err)
	}
	if _, err := New("postgres://localhost/db", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty mailbox error = %v", err)
	}
}

func TestOpenFailureIsSticky(t *testing.T) {
	s, err := New("postgres://localhost/db", "me")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	s.openDB = func(driverName, dsn string) (*sqlx.DB, error) {
		calls++
		return nil, errors.New("dial refused")
	}
	if _, err := s.GetCursor(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if err := s.SetCursor(context.Background(), "1"); err == nil {
		t.Fatal("expected open error")
	}
	if calls != 1 {
		t.Fatalf("open called %d times", calls)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := quoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("quoteIdentifier = %s", got)
	}
}

// Runs against a live database when INBOX_RELAY_TEST_POSTGRES_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("INBOX_RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INBOX_RELAY_TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn, "test-"+time.Now().Format("150405.000000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if got, err := s.GetCursor(ctx); err != nil || got != "" {
		t.Fatalf("fresh GetCursor = %q, %v", got, err)
	}
	if err := s.SetCursor(ctx, "150"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := s.RecordRun(ctx, feed.RunStatus{RunID: "r", Outcome: feed.OutcomeCommitted, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if got, _ := s.GetCursor(ctx); got != "150" {
		t.Fatalf("GetCursor = %q", got)
	}
	run, err := s.LastRun(ctx)
	if err != nil || run == nil || run.RunID != "r" {
		t.Fatalf("LastRun = %+v, %v", run, err)
	}
}
