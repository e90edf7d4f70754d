package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure Go driver
	DriverModernc = "sqlite"
	// DriverCgo is mattn/go-sqlite3, needs cgo
	DriverCgo = "sqlite3"
)

// Store is the cursor store for one mailbox, backed by a local SQLite file
type Store struct {
	DB      *sqlx.DB
	mailbox string
}

// Open opens or creates the cursor database at dbPath. driver is "sqlite"
// (default) or "sqlite3".
func Open(dbPath, driver, mailbox string) (*Store, error) {
	if mailbox == "" {
		return nil, fmt.Errorf("mailbox key is required")
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	switch driver {
	case DriverModernc, "":
		driver = DriverModernc
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	case DriverCgo:
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, mailbox: mailbox}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// GetCursor returns the stored cursor, "" when none was ever written
func (s *Store) GetCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.DB.GetContext(ctx, &cursor, `SELECT cursor FROM cursor_state WHERE mailbox = ?`, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor overwrites the stored cursor
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cursor_state (mailbox, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, s.mailbox, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

type runRow struct {
	RunID     string `db:"last_run_id"`
	Outcome   string `db:"last_outcome"`
	Start     string `db:"last_start"`
	Candidate string `db:"last_candidate"`
	Matched   int    `db:"last_matched"`
	Error     string `db:"last_error"`
	RunAt     int64  `db:"last_run_at"`
}

// RecordRun stores the summary of the latest run without touching the cursor
func (s *Store) RecordRun(ctx context.Context, st sync.RunStatus) error {
	_, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO cursor_state (mailbox, last_run_id, last_outcome, last_start, last_candidate, last_matched, last_error, last_run_at)
		VALUES (:mailbox, :last_run_id, :last_outcome, :last_start, :last_candidate, :last_matched, :last_error, :last_run_at)
		ON CONFLICT(mailbox) DO UPDATE SET
			last_run_id = excluded.last_run_id,
			last_outcome = excluded.last_outcome,
			last_start = excluded.last_start,
			last_candidate = excluded.last_candidate,
			last_matched = excluded.last_matched,
			last_error = excluded.last_error,
			last_run_at = excluded.last_run_at
	`, map[string]interface{}{
		"mailbox":        s.mailbox,
		"last_run_id":    st.RunID,
		"last_outcome":   string(st.Outcome),
		"last_start":     st.Start,
		"last_candidate": st.Candidate,
		"last_matched":   st.Matched,
		"last_error":     st.Error,
		"last_run_at":    st.FinishedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// LastRun returns the latest recorded run, nil if none
func (s *Store) LastRun(ctx context.Context) (*sync.RunStatus, error) {
	var row runRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT last_run_id, last_outcome, last_start, last_candidate, last_matched, last_error, last_run_at
		FROM cursor_state WHERE mailbox = ?
	`, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && row.RunID == "") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last run: %w", err)
	}
	return &sync.RunStatus{
		RunID:      row.RunID,
		Outcome:    sync.Outcome(row.Outcome),
		Start:      row.Start,
		Candidate:  row.Candidate,
		Matched:    row.Matched,
		Error:      row.Error,
		FinishedAt: time.Unix(row.RunAt, 0),
	}, nil
}
