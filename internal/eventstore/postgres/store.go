package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	feed "github.com/Martian-dev/inbox-relay/internal/sync"
)

const (
	defaultTableName = "inbox_relay_cursor"
	operationTimeout = 5 * time.Second
)

// ErrInvalidInput is returned for an empty DSN or mailbox
var ErrInvalidInput = errors.New("invalid postgres cursor store input")

type openFunc func(driverName, dsn string) (*sqlx.DB, error)

// Store keeps the cursor of one mailbox in a shared Postgres table. The
// connection and table are created lazily on first use.
type Store struct {
	dsn       string
	tableName string
	mailbox   string
	openDB    openFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func New(dsn, mailbox string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || mailbox == "" {
		return nil, ErrInvalidInput
	}
	return &Store{
		dsn:       dsn,
		tableName: defaultTableName,
		mailbox:   mailbox,
		openDB:    sqlx.Open,
	}, nil
}

func (s *Store) GetCursor(ctx context.Context) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT cursor FROM %s WHERE mailbox = $1", quoteIdentifier(s.tableName))
	var cursor string
	err := s.db.GetContext(ctx, &cursor, query, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (mailbox)
		DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`, quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, s.mailbox, cursor); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *Store) RecordRun(ctx context.Context, st feed.RunStatus) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox, last_run_id, last_outcome, last_start, last_candidate, last_matched, last_error, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (mailbox)
		DO UPDATE SET last_run_id = EXCLUDED.last_run_id,
			last_outcome = EXCLUDED.last_outcome,
			last_start = EXCLUDED.last_start,
			last_candidate = EXCLUDED.last_candidate,
			last_matched = EXCLUDED.last_matched,
			last_error = EXCLUDED.last_error,
			last_run_at = EXCLUDED.last_run_at`, quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.mailbox, st.RunID, string(st.Outcome), st.Start, st.Candidate,
		st.Matched, st.Error, st.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (s *Store) LastRun(ctx context.Context) (*feed.RunStatus, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT last_run_id, last_outcome, last_start, last_candidate, last_matched, last_error, last_run_at
		FROM %s WHERE mailbox = $1`, quoteIdentifier(s.tableName))
	var row struct {
		RunID     string       `db:"last_run_id"`
		Outcome   string       `db:"last_outcome"`
		Start     string       `db:"last_start"`
		Candidate string       `db:"last_candidate"`
		Matched   int          `db:"last_matched"`
		Error     string       `db:"last_error"`
		RunAt     sql.NullTime `db:"last_run_at"`
	}
	err := s.db.GetContext(ctx, &row, query, s.mailbox)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && row.RunID == "") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last run: %w", err)
	}
	return &feed.RunStatus{
		RunID:      row.RunID,
		Outcome:    feed.Outcome(row.Outcome),
		Start:      row.Start,
		Candidate:  row.Candidate,
		Matched:    row.Matched,
		Error:      row.Error,
		FinishedAt: row.RunAt.Time,
	}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				mailbox TEXT PRIMARY KEY,
				cursor TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_run_id TEXT NOT NULL DEFAULT '',
				last_outcome TEXT NOT NULL DEFAULT '',
				last_start TEXT NOT NULL DEFAULT '',
				last_candidate TEXT NOT NULL DEFAULT '',
				last_matched INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				last_run_at TIMESTAMPTZ
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to create cursor table: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
