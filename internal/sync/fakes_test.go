package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

type memStore struct {
	mu       sync.Mutex
	cursor   string
	writes   []string
	setErr   error
	getErr   error
	statuses []RunStatus
}

func (s *memStore) GetCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.getErr
}

func (s *memStore) SetCursor(ctx context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.cursor = cursor
	s.writes = append(s.writes, cursor)
	return nil
}

func (s *memStore) RecordRun(ctx context.Context, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memStore) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// pagedSource serves fixed pages. failAt makes the page with that index fail
// while failures is positive.
type pagedSource struct {
	mu       sync.Mutex
	pages    []HistoryPage
	failAt   int
	failures int
	err      error
	calls    int
	starts   []Cursor
	delay    time.Duration
}

func (s *pagedSource) ListHistory(ctx context.Context, start Cursor, kinds []EventKind, pageToken string) (*HistoryPage, error) {
	s.mu.Lock()
	s.calls++
	if pageToken == "" {
		s.starts = append(s.starts, start)
	}
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}

	idx := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "p%d", &idx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	fail := idx == s.failAt && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	if idx >= len(s.pages) {
		return &HistoryPage{}, nil
	}
	page := s.pages[idx]
	if idx+1 < len(s.pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return &page, nil
}

type mapLookup struct {
	mu    sync.Mutex
	metas map[string]MessageMeta
	fail  map[string]bool
	calls []string
}

func (l *mapLookup) GetMessage(ctx context.Context, id string) (*MessageMeta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
	if l.fail[id] {
		return nil, errors.New("backend error")
	}
	m, ok := l.metas[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &m, nil
}

type recordingSink struct {
	mu        sync.Mutex
	name      string
	transport string
	err       error
	sent      []Notification
	sentAt    []time.Time
	direct    []string
}

func (s *recordingSink) Name() string      { return s.name }
func (s *recordingSink) Transport() string { return s.transport }

func (s *recordingSink) Send(ctx context.Context, n Notification) (*SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentAt = append(s.sentAt, time.Now())
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, n)
	return &SinkResult{Response: "ok " + s.name}, nil
}

func (s *recordingSink) SendDirect(ctx context.Context, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct = append(s.direct, subject+"\n"+body)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func labelEntry(id, msg string, labels ...string) HistoryEntry {
	return HistoryEntry{ID: id, LabelsAdded: []LabelChange{{MessageID: msg, LabelIDs: labels}}}
}
