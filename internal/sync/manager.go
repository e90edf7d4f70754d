package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery is one decoded push notification
type Delivery struct {
	HistoryID    string
	EmailAddress string
	// PushID is the Pub/Sub message id, if any
	PushID     string
	ReceivedAt time.Time
}

// Manager runs pipeline runs in the background and tracks the ones in flight
type Manager struct {
	runner  *Runner
	mailbox string
	logger  zerolog.Logger

	runs      map[string]Delivery
	runsMutex sync.RWMutex
	wg        sync.WaitGroup
}

// NewManager creates a manager for one mailbox. An empty mailbox accepts
// deliveries for any address.
func NewManager(runner *Runner, mailbox string, logger zerolog.Logger) *Manager {
	return &Manager{
		runner:  runner,
		mailbox: strings.TrimSpace(mailbox),
		logger:  logger.With().Str("component", "manager").Logger(),
		runs:    make(map[string]Delivery),
	}
}

// Schedule starts a run for d on its own goroutine and returns its id. The run
// is detached from the caller's lifetime; it ends only by finishing or by its
// run budget. Deliveries for another mailbox are ignored.
func (m *Manager) Schedule(d Delivery) (string, bool) {
	if m.mailbox != "" && d.EmailAddress != "" && !strings.EqualFold(m.mailbox, d.EmailAddress) {
		m.logger.Warn().
			Str("email_address", d.EmailAddress).
			Str("expected", m.mailbox).
			Msg("delivery for another mailbox ignored")
		return "", false
	}

	runID := uuid.NewString()
	m.runsMutex.Lock()
	m.runs[runID] = d
	m.runsMutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.runsMutex.Lock()
			delete(m.runs, runID)
			m.runsMutex.Unlock()
		}()

		m.runner.run(context.Background(), runID, d.HistoryID)
	}()
	return runID, true
}

// Go runs fn on a goroutine that Wait also drains
func (m *Manager) Go(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Running returns the ids of runs in flight
func (m *Manager) Running() []string {
	m.runsMutex.RLock()
	defer m.runsMutex.RUnlock()

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every scheduled run and Go call has finished or ctx ends
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn().Int("in_flight", len(m.Running())).Msg("shutdown before runs finished")
		return ctx.Err()
	}
}
