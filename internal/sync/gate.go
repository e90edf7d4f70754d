package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GateOptions tunes the Cursor Gate
type GateOptions struct {
	// AdmitWait bounds how long Admit waits for a run already in flight.
	// Zero waits until the context ends.
	AdmitWait time.Duration
}

// Gate is the sole reader and writer of the stored cursor. It serializes runs
// for one mailbox: at most one Admission is open at a time.
type Gate struct {
	store CursorStore
	opts  GateOptions
	slot  chan struct{}
}

func NewGate(store CursorStore, opts GateOptions) *Gate {
	return &Gate{
		store: store,
		opts:  opts,
		slot:  make(chan struct{}, 1),
	}
}

// Admission is a granted run. It holds the gate until Commit or Release.
type Admission struct {
	Start     Cursor
	Candidate Cursor
	// Baseline is set when the store had no cursor; the run commits without fetching history
	Baseline bool

	gate *Gate
	once sync.Once
}

// Admit decides whether candidate starts a new run. On success the returned
// Admission keeps the single-run lock until it is committed or released.
func (g *Gate) Admit(ctx context.Context, candidate string) (*Admission, error) {
	cand, err := ParseCursor(candidate)
	if err != nil {
		return nil, err
	}
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}

	stored, err := g.store.GetCursor(ctx)
	if err != nil {
		g.release()
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	adm := &Admission{Candidate: cand, gate: g}
	if strings.TrimSpace(stored) == "" {
		adm.Baseline = true
		return adm, nil
	}

	start, err := ParseCursor(stored)
	if err != nil {
		g.release()
		return nil, fmt.Errorf("stored cursor: %w", err)
	}
	if !cand.After(start) {
		g.release()
		return nil, fmt.Errorf("%w: candidate %s, stored %s", ErrNotNewer, cand, start)
	}
	adm.Start = start
	return adm, nil
}

// Stored returns the current cursor without taking the lock
func (g *Gate) Stored(ctx context.Context) (string, error) {
	return g.store.GetCursor(ctx)
}

func (g *Gate) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	default:
	}

	if g.opts.AdmitWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.AdmitWait)
		defer cancel()
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
}

func (g *Gate) release() {
	<-g.slot
}

// Commit persists the candidate and releases the gate. A store failure is
// reported as ErrCommitFailed; the gate is released either way.
func (a *Admission) Commit(ctx context.Context) error {
	err := ErrAdmissionClosed
	a.once.Do(func() {
		defer a.gate.release()
		err = nil
		if werr := a.gate.store.SetCursor(ctx, a.Candidate.String()); werr != nil {
			err = fmt.Errorf("%w: %w", ErrCommitFailed, werr)
		}
	})
	return err
}

// Release frees the gate without writing. Calling it after Commit is a no-op.
func (a *Admission) Release() {
	a.once.Do(a.gate.release)
}
