package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WatchRefresher keeps the mailbox push registration alive. Gmail watches
// expire after seven days, so they have to be renewed periodically.
type WatchRefresher struct {
	Registrar WatchRegistrar
	Topic     string
	LabelIDs  []string
	Interval  time.Duration
	// Gate, when set, seeds an unset cursor from the watch response
	Gate *Gate
	// Fanout and NotifyTransport, when set, send a notice with the new expiration
	Fanout          *Fanout
	NotifyTransport string
	Logger          zerolog.Logger
}

// Refresh registers the watch once
func (w *WatchRefresher) Refresh(ctx context.Context) (*WatchResult, error) {
	if w.Topic == "" {
		return nil, fmt.Errorf("watch topic not configured")
	}
	res, err := w.Registrar.Watch(ctx, w.Topic, w.LabelIDs)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}
	w.Logger.Info().
		Str("topic", w.Topic).
		Str("history_id", res.HistoryID).
		Time("expiration", res.Expiration).
		Msg("watch registered")

	if w.Gate != nil && res.HistoryID != "" {
		w.seed(ctx, res.HistoryID)
	}
	if w.Fanout != nil && w.NotifyTransport != "" {
		subject := "Gmail watch refreshed"
		body := fmt.Sprintf("Watch on topic %s refreshed.\nHistory id: %s\nExpires: %s\n",
			w.Topic, res.HistoryID, res.Expiration.UTC().Format(time.RFC1123))
		if err := w.Fanout.Direct(ctx, w.NotifyTransport, subject, body); err != nil {
			w.Logger.Warn().Err(err).Msg("watch notice not sent")
		}
	}
	return res, nil
}

// seed commits historyID only when no cursor is stored yet
func (w *WatchRefresher) seed(ctx context.Context, historyID string) {
	adm, err := w.Gate.Admit(ctx, historyID)
	if err != nil {
		if !errors.Is(err, ErrNotNewer) {
			w.Logger.Debug().Err(err).Msg("cursor not seeded from watch")
		}
		return
	}
	if !adm.Baseline {
		adm.Release()
		return
	}
	if err := adm.Commit(ctx); err != nil {
		w.Logger.Warn().Err(err).Msg("failed to seed cursor from watch")
		return
	}
	w.Logger.Info().Str("cursor", historyID).Msg("cursor seeded from watch")
}

// Run refreshes immediately and then on every interval until ctx ends
func (w *WatchRefresher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if _, err := w.Refresh(ctx); err != nil {
		w.Logger.Error().Err(err).Msg("watch refresh failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Refresh(ctx); err != nil {
				w.Logger.Error().Err(err).Msg("watch refresh failed")
			}
		}
	}
}
