package sync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// PlaceholderSubject stands in for a subject whose lookup failed
const PlaceholderSubject = "(subject unavailable)"

// Enricher attaches subject and timestamp metadata to change records.
type Enricher struct {
	lookup MessageLookup
	logger zerolog.Logger
}

func NewEnricher(lookup MessageLookup, logger zerolog.Logger) *Enricher {
	return &Enricher{
		lookup: lookup,
		logger: logger.With().Str("component", "enricher").Logger(),
	}
}

// Enrich returns a copy of records with metadata attached. A failed lookup
// leaves the placeholder subject on that record only; the rest continue.
func (e *Enricher) Enrich(ctx context.Context, records []ChangeRecord) []ChangeRecord {
	out := make([]ChangeRecord, len(records))
	metas := make(map[string]*MessageMeta)
	failed := make(map[string]bool)

	for i, r := range records {
		meta, ok := metas[r.MessageID]
		if !ok {
			if failed[r.MessageID] {
				r.Subject = PlaceholderSubject
				out[i] = r
				continue
			}
			var err error
			meta, err = e.lookup.GetMessage(ctx, r.MessageID)
			if err != nil {
				err = fmt.Errorf("%w: %s: %w", ErrLookupFailed, r.MessageID, err)
				failed[r.MessageID] = true
				e.logger.Warn().Err(err).Str("message_id", r.MessageID).Msg("metadata lookup failed, using placeholder")
				r.Subject = PlaceholderSubject
				out[i] = r
				continue
			}
			metas[r.MessageID] = meta
		}

		r.Subject = meta.Subject
		r.OccurredAt = meta.ReceivedAt
		r.CurrentLabels = meta.LabelIDs
		r.Enriched = true
		out[i] = r
	}
	return out
}
