package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Extraction is the flattened result of paging through history since a start cursor
type Extraction struct {
	Records []ChangeRecord
	Pages   int
	// Partial is set when a page failed after at least one page was consumed
	Partial bool
	// Latest is the newest history id the source reported
	Latest string
}

// Extractor turns paged history into an ordered, deduplicated list of change records
type Extractor struct {
	source HistorySource
	kinds  []EventKind
	logger zerolog.Logger
}

// NewExtractor keeps only the given kinds. An empty list keeps every kind.
func NewExtractor(source HistorySource, kinds []EventKind, logger zerolog.Logger) *Extractor {
	if len(kinds) == 0 {
		kinds = AllEventKinds
	}
	return &Extractor{
		source: source,
		kinds:  kinds,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

func (e *Extractor) Extract(ctx context.Context, start Cursor) (Extraction, error) {
	var out Extraction
	wanted := make(map[EventKind]bool, len(e.kinds))
	for _, k := range e.kinds {
		wanted[k] = true
	}
	seen := make(map[string]struct{})
	pageToken := ""

	for {
		page, err := e.source.ListHistory(ctx, start, e.kinds, pageToken)
		if err != nil {
			if errors.Is(err, ErrCursorExpired) {
				return out, err
			}
			out.Partial = out.Pages > 0
			return out, fmt.Errorf("%w: page %d: %w", ErrSourceUnavailable, out.Pages+1, err)
		}
		out.Pages++
		if page.HistoryID != "" {
			out.Latest = page.HistoryID
		}

		for _, entry := range page.Entries {
			for _, rec := range Flatten(entry) {
				if !wanted[rec.Kind] {
					continue
				}
				key := recordKey(rec)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out.Records = append(out.Records, rec)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == pageToken {
			out.Partial = true
			return out, fmt.Errorf("%w: page token %q repeated", ErrSourceUnavailable, pageToken)
		}
		pageToken = page.NextPageToken
	}

	e.logger.Debug().
		Str("start", start.String()).
		Int("pages", out.Pages).
		Int("records", len(out.Records)).
		Msg("history extracted")
	return out, nil
}

// Flatten expands one history entry into change records: messages added,
// messages deleted, labels added, labels removed.
func Flatten(entry HistoryEntry) []ChangeRecord {
	var out []ChangeRecord
	for _, id := range entry.MessagesAdded {
		out = append(out, ChangeRecord{MessageID: id, Kind: MessageAdded, HistoryID: entry.ID})
	}
	for _, id := range entry.MessagesDeleted {
		out = append(out, ChangeRecord{MessageID: id, Kind: MessageDeleted, HistoryID: entry.ID})
	}
	for _, lc := range entry.LabelsAdded {
		out = append(out, ChangeRecord{MessageID: lc.MessageID, Kind: LabelsAdded, LabelIDs: lc.LabelIDs, HistoryID: entry.ID})
	}
	for _, lc := range entry.LabelsRemoved {
		out = append(out, ChangeRecord{MessageID: lc.MessageID, Kind: LabelsRemoved, LabelIDs: lc.LabelIDs, HistoryID: entry.ID})
	}
	return out
}

func recordKey(r ChangeRecord) string {
	labels := append([]string(nil), r.LabelIDs...)
	sort.Strings(labels)
	return string(r.Kind) + "\x00" + r.MessageID + "\x00" + strings.Join(labels, "\x00")
}
