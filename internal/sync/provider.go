package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventKind is one structural change type reported by a history source
type EventKind string

const (
	MessageAdded   EventKind = "messageAdded"
	MessageDeleted EventKind = "messageDeleted"
	LabelsAdded    EventKind = "labelAdded"
	LabelsRemoved  EventKind = "labelRemoved"
)

// AllEventKinds lists every kind in the order sub-events are flattened within one history entry.
var AllEventKinds = []EventKind{MessageAdded, MessageDeleted, LabelsAdded, LabelsRemoved}

// ParseEventKind accepts the history type names used by the Gmail API.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.TrimSpace(s) {
	case "messageAdded":
		return MessageAdded, nil
	case "messageDeleted":
		return MessageDeleted, nil
	case "labelAdded", "labelsAdded":
		return LabelsAdded, nil
	case "labelRemoved", "labelsRemoved":
		return LabelsRemoved, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// ParseEventKinds parses a list of kinds, dropping duplicates.
func ParseEventKinds(names []string) ([]EventKind, error) {
	seen := make(map[EventKind]bool)
	var kinds []EventKind
	for _, name := range names {
		kind, err := ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Label returns a human readable name used in notification bodies
func (k EventKind) Label() string {
	switch k {
	case MessageAdded:
		return "message added"
	case MessageDeleted:
		return "message deleted"
	case LabelsAdded:
		return "labels added"
	case LabelsRemoved:
		return "labels removed"
	}
	return string(k)
}

// LabelChange is a label sub-event of a history entry
type LabelChange struct {
	MessageID string
	LabelIDs  []string
}

// HistoryEntry is one raw record of a history page. A single entry may carry
// several sub-events of the same kind.
type HistoryEntry struct {
	ID              string
	MessagesAdded   []string
	MessagesDeleted []string
	LabelsAdded     []LabelChange
	LabelsRemoved   []LabelChange
}

// HistoryPage is one page returned by a HistorySource
type HistoryPage struct {
	Entries       []HistoryEntry
	NextPageToken string
	// HistoryID is the mailbox's current history id as reported with the page
	HistoryID string
}

// MessageMeta is normalized per-message metadata used for enrichment
type MessageMeta struct {
	MessageID  string
	ThreadID   string
	Subject    string
	Sender     string
	LabelIDs   []string
	ReceivedAt time.Time
}

// ChangeRecord is one normalized structural event tied to one message.
// Subject, OccurredAt and CurrentLabels are only set by the Enricher.
type ChangeRecord struct {
	MessageID     string
	Kind          EventKind
	LabelIDs      []string
	HistoryID     string
	Subject       string
	OccurredAt    time.Time
	CurrentLabels []string
	Enriched      bool
}

// HistorySource pages through structural changes since a cursor
type HistorySource interface {
	ListHistory(ctx context.Context, start Cursor, kinds []EventKind, pageToken string) (*HistoryPage, error)
}

// MessageLookup fetches metadata for a single message
type MessageLookup interface {
	GetMessage(ctx context.Context, messageID string) (*MessageMeta, error)
}

// CursorStore is the durable single-value cell holding the last processed cursor.
// An empty value means the store was never initialized.
type CursorStore interface {
	GetCursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, cursor string) error
}

// RunStatus is the summary a StatusRecorder keeps about the latest run
type RunStatus struct {
	RunID      string
	Outcome    Outcome
	Candidate  string
	Start      string
	Matched    int
	Error      string
	FinishedAt time.Time
}

// StatusRecorder is implemented by cursor stores that also keep run bookkeeping
type StatusRecorder interface {
	RecordRun(ctx context.Context, status RunStatus) error
}

// WatchResult is the outcome of a push-watch registration
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// WatchRegistrar registers (or renews) push notifications for the mailbox
type WatchRegistrar interface {
	Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error)
}
