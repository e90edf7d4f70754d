package natsjs

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// ChangeEvent is the JSON document published for one run's MatchSet
type ChangeEvent struct {
	EventID   string        `json:"event_id"`
	RunID     string        `json:"run_id"`
	Mailbox   string        `json:"mailbox"`
	Start     string        `json:"start"`
	Candidate string        `json:"candidate"`
	Policy    string        `json:"policy"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	Changes   []ChangeEntry `json:"changes"`
	TS        int64         `json:"ts"`
}

type ChangeEntry struct {
	MessageID  string   `json:"message_id"`
	Kind       string   `json:"kind"`
	LabelIDs   []string `json:"label_ids,omitempty"`
	HistoryID  string   `json:"history_id,omitempty"`
	Subject    string   `json:"subject"`
	Enriched   bool     `json:"enriched"`
	ReceivedAt int64    `json:"received_at,omitempty"`
}

// ChangeSink publishes matched changes to JetStream
type ChangeSink struct {
	pub     publisher
	prefix  string
	mailbox string
}

func NewChangeSink(p *Publisher, mailbox string) *ChangeSink {
	return &ChangeSink{pub: p, prefix: p.SubjectPrefix(), mailbox: mailbox}
}

func (s *ChangeSink) Name() string      { return "nats" }
func (s *ChangeSink) Transport() string { return "nats" }

func (s *ChangeSink) Send(ctx context.Context, n sync.Notification) (*sync.SinkResult, error) {
	mailbox := n.Mailbox
	if mailbox == "" {
		mailbox = s.mailbox
	}
	event := ChangeEvent{
		EventID:   uuid.NewString(),
		RunID:     n.RunID,
		Mailbox:   mailbox,
		Start:     n.Start.String(),
		Candidate: n.Candidate.String(),
		Policy:    n.Policy,
		Subject:   n.Subject,
		Body:      n.Body,
		TS:        time.Now().Unix(),
	}
	for _, r := range n.Records {
		entry := ChangeEntry{
			MessageID: r.MessageID,
			Kind:      string(r.Kind),
			LabelIDs:  r.LabelIDs,
			HistoryID: r.HistoryID,
			Subject:   r.Subject,
			Enriched:  r.Enriched,
		}
		if !r.OccurredAt.IsZero() {
			entry.ReceivedAt = r.OccurredAt.Unix()
		}
		event.Changes = append(event.Changes, entry)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	subject := s.prefix + "." + subjectToken(mailbox) + ".changes"
	// Unique per run: client publish retries inside one run are deduplicated,
	// a later run over the same range is delivered again.
	msgID := mailbox + ":" + event.Start + ":" + event.Candidate + ":" + n.RunID
	if err := s.pub.Publish(ctx, subject, payload, msgID); err != nil {
		return nil, err
	}
	return &sync.SinkResult{Response: subject + " " + msgID}, nil
}

// subjectToken makes an address usable as a single NATS subject token
func subjectToken(s string) string {
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}
