package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

const noSubject = "(no subject)"

// Options configures the Gmail adapter
type Options struct {
	// User is the mailbox owner, "me" for the authenticated account
	User     string
	PageSize int64
	Logger   zerolog.Logger
}

// Adapter serves history, message metadata and watch registration for one
// Gmail mailbox. Every API call goes through a circuit breaker.
type Adapter struct {
	svc      *gmail.Service
	user     string
	pageSize int64
	cb       *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// New creates a Gmail adapter authenticated by ts
func New(ctx context.Context, ts oauth2.TokenSource, opts Options) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, opts), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test endpoint
func NewWithService(svc *gmail.Service, opts Options) *Adapter {
	if opts.User == "" {
		opts.User = "me"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	logger := opts.Logger.With().Str("component", "gmail").Logger()

	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &Adapter{
		svc:      svc,
		user:     opts.User,
		pageSize: opts.PageSize,
		cb:       gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// ListHistory fetches one page of history since start
func (a *Adapter) ListHistory(ctx context.Context, start sync.Cursor, kinds []sync.EventKind, pageToken string) (*sync.HistoryPage, error) {
	startHistoryID, err := strconv.ParseUint(start.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("history id %q out of range: %w", start, err)
	}

	call := a.svc.Users.History.List(a.user).StartHistoryId(startHistoryID).MaxResults(a.pageSize)
	if len(kinds) > 0 {
		types := make([]string, 0, len(kinds))
		for _, k := range kinds {
			types = append(types, string(k))
		}
		call = call.HistoryTypes(types...)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListHistoryResponse
	err = a.execute("history.list", func() error {
		var callErr error
		resp, callErr = call.Context(ctx).Do()
		return callErr
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: history %s: %v", sync.ErrCursorExpired, start, err)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return convertPage(resp), nil
}

// GetMessage fetches subject, sender and labels of one message
func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*sync.MessageMeta, error) {
	var msg *gmail.Message
	err := a.execute("messages.get", func() error {
		var callErr error
		msg, callErr = a.svc.Users.Messages.Get(a.user, messageID).
			Format("metadata").
			MetadataHeaders("Subject", "From").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	meta := normalize(msg)
	return &meta, nil
}

// Watch registers push notifications to a Pub/Sub topic
func (a *Adapter) Watch(ctx context.Context, topic string, labelIDs []string) (*sync.WatchResult, error) {
	req := &gmail.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	var resp *gmail.WatchResponse
	err := a.execute("watch", func() error {
		var callErr error
		resp, callErr = a.svc.Users.Watch(a.user, req).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}
	return &sync.WatchResult{
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// BreakerState reports the circuit breaker state
func (a *Adapter) BreakerState() string {
	return a.cb.State().String()
}

func (a *Adapter) execute(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		a.logger.Debug().Err(err).Str("operation", operation).Str("state", a.cb.State().String()).
			Msg("gmail call failed")
	}
	return err
}

// nonCircuitError wraps client errors so they do not trip the breaker
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (e *nonCircuitError) Unwrap() error {
	return e.err
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// convertPage maps a history response onto source-neutral entries
func convertPage(resp *gmail.ListHistoryResponse) *sync.HistoryPage {
	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		page.Entries = append(page.Entries, convertHistory(h))
	}
	return page
}

func convertHistory(h *gmail.History) sync.HistoryEntry {
	entry := sync.HistoryEntry{ID: strconv.FormatUint(h.Id, 10)}
	for _, added := range h.MessagesAdded {
		if added.Message != nil {
			entry.MessagesAdded = append(entry.MessagesAdded, added.Message.Id)
		}
	}
	for _, deleted := range h.MessagesDeleted {
		if deleted.Message != nil {
			entry.MessagesDeleted = append(entry.MessagesDeleted, deleted.Message.Id)
		}
	}
	for _, la := range h.LabelsAdded {
		if la.Message != nil {
			entry.LabelsAdded = append(entry.LabelsAdded, sync.LabelChange{MessageID: la.Message.Id, LabelIDs: la.LabelIds})
		}
	}
	for _, lr := range h.LabelsRemoved {
		if lr.Message != nil {
			entry.LabelsRemoved = append(entry.LabelsRemoved, sync.LabelChange{MessageID: lr.Message.Id, LabelIDs: lr.LabelIds})
		}
	}
	return entry
}

// normalize converts a metadata-format Gmail message to MessageMeta
func normalize(m *gmail.Message) sync.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}
	subject := strings.TrimSpace(headers["subject"])
	if subject == "" {
		subject = noSubject
	}
	meta := sync.MessageMeta{
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Subject:   subject,
		Sender:    headers["from"],
		LabelIDs:  m.LabelIds,
	}
	if m.InternalDate > 0 {
		meta.ReceivedAt = time.UnixMilli(m.InternalDate)
	}
	return meta
}
