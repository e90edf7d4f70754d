package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notification is what a sink delivers for one run. Subject and Body are
// rendered with the sink's own template before Send is called.
type Notification struct {
	RunID     string
	Mailbox   string
	Start     Cursor
	Candidate Cursor
	Policy    string
	Records   []ChangeRecord

	Subject string
	Body    string
}

// SinkResult carries whatever the transport answered, kept for logging
type SinkResult struct {
	Response string
}

// Sink is one notification channel
type Sink interface {
	Name() string
	// Transport groups sinks that share a cooldown
	Transport() string
	Send(ctx context.Context, n Notification) (*SinkResult, error)
}

// DirectSender sends an ad-hoc message outside of a run
type DirectSender interface {
	SendDirect(ctx context.Context, subject, body string) error
}

// Confirming sinks have a successful dispatch reported through the confirm transport
type Confirming interface {
	Confirmation(res *SinkResult) (subject, body string, ok bool)
}

// Route binds a sink to the template its notification is rendered with
type Route struct {
	Sink     Sink
	Template *Template
}

type DispatchStatus string

const (
	DispatchSent   DispatchStatus = "sent"
	DispatchFailed DispatchStatus = "failed"
)

type DispatchResult struct {
	Sink     string
	Status   DispatchStatus
	Reason   string
	Response string
}

type FanoutOptions struct {
	// Cooldown is the minimum spacing between two dispatches on one transport
	Cooldown time.Duration
	// Cooldowns overrides Cooldown per transport
	Cooldowns map[string]time.Duration
	// ConfirmTransport receives confirmations from Confirming sinks; empty disables them
	ConfirmTransport string
	// Direct registers extra direct senders by transport
	Direct map[string]DirectSender
}

// Fanout delivers a MatchSet to every configured sink, one after another.
type Fanout struct {
	routes   []Route
	opts     FanoutOptions
	direct   map[string]DirectSender
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	logger   zerolog.Logger
}

func NewFanout(routes []Route, opts FanoutOptions, logger zerolog.Logger) *Fanout {
	f := &Fanout{
		routes:   routes,
		opts:     opts,
		direct:   make(map[string]DirectSender),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With().Str("component", "fanout").Logger(),
	}
	for _, r := range routes {
		if d, ok := r.Sink.(DirectSender); ok {
			f.direct[r.Sink.Transport()] = d
		}
	}
	for transport, d := range opts.Direct {
		f.direct[transport] = d
	}
	return f
}

// Sinks returns the configured sink names in dispatch order
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.routes))
	for _, r := range f.routes {
		names = append(names, r.Sink.Name())
	}
	return names
}

// Dispatch sends n to every sink. An empty MatchSet sends nothing. A failing
// sink never stops the others and is not retried.
func (f *Fanout) Dispatch(ctx context.Context, n Notification) []DispatchResult {
	if len(n.Records) == 0 {
		return nil
	}
	results := make([]DispatchResult, 0, len(f.routes))
	for _, route := range f.routes {
		results = append(results, f.dispatch(ctx, route, n))
	}
	return results
}

func (f *Fanout) dispatch(ctx context.Context, route Route, n Notification) DispatchResult {
	name := route.Sink.Name()
	res := DispatchResult{Sink: name}
	logger := f.logger.With().Str("sink", name).Str("run_id", n.RunID).Logger()

	tmpl := route.Template
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	subject, body, err := tmpl.Render(n)
	if err != nil {
		return f.failed(logger, res, fmt.Errorf("render: %w", err))
	}
	n.Subject, n.Body = subject, body

	if err := f.limiter(route.Sink.Transport()).Wait(ctx); err != nil {
		return f.failed(logger, res, fmt.Errorf("cooldown: %w", err))
	}
	out, err := route.Sink.Send(ctx, n)
	if err != nil {
		return f.failed(logger, res, err)
	}

	res.Status = DispatchSent
	if out != nil {
		res.Response = out.Response
	}
	logger.Info().Int("records", len(n.Records)).Msg("notification sent")

	if c, ok := route.Sink.(Confirming); ok && f.opts.ConfirmTransport != "" {
		if subj, text, ok := c.Confirmation(out); ok {
			if err := f.Direct(ctx, f.opts.ConfirmTransport, subj, text); err != nil {
				logger.Warn().Err(err).Msg("confirmation not sent")
			}
		}
	}
	return res
}

func (f *Fanout) failed(logger zerolog.Logger, res DispatchResult, err error) DispatchResult {
	err = fmt.Errorf("%w: %s: %w", ErrSinkFailed, res.Sink, err)
	logger.Warn().Err(err).Msg("notification failed")
	res.Status = DispatchFailed
	res.Reason = err.Error()
	return res
}

// Direct sends an ad-hoc message through the transport's direct sender,
// honoring the same cooldown as run notifications.
func (f *Fanout) Direct(ctx context.Context, transport, subject, body string) error {
	d, ok := f.direct[transport]
	if !ok {
		return fmt.Errorf("%w: no direct sender for transport %q", ErrSinkFailed, transport)
	}
	if err := f.limiter(transport).Wait(ctx); err != nil {
		return fmt.Errorf("%w: cooldown: %w", ErrSinkFailed, err)
	}
	if err := d.SendDirect(ctx, subject, body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSinkFailed, transport, err)
	}
	return nil
}

// HasDirect reports whether ad-hoc messages can be sent on transport
func (f *Fanout) HasDirect(transport string) bool {
	_, ok := f.direct[transport]
	return ok
}

func (f *Fanout) limiter(transport string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.limiters[transport]; ok {
		return l
	}
	cooldown := f.opts.Cooldown
	if d, ok := f.opts.Cooldowns[transport]; ok {
		cooldown = d
	}
	l := rate.NewLimiter(rate.Inf, 1)
	if cooldown > 0 {
		l = rate.NewLimiter(rate.Every(cooldown), 1)
	}
	f.limiters[transport] = l
	return l
}

const (
	defaultSubjectTemplate = `[inbox-relay] {{len .Records}} new change(s) matched the {{.Policy}} policy`
	defaultBodyTemplate    = `Mailbox {{if .Mailbox}}{{.Mailbox}}{{else}}(default){{end}} changed between history {{.Start}} and {{.Candidate}}.
{{range $i, $r := .Records}}
{{inc $i}}. {{$r.Subject}}
   message: {{$r.MessageID}} ({{$r.Kind.Label}}){{if $r.LabelIDs}}
   labels: {{join $r.LabelIDs ", "}}{{end}}{{if not $r.OccurredAt.IsZero}}
   received: {{$r.OccurredAt.UTC.Format "2006-01-02 15:04:05 MST"}}{{end}}
{{end}}`
)

var templateFuncs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

// Template renders the subject and body of one sink's notification
type Template struct {
	subject *template.Template
	body    *template.Template
}

// NewTemplate parses subject and body template text. Empty text falls back to the default.
func NewTemplate(subjectText, bodyText string) (*Template, error) {
	if strings.TrimSpace(subjectText) == "" {
		subjectText = defaultSubjectTemplate
	}
	if strings.TrimSpace(bodyText) == "" {
		bodyText = defaultBodyTemplate
	}
	subject, err := template.New("subject").Funcs(templateFuncs).Parse(subjectText)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := template.New("body").Funcs(templateFuncs).Parse(bodyText)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Template{subject: subject, body: body}, nil
}

// DefaultTemplate lists the MatchSet 1-indexed with id, subject and labels
func DefaultTemplate() *Template {
	t, err := NewTemplate("", "")
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Render(n Notification) (subject, body string, err error) {
	var sb, bb strings.Builder
	if err := t.subject.Execute(&sb, n); err != nil {
		return "", "", err
	}
	if err := t.body.Execute(&bb, n); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}
