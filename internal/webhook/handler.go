package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-relay/internal/auth"
	"github.com/Martian-dev/inbox-relay/internal/sync"
)

// Scheduler starts background runs; implemented by sync.Manager
type Scheduler interface {
	Schedule(d sync.Delivery) (string, bool)
	Running() []string
	// Go runs background work that shutdown waits for
	Go(fn func())
}

// StatsFunc contributes one section of the /status response
type StatsFunc func() interface{}

// Verifier authenticates the push caller
type Verifier interface {
	Verify(r *http.Request) (*auth.PushIdentity, error)
}

// Forwarder sends ad-hoc messages; implemented by sync.Fanout
type Forwarder interface {
	Direct(ctx context.Context, transport, subject, body string) error
}

// Refresher renews the push watch; implemented by sync.WatchRefresher
type Refresher interface {
	Refresh(ctx context.Context) (*sync.WatchResult, error)
}

type CursorReader interface {
	Stored(ctx context.Context) (string, error)
}

type LastRunReader interface {
	LastRun(ctx context.Context) (*sync.RunStatus, error)
}

// Options wires the handler. Scheduler is required; every other dependency
// is optional and disables its feature when nil.
type Options struct {
	Path         string
	MaxBodyBytes int64
	Scheduler    Scheduler
	Verifier     Verifier
	// Forwarder and ForwardTransport enable mailing every raw push payload
	Forwarder        Forwarder
	ForwardTransport string
	Refresher        Refresher
	Cursor           CursorReader
	LastRun          LastRunReader
	// Stats adds named sections to /status, e.g. breaker state or key cache
	Stats  map[string]StatsFunc
	Logger zerolog.Logger
}

// Handler is the webhook intake. It acknowledges a push as soon as the body
// is decoded; processing happens on the scheduler.
type Handler struct {
	opts    Options
	decoder *Decoder
	logger  zerolog.Logger
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("webhook: scheduler is required")
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &Handler{
		opts:    opts,
		decoder: decoder,
		logger:  opts.Logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// Register mounts the intake and its operational endpoints
func (h *Handler) Register(r gin.IRouter) {
	r.POST(h.opts.Path, h.requireAuth, h.handlePush)
	r.GET("/healthz", h.handleHealth)
	r.GET("/status", h.handleStatus)
	r.GET("/refresh_watch", h.requireAuth, h.handleRefreshWatch)
	r.POST("/refresh_watch", h.requireAuth, h.handleRefreshWatch)
}

func (h *Handler) requireAuth(c *gin.Context) {
	if h.opts.Verifier == nil {
		c.Next()
		return
	}
	if _, err := h.opts.Verifier.Verify(c.Request); err != nil {
		h.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("push token rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *Handler) handlePush(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "failed to read body"
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)
		}
		h.logger.Warn().Err(err).Msg("push body rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	push, err := h.decoder.Decode(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("invalid push envelope")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, scheduled := h.opts.Scheduler.Schedule(sync.Delivery{
		HistoryID:    push.HistoryID,
		EmailAddress: push.EmailAddress,
		PushID:       push.MessageID,
		ReceivedAt:   time.Now(),
	})
	h.logger.Info().
		Str("history_id", push.HistoryID).
		Str("email_address", push.EmailAddress).
		Str("push_id", push.MessageID).
		Str("run_id", runID).
		Bool("scheduled", scheduled).
		Msg("push accepted")

	if h.opts.Forwarder != nil && h.opts.ForwardTransport != "" {
		h.opts.Scheduler.Go(func() { h.forward(push) })
	}

	status := "accepted"
	if !scheduled {
		status = "ignored"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "run_id": runID, "history_id": push.HistoryID})
}

func (h *Handler) forward(push *Push) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	subject := fmt.Sprintf("Gmail push notification (history %s)", push.HistoryID)
	body := fmt.Sprintf("Pub/Sub message: %s\nPublished: %s\nSubscription: %s\n\n%s\n",
		push.MessageID, push.PublishTime, push.Subscription, push.Payload)
	if err := h.opts.Forwarder.Direct(ctx, h.opts.ForwardTransport, subject, body); err != nil {
		h.logger.Warn().Err(err).Str("history_id", push.HistoryID).Msg("raw push not forwarded")
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{"running": h.opts.Scheduler.Running()}

	if h.opts.Cursor != nil {
		cursor, err := h.opts.Cursor.Stored(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to read cursor")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cursor"})
			return
		}
		resp["cursor"] = cursor
	}
	if h.opts.LastRun != nil {
		run, err := h.opts.LastRun.LastRun(ctx)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to read last run")
		} else if run != nil {
			resp["last_run"] = gin.H{
				"run_id":      run.RunID,
				"outcome":     run.Outcome,
				"start":       run.Start,
				"candidate":   run.Candidate,
				"matched":     run.Matched,
				"error":       run.Error,
				"finished_at": run.FinishedAt.UTC().Format(time.RFC3339),
			}
		}
	}
	for name, fn := range h.opts.Stats {
		resp[name] = fn()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleRefreshWatch(c *gin.Context) {
	if h.opts.Refresher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch refresh not configured"})
		return
	}
	res, err := h.opts.Refresher.Refresh(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("watch refresh failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"historyId":  res.HistoryID,
		"expiration": res.Expiration.UnixMilli(),
		"expires_at": res.Expiration.UTC().Format(time.RFC3339),
	})
}

// RequestLogger logs one line per request through zerolog
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := logger.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Error()
		case status >= http.StatusBadRequest:
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
