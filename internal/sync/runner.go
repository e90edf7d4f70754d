package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is how a run ended
type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeBusy         Outcome = "busy"
	OutcomeBaseline     Outcome = "baseline"
	OutcomeRebaselined  Outcome = "rebaselined"
	OutcomeCommitted    Outcome = "committed"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeCommitFailed Outcome = "commit_failed"
)

// RunReport summarizes one pipeline run
type RunReport struct {
	RunID      string
	Candidate  string
	Start      Cursor
	Outcome    Outcome
	Records    int
	Matched    int
	Partial    bool
	Latest     string
	Dispatches []DispatchResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner executes admit, extract, select, enrich, notify and commit for one
// notification.
type Runner struct {
	Gate      *Gate
	Extractor *Extractor
	Policy    Policy
	Enricher  *Enricher
	Fanout    *Fanout
	// Status is optional
	Status StatusRecorder
	// Mailbox is only used to label notifications
	Mailbox string
	// RunBudget bounds a run once admitted; zero disables it
	RunBudget time.Duration
	Logger    zerolog.Logger
}

// Run processes one candidate cursor end to end. It never returns an error:
// every failure ends up in the report's Outcome and Err.
func (r *Runner) Run(ctx context.Context, candidate string) RunReport {
	return r.run(ctx, uuid.NewString(), candidate)
}

func (r *Runner) run(ctx context.Context, runID, candidate string) (report RunReport) {
	report = RunReport{RunID: runID, Candidate: candidate, StartedAt: time.Now()}
	logger := r.Logger.With().Str("run_id", runID).Str("candidate", candidate).Logger()

	defer func() {
		report.FinishedAt = time.Now()
		r.record(report, logger)
		r.log(report, logger)
	}()

	adm, err := r.Gate.Admit(ctx, candidate)
	if err != nil {
		report.Err = err
		switch {
		case errors.Is(err, ErrNotNewer):
			report.Outcome = OutcomeRejected
		case errors.Is(err, ErrInvalidCursor):
			report.Outcome = OutcomeInvalid
		case errors.Is(err, ErrBusy):
			report.Outcome = OutcomeBusy
		default:
			report.Outcome = OutcomeFailed
		}
		return report
	}
	defer adm.Release()
	report.Start = adm.Start

	runCtx := ctx
	if r.RunBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.RunBudget)
		defer cancel()
	}

	if adm.Baseline {
		logger.Info().Msg("no stored cursor, establishing baseline")
		return r.commit(runCtx, adm, report, OutcomeBaseline)
	}

	ext, err := r.Extractor.Extract(runCtx, adm.Start)
	report.Records = len(ext.Records)
	report.Partial = ext.Partial
	report.Latest = ext.Latest
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			logger.Warn().Err(err).Str("start", adm.Start.String()).
				Msg("start cursor no longer available, rebaselining without notifications")
			return r.commit(runCtx, adm, report, OutcomeRebaselined)
		}
		return r.abort(runCtx, report, err)
	}

	eligible := Select(ext.Records, r.Policy.Eligible)
	enriched := r.Enricher.Enrich(runCtx, eligible)
	matches := Select(enriched, r.Policy.Match)
	report.Matched = len(matches)
	if runCtx.Err() != nil {
		return r.abort(runCtx, report, runCtx.Err())
	}

	if len(matches) > 0 {
		report.Dispatches = r.Fanout.Dispatch(runCtx, Notification{
			RunID:     runID,
			Mailbox:   r.Mailbox,
			Start:     adm.Start,
			Candidate: adm.Candidate,
			Policy:    r.Policy.Name(),
			Records:   matches,
		})
	} else {
		logger.Debug().Int("records", len(ext.Records)).Msg("nothing matched, no notification")
	}
	if runCtx.Err() != nil {
		return r.abort(runCtx, report, runCtx.Err())
	}

	return r.commit(runCtx, adm, report, OutcomeCommitted)
}

func (r *Runner) commit(ctx context.Context, adm *Admission, report RunReport, outcome Outcome) RunReport {
	if err := adm.Commit(ctx); err != nil {
		report.Outcome = OutcomeCommitFailed
		report.Err = err
		return report
	}
	report.Outcome = outcome
	return report
}

func (r *Runner) abort(ctx context.Context, report RunReport, err error) RunReport {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		report.Outcome = OutcomeTimeout
		report.Err = fmt.Errorf("%w after %s: %w", ErrTimeout, r.RunBudget, err)
		return report
	}
	report.Outcome = OutcomeFailed
	report.Err = err
	return report
}

func (r *Runner) record(report RunReport, logger zerolog.Logger) {
	if r.Status == nil {
		return
	}
	status := RunStatus{
		RunID:      report.RunID,
		Outcome:    report.Outcome,
		Candidate:  report.Candidate,
		Start:      report.Start.String(),
		Matched:    report.Matched,
		FinishedAt: report.FinishedAt,
	}
	if report.Err != nil {
		status.Error = report.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Status.RecordRun(ctx, status); err != nil {
		logger.Warn().Err(err).Msg("failed to record run status")
	}
}

func (r *Runner) log(report RunReport, logger zerolog.Logger) {
	var ev *zerolog.Event
	switch report.Outcome {
	case OutcomeRejected, OutcomeBusy:
		ev = logger.Info()
	case OutcomeInvalid, OutcomeRebaselined:
		ev = logger.Warn()
	case OutcomeFailed, OutcomeTimeout, OutcomeCommitFailed:
		ev = logger.Error()
	default:
		ev = logger.Info()
	}
	failed := 0
	for _, d := range report.Dispatches {
		if d.Status == DispatchFailed {
			failed++
		}
	}
	ev.Str("outcome", string(report.Outcome)).
		Str("start", report.Start.String()).
		Int("records", report.Records).
		Int("matched", report.Matched).
		Int("dispatches", len(report.Dispatches)).
		Int("dispatch_failures", failed).
		Bool("partial", report.Partial).
		Str("source_latest", report.Latest).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Err(report.Err).
		Msg("run finished")
}
