package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobSubmitted = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobCancelled = (*Extension)(nil)
	_ ext.JobPromoted  = (*Extension)(nil)
)

// Extension emits a structured audit event through the Recorder for each
// job lifecycle hook. Recorder failures are logged, never propagated; the
// audit trail must not interfere with job processing.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all actions enabled
	logger   *slog.Logger
}

// Option configures the Extension.
type Option func(*Extension)

// WithActions restricts recording to the listed actions.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── lifecycle hooks ──

func (e *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, j, nil,
		"priority", j.Priority.String(),
	)
}

func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j, nil,
		"worker_id", j.WorkerID.String(),
	)
}

func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j, jobErr,
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
	)
}

func (e *Extension) OnJobRetrying(ctx context.Context, retry *job.Job, attempt int, eligibleAt time.Time) error {
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, retry, nil,
		"attempt", attempt,
		"origin_job_id", retry.OriginJobID.String(),
		"eligible_at", eligibleAt.UTC().Format(time.RFC3339),
	)
}

func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityWarning, OutcomeSuccess, j, nil)
}

func (e *Extension) OnJobPromoted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobPromoted, SeverityInfo, OutcomeSuccess, j, nil)
}

// record builds and sends an audit event if the action is enabled. The
// kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	j *job.Job,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:   action,
		JobID:    j.ID.String(),
		JobName:  j.Name,
		Metadata: meta,
		Outcome:  outcome,
		Severity: severity,
		Reason:   reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record event",
			"action", action,
			"job_id", evt.JobID,
			"error", recErr,
		)
	}
	return nil
}
