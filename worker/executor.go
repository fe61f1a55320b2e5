// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that manages
// concurrent worker goroutines pulling from the priority queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/backoff"
	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	"github.com/ShantanuRaghuwanshi/conveyor/middleware"
)

// Executor runs a single job through middleware and the registered handler,
// then finalizes the record: result capture, state transition, automatic
// retry scheduling, and lifecycle events.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a claimed job through the middleware chain and handler.
// On success: records the result value, marks completed, emits JobCompleted.
// On failure with retries remaining: marks failed and creates a retry job
// with a fresh ID linked through OriginJobID, emits JobFailed + JobRetrying.
// On failure with retries exhausted: marks failed, emits JobFailed.
//
// The handler runs in its own goroutine so the executor can enforce the
// job's deadline even against a handler that ignores context cancellation.
// Such a handler leaks its goroutine until it returns on its own; the job
// record is finalized as timed out regardless.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		err := fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, j.Name)
		e.finalizeFailure(ctx, j, err, job.KindHandlerError, 0, false)
		return err
	}

	start := time.Now()

	var value any
	terminal := func(ctx context.Context) error {
		v, err := handler.Fn(ctx, j.Payload)
		if err != nil {
			return err
		}
		value = v
		return nil
	}

	// Buffered so a late handler return after timeout does not block the
	// goroutine forever.
	done := make(chan error, 1)
	go func() {
		done <- e.mw(ctx, j, terminal)
	}()

	var execErr error
	timedOut := false
	if j.Timeout > 0 {
		timer := time.NewTimer(j.Timeout)
		select {
		case execErr = <-done:
			timer.Stop()
		case <-timer.C:
			timedOut = true
			execErr = fmt.Errorf("job %q exceeded timeout %s: %w", j.Name, j.Timeout, context.DeadlineExceeded)
		}
	} else {
		execErr = <-done
	}
	elapsed := time.Since(start)

	if execErr == nil {
		return e.finalizeSuccess(ctx, j, value, elapsed)
	}

	kind := classifyFailure(execErr, timedOut)
	if kind == job.KindCancelled {
		return e.finalizeCancelled(ctx, j, execErr, elapsed)
	}
	e.finalizeFailure(ctx, j, execErr, kind, elapsed, true)
	return execErr
}

// classifyFailure maps an execution error to a FailureKind. Panic takes
// precedence: a PanicError wrapping a context error is still a panic.
func classifyFailure(err error, timedOut bool) job.FailureKind {
	var pe *middleware.PanicError
	switch {
	case errors.As(err, &pe):
		return job.KindPanic
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return job.KindTimeout
	case errors.Is(err, context.Canceled):
		return job.KindCancelled
	default:
		return job.KindHandlerError
	}
}

// cancelledInStore reports whether the record was administratively
// cancelled while the handler was still running. Cancellation is
// terminal: a late handler return must not overwrite it or spawn a
// retry.
func (e *Executor) cancelledInStore(ctx context.Context, jobID id.JobID) bool {
	cur, err := e.store.GetJob(context.WithoutCancel(ctx), jobID)
	return err == nil && cur.Status == job.StatusCancelled
}

func (e *Executor) finalizeSuccess(ctx context.Context, j *job.Job, value any, elapsed time.Duration) error {
	if e.cancelledInStore(ctx, j.ID) {
		e.logger.Debug("result dropped, job cancelled during execution",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
		)
		return nil
	}

	res := &job.Result{
		Success:       true,
		ExecutionTime: elapsed,
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			e.logger.Warn("job result value not serializable",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.String("error", err.Error()),
			)
			res.Diagnostics = map[string]string{"marshal_error": err.Error()}
		} else {
			res.Value = raw
		}
	}

	now := time.Now().UTC()
	j.Result = res
	j.CompletedAt = &now
	j.UpdatedAt = now
	if err := j.Transition(job.StatusCompleted); err != nil {
		e.logger.Error("completed transition rejected",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := e.store.UpdateJob(context.WithoutCancel(ctx), j); err != nil {
		e.logger.Error("failed to persist completed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// finalizeFailure marks the job failed and, when spawnRetry is set and
// attempts remain, creates the automatic retry job.
func (e *Executor) finalizeFailure(ctx context.Context, j *job.Job, execErr error, kind job.FailureKind, elapsed time.Duration, spawnRetry bool) {
	if e.cancelledInStore(ctx, j.ID) {
		e.logger.Debug("failure dropped, job cancelled during execution",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
		)
		return
	}

	res := &job.Result{
		Error:         execErr.Error(),
		Kind:          kind,
		ExecutionTime: elapsed,
	}
	var pe *middleware.PanicError
	if errors.As(execErr, &pe) {
		res.Diagnostics = map[string]string{"stack": string(pe.Stack)}
	}

	now := time.Now().UTC()
	j.Result = res
	j.CompletedAt = &now
	j.UpdatedAt = now
	if err := j.Transition(job.StatusFailed); err != nil {
		e.logger.Error("failed transition rejected",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(j.Status)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := e.store.UpdateJob(context.WithoutCancel(ctx), j); err != nil {
		e.logger.Error("failed to persist failed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.extensions.EmitJobFailed(ctx, j, execErr)

	if spawnRetry && j.RetryCount < j.MaxRetries {
		e.scheduleRetry(ctx, j)
		return
	}

	if j.MaxRetries > 0 {
		e.logger.Warn("job failed with retries exhausted",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("retry_count", j.RetryCount),
			slog.String("error", execErr.Error()),
		)
	}
}

// scheduleRetry creates the derivative retry job. The retry is a fresh
// record linked to its predecessor through OriginJobID; it sits in the
// store with a future ScheduledAt until the scheduler promotes it.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job) {
	attempt := j.RetryCount + 1

	// A non-negative RetryDelay is authoritative: zero means the retry
	// becomes eligible immediately. Negative defers to the backoff
	// strategy.
	delay := j.RetryDelay
	if delay < 0 {
		delay = e.backoff.Delay(attempt)
	}
	now := time.Now().UTC()
	eligibleAt := now.Add(delay)

	retry := j.Clone()
	retry.ID = id.NewJobID()
	retry.OriginJobID = j.ID
	retry.RetryCount = attempt
	retry.Status = job.StatusPending
	retry.Result = nil
	retry.WorkerID = id.Nil
	retry.ScheduledAt = &eligibleAt
	retry.StartedAt = nil
	retry.CompletedAt = nil
	retry.CreatedAt = now
	retry.UpdatedAt = now

	if err := e.store.CreateJob(context.WithoutCancel(ctx), retry); err != nil {
		e.logger.Error("failed to create retry job",
			slog.String("origin_job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	e.extensions.EmitJobRetrying(ctx, retry, attempt, eligibleAt)

	e.logger.Info("retry scheduled",
		slog.String("job_id", retry.ID.String()),
		slog.String("origin_job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)
}

// finalizeCancelled records the cancellation outcome. The status may
// already be cancelled if the store's CancelJob won the race; the result
// is attached either way.
func (e *Executor) finalizeCancelled(ctx context.Context, j *job.Job, execErr error, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.Result = &job.Result{
		Error:         execErr.Error(),
		Kind:          job.KindCancelled,
		ExecutionTime: elapsed,
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	if j.Status != job.StatusCancelled {
		if err := j.Transition(job.StatusCancelled); err != nil {
			e.logger.Error("cancelled transition rejected",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	if err := e.store.UpdateJob(context.WithoutCancel(ctx), j); err != nil {
		e.logger.Error("failed to persist cancelled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.extensions.EmitJobCancelled(ctx, j)
	return execErr
}
