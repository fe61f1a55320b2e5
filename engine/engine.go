// Package engine wires the conveyor subsystems together: the job and
// extension registries, the priority queue, the middleware chain, the
// worker pool, and the scheduler. It is the façade applications use to
// register handlers, submit jobs, and control the lifecycle.
//
// This package sits above all subsystem packages and below the
// application layer; the root conveyor package defines shared types and
// cannot import the subsystems back.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/backoff"
	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	mw "github.com/ShantanuRaghuwanshi/conveyor/middleware"
	"github.com/ShantanuRaghuwanshi/conveyor/queue"
	"github.com/ShantanuRaghuwanshi/conveyor/scheduler"
	"github.com/ShantanuRaghuwanshi/conveyor/worker"
)

const instrumentationScope = "github.com/ShantanuRaghuwanshi/conveyor"

// Engine is the top-level job processing service.
type Engine struct {
	cfg        conveyor.Config
	store      job.Store
	registry   *job.Registry
	extensions *ext.Registry
	queue      *queue.PriorityQueue
	limiter    *queue.Limiter
	pool       *worker.Pool
	scheduler  *scheduler.Scheduler
	stats      *statsCollector
	bo         backoff.Strategy
	logger     *slog.Logger

	mws           []mw.Middleware
	handlerLimits []queue.HandlerLimit

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Unset means DefaultConfig.
func WithConfig(cfg conveyor.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger. Unset means slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.extensions.Register(x) }
}

// WithMiddleware appends middleware to the engine's chain, after the
// built-in recover/tracing/metrics/logging/timeout stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the retry backoff strategy used for jobs whose
// RetryDelay is negative. Unset means backoff.DefaultStrategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithHandlerLimit adds per-handler concurrency and rate limits.
func WithHandlerLimit(limits ...queue.HandlerLimit) Option {
	return func(e *Engine) { e.handlerLimits = append(e.handlerLimits, limits...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses it instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses it instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine on top of a job store.
func New(store job.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, conveyor.ErrNoStore
	}

	e := &Engine{
		cfg:        conveyor.DefaultConfig(),
		store:      store,
		registry:   job.NewRegistry(),
		extensions: ext.NewRegistry(nil),
		queue:      queue.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	// The registry needs the final logger; re-create it, carrying over
	// extensions registered through options.
	registered := e.extensions.Extensions()
	e.extensions = ext.NewRegistry(e.logger)
	for _, x := range registered {
		e.extensions.Register(x)
	}

	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	e.stats = newStatsCollector()
	e.extensions.Register(e.stats)

	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationScope))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationScope))
	} else {
		metricsMw = mw.Metrics()
	}

	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.logger),
	}
	allMws = append(allMws, e.mws...)

	e.limiter = queue.NewLimiter(e.cfg.MaxActive, e.handlerLimits...)

	executor := worker.NewExecutor(e.registry, e.extensions, e.store, e.bo, e.logger, allMws...)
	e.pool = worker.NewPool(
		e.queue,
		e.store,
		executor,
		e.extensions,
		e.logger,
		worker.WithWorkers(e.cfg.Workers),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithLimiter(e.limiter),
		worker.WithBlockingRunner(worker.NewBlockingRunner(e.cfg.BlockingPoolSize)),
	)

	enqueueFunc := func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := e.SubmitRaw(ctx, name, payload, opts...)
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}
	schedOpts := []scheduler.SchedulerOption{
		scheduler.WithInterval(e.cfg.SchedulerInterval),
	}
	if e.cfg.RetentionAge > 0 {
		schedOpts = append(schedOpts, scheduler.WithRetention(e.cfg.RetentionAge, e.cfg.RetentionInterval))
	}
	e.scheduler = scheduler.NewScheduler(e.store, e.queue, e.extensions, enqueueFunc, e.logger, schedOpts...)

	return e, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](e *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(e.registry, def)
}

// RegisterFunc registers a raw-payload handler under name. The options
// become the handler's submission defaults.
func (e *Engine) RegisterFunc(name string, fn job.HandlerFunc, opts ...job.Option) {
	defaults := job.DefaultOptions()
	for _, opt := range opts {
		opt(&defaults)
	}
	e.registry.Register(name, job.Handler{Fn: fn, Defaults: defaults})
}

// Submit marshals a typed payload and submits a job.
func Submit[T any](ctx context.Context, e *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return e.SubmitRaw(ctx, name, data, opts...)
}

// SubmitRaw submits a job with a pre-serialized payload. The handler's
// registration defaults apply first; submission options override them.
// Jobs with a future ScheduleAt are deferred until the scheduler promotes
// them; everything else enters the ready queue immediately.
func (e *Engine) SubmitRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, conveyor.ErrNotRunning
	}
	e.mu.Unlock()

	handler, ok := e.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, name)
	}

	merged := handler.Defaults
	for _, opt := range opts {
		opt(&merged)
	}
	if !merged.Priority.Valid() {
		return nil, fmt.Errorf("conveyor: invalid priority %d for job %q", merged.Priority, name)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Payload:    payload,
		Priority:   merged.Priority,
		Status:     job.StatusPending,
		MaxRetries: merged.MaxRetries,
		RetryDelay: merged.RetryDelay,
		Timeout:    merged.Timeout,
		Blocking:   merged.Blocking,
		Metadata:   merged.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	deferred := !merged.ScheduleAt.IsZero() && merged.ScheduleAt.After(now)
	if deferred {
		at := merged.ScheduleAt.UTC()
		j.ScheduledAt = &at
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if !deferred {
		if err := e.queue.Enqueue(j); err != nil {
			return nil, err
		}
	}

	e.extensions.EmitJobSubmitted(ctx, j)

	e.logger.Debug("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", name),
		slog.String("priority", j.Priority.String()),
		slog.Bool("deferred", deferred),
	)
	return j, nil
}

// Status returns the current record for a job.
func (e *Engine) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (e *Engine) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, f)
}

// Cancel cancels a pending or running job. A pending job never starts; a
// running job has its context cancelled and finalizes as cancelled.
// Returns ErrInvalidTransition for jobs already terminal.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	cancelled, err := e.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// If the job is mid-execution, interrupt it. The executor emits
	// JobCancelled for that path; emit here only for the pending path.
	if !e.pool.CancelJob(jobID) {
		e.extensions.EmitJobCancelled(ctx, cancelled)
	}

	e.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("job_name", cancelled.Name),
	)
	return cancelled, nil
}

// Retry manually re-runs a failed job. Unlike automatic retries, which
// spawn derivative jobs, manual retry resets the same record to pending
// and enqueues it immediately. A failed job that has exhausted its
// retry budget stays failed permanently and returns
// ErrMaxRetriesExceeded.
func (e *Engine) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == job.StatusFailed && j.RetryCount >= j.MaxRetries {
		return nil, fmt.Errorf("%w: job %s used %d of %d attempts",
			conveyor.ErrMaxRetriesExceeded, j.ID, j.RetryCount, j.MaxRetries)
	}
	if err := j.Transition(job.StatusPending); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j.Result = nil
	j.WorkerID = id.Nil
	j.ScheduledAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(j); err != nil {
		return nil, err
	}

	e.extensions.EmitJobSubmitted(ctx, j)

	e.logger.Info("job retried manually",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)
	return j, nil
}

// RegisterRecurring registers a recurring job entry. Each firing submits
// a fresh job with its own ID through the normal submission path.
func (e *Engine) RegisterRecurring(name, jobName, spec string, payload []byte, opts ...job.Option) error {
	return e.scheduler.AddRecurring(name, jobName, spec, payload, opts...)
}

// RemoveRecurring deletes a recurring entry.
func (e *Engine) RemoveRecurring(name string) {
	e.scheduler.RemoveRecurring(name)
}

// Start begins processing: it migrates and pings the store when the
// backend supports it, re-enqueues pending jobs left over from a previous
// run, and starts the scheduler and worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if s, ok := e.store.(conveyor.Storer); ok {
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("ping store: %w", err)
		}
	}

	if err := e.recoverPending(ctx); err != nil {
		e.logger.Warn("pending job recovery failed", slog.String("error", err.Error()))
	}

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	e.logger.Info("engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("max_active", e.cfg.MaxActive),
	)
	return nil
}

// recoverPending re-enqueues unscheduled pending jobs found in the store
// at startup, so a durable backend resumes where a previous process left
// off. Deferred jobs are left for the scheduler.
func (e *Engine) recoverPending(ctx context.Context) error {
	pending, err := e.store.ListJobs(ctx, job.Filter{Status: job.StatusPending})
	if err != nil {
		return err
	}

	recovered := 0
	for _, j := range pending {
		if j.ScheduledAt != nil {
			continue
		}
		if err := e.queue.Enqueue(j); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered pending jobs", slog.Int("count", recovered))
	}
	return nil
}

// Stop gracefully shuts down: the scheduler stops promoting, workers
// drain in-flight jobs up to ShutdownTimeout, the queue closes, and
// extensions receive the Shutdown hook. A stopped engine cannot be
// restarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := e.scheduler.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	if err := e.pool.Stop(ctx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	e.queue.Close()

	e.extensions.EmitShutdown(context.WithoutCancel(ctx))

	if s, ok := e.store.(conveyor.Storer); ok {
		if err := s.Close(); err != nil {
			e.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("engine stopped")
	return nil
}

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Registry returns the job registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
