package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	"github.com/ShantanuRaghuwanshi/conveyor/queue"
)

// Pool manages a set of concurrent worker goroutines pulling jobs from the
// priority queue and executing them through the Executor. The number of
// loops bounds dispatch concurrency; an optional Limiter additionally caps
// how many jobs may be active at once, independently of the loop count.
type Pool struct {
	queue      *queue.PriorityQueue
	store      job.Store
	executor   *Executor
	extensions *ext.Registry
	limiter    *queue.Limiter
	blocking   *BlockingRunner

	workers      int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent worker loops.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets how long an idle worker waits on the queue before
// re-checking for shutdown.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLimiter sets the active-job limiter. Jobs denied by the limiter are
// returned to the front of their priority level.
func WithLimiter(l *queue.Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithBlockingRunner sets the dedicated pool for handlers registered as
// blocking.
func WithBlockingRunner(r *BlockingRunner) PoolOption {
	return func(p *Pool) { p.blocking = r }
}

// NewPool creates a worker pool.
func NewPool(
	q *queue.PriorityQueue,
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		queue:        q,
		store:        store,
		executor:     executor,
		extensions:   extensions,
		workers:      4,
		pollInterval: 250 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// CancelJob cancels the execution context of a running job. Returns false
// if the job is not currently executing on this pool.
func (p *Pool) CancelJob(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.activeJobs[jobID.String()]
	if ok {
		cancel()
	}
	return ok
}

// Start launches the worker loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("workers", p.workers),
	)

	for range p.workers {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to finish.
// If the context has a deadline, active jobs are cancelled when time runs
// out; their handlers see context cancellation and their records finalize
// as cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	if p.blocking != nil {
		p.blocking.Close()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// Bound the wait so the loop re-checks stopCh even when the
		// queue stays empty.
		dctx, cancelWait := context.WithTimeout(context.Background(), p.pollInterval)
		j, err := p.queue.Dequeue(dctx)
		cancelWait()
		if err != nil {
			if errors.Is(err, conveyor.ErrQueueClosed) {
				return
			}
			continue
		}

		if p.limiter != nil && !p.limiter.Acquire(j.Name) {
			// Over the active cap or a handler limit. Put the job back
			// at the front of its level and back off.
			if reqErr := p.queue.Requeue(j); reqErr != nil {
				p.logger.Error("failed to requeue capped job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", reqErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		claimed, claimErr := p.store.ClaimJob(context.Background(), j.ID, p.workerID)
		if claimErr != nil {
			if p.limiter != nil {
				p.limiter.Release(j.Name)
			}
			// Cancelled or deleted after being queued; not an error.
			if errors.Is(claimErr, conveyor.ErrInvalidTransition) || errors.Is(claimErr, conveyor.ErrJobNotFound) {
				p.logger.Debug("job no longer claimable",
					slog.String("job_id", j.ID.String()),
					slog.String("job_name", j.Name),
				)
			} else {
				p.logger.Error("claim failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", claimErr.Error()),
				)
			}
			continue
		}

		p.extensions.EmitJobStarted(context.Background(), claimed)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(claimed.ID, cancel)

		if claimed.Blocking && p.blocking != nil {
			p.wg.Add(1)
			submitted := p.blocking.Submit(func() {
				defer p.wg.Done()
				p.runJob(ctx, cancel, claimed)
			})
			if submitted {
				continue
			}
			// Blocking pool saturated; run inline rather than stall.
			p.wg.Done()
		}

		p.runJob(ctx, cancel, claimed)
	}
}

// runJob executes one claimed job and releases its tracking and limiter
// slot afterwards.
func (p *Pool) runJob(ctx context.Context, cancel context.CancelFunc, j *job.Job) {
	defer func() {
		p.untrackJob(j.ID)
		cancel()
		if p.limiter != nil {
			p.limiter.Release(j.Name)
		}
	}()

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID.String()] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID.String())
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
