// Package scheduler moves deferred jobs into the ready queue when their
// schedule time arrives, fires recurring job entries on cron expressions,
// and purges old terminal jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	"github.com/ShantanuRaghuwanshi/conveyor/queue"
)

// EnqueueFunc is the callback recurring entries use to submit jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets how often the scheduler promotes due jobs and checks
// recurring entries.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithBatchSize sets the maximum number of jobs promoted per tick.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithRetention enables the janitor: terminal jobs older than age are
// purged every interval. A zero age disables it.
func WithRetention(age, interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.retentionAge = age
		s.retentionInterval = interval
	}
}

// Scheduler runs the promotion tick loop, the recurring entry loop, and
// the retention janitor. Errors inside a tick are logged and never stop
// the loops.
type Scheduler struct {
	store      job.Store
	queue      *queue.PriorityQueue
	extensions *ext.Registry
	enqueue    EnqueueFunc
	logger     *slog.Logger

	interval          time.Duration
	batchSize         int
	retentionAge      time.Duration
	retentionInterval time.Duration

	recurring recurringSet

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store job.Store,
	q *queue.PriorityQueue,
	extensions *ext.Registry,
	enqueue EnqueueFunc,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:             store,
		queue:             q,
		extensions:        extensions,
		enqueue:           enqueue,
		logger:            logger,
		interval:          time.Second,
		batchSize:         100,
		retentionInterval: time.Minute,
		stopCh:            make(chan struct{}),
	}
	s.recurring.entries = make(map[string]*recurringEntry)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduler goroutines. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()

	if s.retentionAge > 0 {
		s.wg.Add(1)
		go s.janitorLoop()
	}

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for its goroutines.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// tickLoop fires on each interval: promote due jobs, then fire due
// recurring entries.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			s.promote(now)
			s.fireRecurring(now)
		}
	}
}

// promote moves due deferred jobs from the store into the ready queue.
func (s *Scheduler) promote(now time.Time) {
	ctx := context.Background()

	promoted, err := s.store.PromoteDueJobs(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("promote due jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range promoted {
		if enqErr := s.queue.Enqueue(j); enqErr != nil {
			s.logger.Error("failed to enqueue promoted job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", enqErr.Error()),
			)
			continue
		}
		s.extensions.EmitJobPromoted(ctx, j)
		s.logger.Debug("job promoted",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
		)
	}
}

// janitorLoop periodically purges old terminal jobs.
func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *Scheduler) purge() {
	purged, err := s.store.PurgeTerminal(context.Background(), s.retentionAge)
	if err != nil {
		s.logger.Error("purge terminal jobs error", slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		s.logger.Info("purged terminal jobs", slog.Int64("count", purged))
	}
}
