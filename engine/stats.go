package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	// Running reports whether the engine is started and processing.
	Running bool `json:"running"`

	// Per-status job counts from the store.
	Pending     int64 `json:"pending"`
	RunningJobs int64 `json:"running_jobs"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`

	// QueueDepths is the number of ready jobs per priority level.
	QueueDepths map[job.Priority]int `json:"queue_depths"`

	// ActiveJobs is the number of jobs currently executing.
	ActiveJobs int `json:"active_jobs"`

	// Executions is the number of executions finished since start,
	// successes and failures both.
	Executions int64 `json:"executions"`

	// AverageExecutionTime is the mean duration across those executions.
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

// Statistics assembles a snapshot from the store, the queue, the pool,
// and the in-process execution counters.
func (e *Engine) Statistics(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	s := Stats{
		Running:     running,
		QueueDepths: e.queue.Depths(),
		ActiveJobs:  e.pool.ActiveCount(),
	}

	statuses := []struct {
		status job.Status
		out    *int64
	}{
		{job.StatusPending, &s.Pending},
		{job.StatusRunning, &s.RunningJobs},
		{job.StatusCompleted, &s.Completed},
		{job.StatusFailed, &s.Failed},
		{job.StatusCancelled, &s.Cancelled},
	}
	for _, st := range statuses {
		n, err := e.store.CountJobs(ctx, job.CountOpts{Status: st.status})
		if err != nil {
			return Stats{}, err
		}
		*st.out = n
	}

	s.Executions, s.AverageExecutionTime = e.stats.snapshot()
	return s, nil
}

// statsCollector is an extension that accumulates execution counters.
type statsCollector struct {
	mu       sync.Mutex
	count    int64
	totalDur time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (c *statsCollector) Name() string { return "stats" }

func (c *statsCollector) OnJobCompleted(_ context.Context, _ *job.Job, elapsed time.Duration) error {
	c.record(elapsed)
	return nil
}

func (c *statsCollector) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	var elapsed time.Duration
	if j.Result != nil {
		elapsed = j.Result.ExecutionTime
	}
	c.record(elapsed)
	return nil
}

func (c *statsCollector) record(elapsed time.Duration) {
	c.mu.Lock()
	c.count++
	c.totalDur += elapsed
	c.mu.Unlock()
}

func (c *statsCollector) snapshot() (int64, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return 0, 0
	}
	return c.count, c.totalDur / time.Duration(c.count)
}
