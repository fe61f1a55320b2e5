package conveyor

import (
	"context"
	"time"
)

// Config holds tunables for the engine's worker pool and scheduler.
type Config struct {
	// Workers is the number of concurrent worker loops pulling from the
	// queue. Workers may exceed MaxActive, in which case surplus workers
	// idle while the cap is reached.
	Workers int

	// MaxActive caps how many jobs may be executing simultaneously,
	// independently of Workers.
	MaxActive int

	// BlockingPoolSize bounds the auxiliary pool that runs handlers
	// registered as blocking, so a slow handler never stalls a worker loop.
	BlockingPoolSize int

	// PollInterval is how long a worker waits on an empty queue before
	// re-checking for shutdown.
	PollInterval time.Duration

	// SchedulerInterval is how often the scheduler promotes due jobs.
	SchedulerInterval time.Duration

	// ShutdownTimeout is the maximum time Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration

	// RetentionAge is how old a terminal job must be before the janitor
	// purges it. Zero disables the janitor.
	RetentionAge time.Duration

	// RetentionInterval is how often the janitor runs.
	RetentionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		MaxActive:         8,
		BlockingPoolSize:  4,
		PollInterval:      250 * time.Millisecond,
		SchedulerInterval: time.Second,
		ShutdownTimeout:   30 * time.Second,
		RetentionAge:      0,
		RetentionInterval: time.Minute,
	}
}

// Storer is the lifecycle interface every store backend satisfies in
// addition to job.Store. The engine calls Close during Stop.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
