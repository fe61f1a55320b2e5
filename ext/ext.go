// Package ext defines the extension system for conveyor. Extensions are
// notified of job lifecycle events (submitted, started, completed, failed,
// retrying, cancelled, promoted) and can react to them — statistics,
// audit trails, metrics, and so on.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job record is created, whether it went
// straight to the queue or was deferred.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job execution fails, whether or not an
// automatic retry will follow.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a failed job spawns an automatic retry.
// retry is the derivative record that will run next.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, retry *job.Job, attempt int, eligibleAt time.Time) error
}

// JobCancelled is called when a job is cancelled administratively.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobPromoted is called when the scheduler moves a due deferred job into
// the ready queue.
type JobPromoted interface {
	OnJobPromoted(ctx context.Context, j *job.Job) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
