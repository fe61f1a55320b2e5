package job

import (
	"context"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/id"
)

// Filter controls selection, pagination, and ordering for job list queries.
// Results are ordered by CreatedAt ascending.
type Filter struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Name filters by job type. Empty means all types.
	Name string
	// OriginJobID selects the automatic retry children of a failed job.
	OriginJobID id.JobID
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Name filters by job type. Empty means all types.
	Name string
}

// Store defines the persistence contract for jobs. The engine is oblivious
// to whether the implementation is in-memory or durable; the operations
// with transition semantics (ClaimJob, CancelJob, PromoteDueJobs) must be
// atomic with respect to each other so that, for example, a job cancelled
// between scan and promotion is never handed to a worker.
type Store interface {
	// CreateJob persists a new job record. Returns ErrJobExists if the id
	// is already present.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ClaimJob atomically moves a pending job to running on behalf of
	// workerID, recording StartedAt, and returns the claimed record.
	// Returns ErrInvalidTransition if the job is no longer pending (for
	// example it was cancelled after being dequeued).
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// CancelJob atomically moves a pending or running job to cancelled and
	// returns the updated record. Returns ErrInvalidTransition if the job
	// is already terminal.
	CancelJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// PromoteDueJobs atomically clears ScheduledAt on up to limit pending
	// jobs whose schedule time is at or before now and returns them, ready
	// to be enqueued. Jobs cancelled concurrently are never returned.
	PromoteDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListJobs returns jobs matching the filter, ordered by CreatedAt.
	ListJobs(ctx context.Context, f Filter) ([]*Job, error)

	// CountJobs returns the number of jobs matching the options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// PurgeTerminal deletes terminal jobs whose completion (or last
	// update) is older than olderThan, returning how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}
