package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobExists
		}
		return fmt.Errorf("conveyor/bun: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		TableExpr("conveyor_jobs").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/bun: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ClaimJob atomically moves a pending job to running via a conditional
// UPDATE ... RETURNING. A job cancelled after being dequeued fails the
// status predicate and is reported as an invalid transition.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE conveyor_jobs
		SET status = 'running', worker_id = ?0, started_at = NOW(), updated_at = NOW()
		WHERE id = ?1 AND status = 'pending'
		RETURNING *`,
		workerID.String(), jobID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: claim job: %w", err)
	}
	if len(models) == 0 {
		return nil, s.transitionConflict(ctx, jobID, job.StatusRunning)
	}
	return fromJobModel(&models[0])
}

// CancelJob atomically moves a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE conveyor_jobs
		SET status = 'cancelled', scheduled_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = ?0 AND status IN ('pending', 'running')
		RETURNING *`,
		jobID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: cancel job: %w", err)
	}
	if len(models) == 0 {
		return nil, s.transitionConflict(ctx, jobID, job.StatusCancelled)
	}
	return fromJobModel(&models[0])
}

// PromoteDueJobs atomically clears scheduled_at on up to limit due pending
// jobs. FOR UPDATE SKIP LOCKED keeps concurrent promoters from colliding,
// and the status predicate skips jobs cancelled between scan and update.
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []jobModel
	_, err := s.db.NewRaw(`
		WITH promoted AS (
			UPDATE conveyor_jobs
			SET scheduled_at = NULL, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE status = 'pending'
				  AND scheduled_at IS NOT NULL
				  AND scheduled_at <= ?0
				ORDER BY scheduled_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM promoted ORDER BY created_at ASC`,
		now.UTC(), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: promote due jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/bun: promote convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	if !f.OriginJobID.IsNil() {
		q = q.Where("origin_job_id = ?", f.OriginJobID.String())
	}

	q = q.Order("created_at ASC")

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/bun: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("conveyor_jobs")

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/bun: count jobs: %w", err)
	}
	return int64(count), nil
}

// PurgeTerminal deletes terminal jobs older than olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.NewDelete().
		TableExpr("conveyor_jobs").
		Where("status IN ('completed', 'failed', 'cancelled')").
		Where("COALESCE(completed_at, updated_at) < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/bun: purge terminal: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// transitionConflict discriminates between a missing job and one whose
// current status forbids the attempted transition.
func (s *Store) transitionConflict(ctx context.Context, jobID id.JobID, next job.Status) error {
	cur, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s → %s", conveyor.ErrInvalidTransition, cur.Status, next)
}
