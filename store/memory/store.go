// Package memory provides a fully in-memory job store. Safe for concurrent
// access. Intended for unit testing, development, and single-process
// deployments that can tolerate losing jobs on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store backed by a mutex and
// a map. Every method hands out deep copies so callers never race against
// the stored records.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job record.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ClaimJob atomically moves a pending job to running on behalf of workerID.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if err := j.Transition(job.StatusRunning); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j.WorkerID = workerID
	j.StartedAt = &now
	j.UpdatedAt = now
	return j.Clone(), nil
}

// CancelJob atomically moves a pending or running job to cancelled.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if err := j.Transition(job.StatusCancelled); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j.CompletedAt = &now
	j.UpdatedAt = now
	return j.Clone(), nil
}

// PromoteDueJobs atomically clears ScheduledAt on up to limit due pending
// jobs and returns them ready to be enqueued.
func (m *Store) PromoteDueJobs(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusPending || j.ScheduledAt == nil {
			continue
		}
		if j.ScheduledAt.After(now) {
			continue
		}
		due = append(due, j)
	}

	// Oldest schedule time first for deterministic promotion order.
	sort.Slice(due, func(i, k int) bool {
		return due[i].ScheduledAt.Before(*due[k].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	promoted := make([]*job.Job, len(due))
	for i, j := range due {
		j.ScheduledAt = nil
		j.UpdatedAt = time.Now().UTC()
		promoted[i] = j.Clone()
	}
	return promoted, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (m *Store) ListJobs(_ context.Context, f job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Name != "" && j.Name != f.Name {
			continue
		}
		if !f.OriginJobID.IsNil() && j.OriginJobID.String() != f.OriginJobID.String() {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.Name != "" && j.Name != opts.Name {
			continue
		}
		count++
	}
	return count, nil
}

// PurgeTerminal deletes terminal jobs whose completion is older than
// olderThan.
func (m *Store) PurgeTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for key, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if at.Before(cutoff) {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}
