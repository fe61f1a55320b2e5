package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// claimScript atomically moves a pending job to running. Returns the
// previous status, or "" when the key does not exist.
var claimScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return '' end
if status ~= 'pending' then return status end
redis.call('HSET', KEYS[1],
  'status', 'running',
  'worker_id', ARGV[1],
  'started_at', ARGV[2],
  'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 'pending'
`)

// cancelScript atomically moves a pending or running job to cancelled.
// Returns the previous status, or "" when the key does not exist.
var cancelScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return '' end
if status ~= 'pending' and status ~= 'running' then return status end
redis.call('HSET', KEYS[1],
  'status', 'cancelled',
  'completed_at', ARGV[1],
  'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return status
`)

// promoteScript atomically clears scheduled_at on a still-pending job and
// removes it from the scheduled set. Returns 1 when promoted.
var promoteScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 0
end
redis.call('HSET', KEYS[1], 'scheduled_at', '', 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// CreateJob stores the job as a Hash and registers it for enumeration.
// Deferred jobs are additionally tracked in the scheduled Sorted Set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrJobExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	if j.ScheduledAt != nil {
		pipe.ZAdd(ctx, scheduledKey, goredis.Z{
			Score:  float64(j.ScheduledAt.UnixMilli()),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job and keeps the scheduled
// set in sync with ScheduledAt.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.ScheduledAt != nil {
		pipe.ZAdd(ctx, scheduledKey, goredis.Z{
			Score:  float64(j.ScheduledAt.UnixMilli()),
			Member: jID,
		})
	} else {
		pipe.ZRem(ctx, scheduledKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, scheduledKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// ClaimJob atomically moves a pending job to running via a Lua script.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	jID := jobID.String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := claimScript.Run(ctx, s.client,
		[]string{jobKey(jID), scheduledKey},
		workerID.String(), now, jID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim job: %w", err)
	}
	switch res {
	case "":
		return nil, conveyor.ErrJobNotFound
	case string(job.StatusPending):
		return s.getJobByKey(ctx, jobKey(jID))
	default:
		return nil, fmt.Errorf("%w: %s → running", conveyor.ErrInvalidTransition, res)
	}
}

// CancelJob atomically moves a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	jID := jobID.String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := cancelScript.Run(ctx, s.client,
		[]string{jobKey(jID), scheduledKey},
		now, jID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: cancel job: %w", err)
	}
	switch res {
	case "":
		return nil, conveyor.ErrJobNotFound
	case string(job.StatusPending), string(job.StatusRunning):
		return s.getJobByKey(ctx, jobKey(jID))
	default:
		return nil, fmt.Errorf("%w: %s → cancelled", conveyor.ErrInvalidTransition, res)
	}
}

// PromoteDueJobs scans the scheduled set for due entries and atomically
// promotes each one that is still pending. Jobs cancelled concurrently
// fail the status check inside the script and are skipped.
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	opt := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, scheduledKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: promote range: %w", err)
	}

	nowStr := time.Now().UTC().Format(time.RFC3339Nano)
	var promoted []*job.Job
	for _, jID := range ids {
		ok, runErr := promoteScript.Run(ctx, s.client,
			[]string{jobKey(jID), scheduledKey},
			nowStr, jID,
		).Int()
		if runErr != nil {
			return nil, fmt.Errorf("conveyor/redis: promote job: %w", runErr)
		}
		if ok != 1 {
			continue
		}
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		promoted = append(promoted, j)
	}
	return promoted, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Name != "" && j.Name != f.Name {
			continue
		}
		if !f.OriginJobID.IsNil() && j.OriginJobID.String() != f.OriginJobID.String() {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
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

// PurgeTerminal deletes terminal jobs older than olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: purge smembers: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.Terminal() {
			continue
		}
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if !at.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, scheduledKey, jID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: purge job: %w", pErr)
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":          j.ID.String(),
		"name":        j.Name,
		"payload":     string(j.Payload),
		"priority":    strconv.Itoa(int(j.Priority)),
		"status":      string(j.Status),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"retry_count": strconv.Itoa(j.RetryCount),
		"retry_delay": strconv.FormatInt(int64(j.RetryDelay), 10),
		"timeout":     strconv.FormatInt(int64(j.Timeout), 10),
		"blocking":    strconv.FormatBool(j.Blocking),
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Result != nil {
		m["result"] = marshalJSON(j.Result)
	} else {
		m["result"] = ""
	}
	if j.Metadata != nil {
		m["metadata"] = marshalJSON(j.Metadata)
	} else {
		m["metadata"] = ""
	}
	if !j.OriginJobID.IsNil() {
		m["origin_job_id"] = j.OriginJobID.String()
	} else {
		m["origin_job_id"] = ""
	}
	if !j.WorkerID.IsNil() {
		m["worker_id"] = j.WorkerID.String()
	} else {
		m["worker_id"] = ""
	}
	if j.ScheduledAt != nil {
		m["scheduled_at"] = j.ScheduledAt.Format(time.RFC3339Nano)
	} else {
		m["scheduled_at"] = ""
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	} else {
		m["started_at"] = ""
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	} else {
		m["completed_at"] = ""
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])               //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])          //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])          //nolint:errcheck // best-effort parse from trusted Redis data
	retryDelay, _ := strconv.ParseInt(m["retry_delay"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)     //nolint:errcheck // best-effort parse from trusted Redis data
	blocking, _ := strconv.ParseBool(m["blocking"])          //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:         jID,
		Name:       m["name"],
		Payload:    []byte(m["payload"]),
		Priority:   job.Priority(priority),
		Status:     job.Status(m["status"]),
		MaxRetries: maxRetries,
		RetryCount: retryCount,
		RetryDelay: time.Duration(retryDelay),
		Timeout:    time.Duration(timeout),
		Blocking:   blocking,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}

	if v := m["result"]; v != "" {
		var r job.Result
		if err := json.Unmarshal([]byte(v), &r); err == nil {
			j.Result = &r
		}
	}
	if v := m["metadata"]; v != "" {
		j.Metadata = unmarshalMap(v)
	}
	if v := m["origin_job_id"]; v != "" {
		j.OriginJobID, _ = id.ParseJobID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["worker_id"]; v != "" {
		j.WorkerID, _ = id.ParseWorkerID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["scheduled_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ScheduledAt = &t
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
