// Package job defines the unit of work processed by conveyor: the Job
// record, its priority levels and status state machine, execution results,
// submission options, the handler registry, and the Store persistence
// contract shared by every backend.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
)

// Priority determines dequeue preference. Higher levels are always drained
// first at the moment of dequeue; a running job is never preempted.
type Priority int

// Priority levels, lowest first so the zero value is Low.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Levels lists all priorities in dequeue preference order, highest first.
var Levels = [4]Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the lowercase level name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority parses a level name as produced by String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityLow, fmt.Errorf("job: unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(data []byte) error {
	parsed, err := ParsePriority(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by a worker,
	// either in the ready queue or deferred until ScheduledAt.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed. It may still spawn an automatic
	// retry job or be reset to pending by a manual retry.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// transitions is the set of allowed forward moves in the state machine.
// Failed → Pending is the manual retry path; automatic retries create a
// new job instead of transitioning the failed one.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a resting state. Failed counts as terminal
// for retention purposes even though a retry may revive the record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	// KindTimeout means the handler exceeded its configured deadline.
	KindTimeout FailureKind = "timeout"
	// KindHandlerError means the handler returned an error.
	KindHandlerError FailureKind = "handler_error"
	// KindPanic means the handler panicked; the panic was recovered.
	KindPanic FailureKind = "panic"
	// KindCancelled means the job was cancelled while running.
	KindCancelled FailureKind = "cancelled"
)

// Result is the outcome of one job execution.
type Result struct {
	Success       bool              `json:"success"`
	Value         json.RawMessage   `json:"value,omitempty"`
	Error         string            `json:"error,omitempty"`
	Kind          FailureKind       `json:"kind,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Diagnostics   map[string]string `json:"diagnostics,omitempty"`
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	ID          id.JobID          `json:"id"`
	Name        string            `json:"name"`
	Payload     []byte            `json:"payload,omitempty"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	MaxRetries  int               `json:"max_retries"`
	RetryCount  int               `json:"retry_count"`
	RetryDelay  time.Duration     `json:"retry_delay"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Blocking    bool              `json:"blocking,omitempty"`
	Result      *Result           `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OriginJobID id.JobID          `json:"origin_job_id,omitempty"`
	WorkerID    id.WorkerID       `json:"worker_id,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Transition moves the job to next, or returns ErrInvalidTransition if the
// state machine forbids it. It only mutates Status; timestamps and Result
// are the caller's responsibility.
func (j *Job) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s → %s", conveyor.ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Due reports whether the job is eligible to run at now: pending and either
// unscheduled or scheduled at or before now.
func (j *Job) Due(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Retryable reports whether the job may still be retried, automatically
// or manually.
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// without racing against the record they hold.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	cp.ScheduledAt = cloneTime(j.ScheduledAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
