// Package audit bridges job lifecycle events to an audit trail backend.
// Register the Extension on the engine and inject a Recorder for whatever
// system keeps your compliance log — a database table, an append-only
// file, or an external audit service.
package audit

import "context"

// Recorder is the interface audit backends must implement. It is defined
// locally so this package carries no dependency on any particular audit
// system; callers inject the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Event is one audit trail entry.
type Event struct {
	// Action is the lifecycle action, e.g. "job.completed".
	Action string `json:"action"`

	// JobID identifies the job the action applies to.
	JobID string `json:"job_id"`

	// JobName is the registered handler name.
	JobName string `json:"job_name"`

	// Metadata carries action-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Outcome is "success" or "failure".
	Outcome string `json:"outcome"`

	// Severity is "info", "warning", or "critical".
	Severity string `json:"severity"`

	// Reason holds the error message for failure outcomes.
	Reason string `json:"reason,omitempty"`
}

// Action constants, one per lifecycle hook.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobCancelled = "job.cancelled"
	ActionJobPromoted  = "job.promoted"
)

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
