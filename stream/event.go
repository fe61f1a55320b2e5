// Package stream fans job lifecycle events out to in-process subscribers
// via topic-based pub/sub. The Broker is an ext.Extension: register it on
// the engine and subscribe to "jobs", "name:<jobName>", or "job:<jobID>"
// to watch progress in real time — for example, awaiting completion of a
// specific submission without polling the store.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobSubmitted EventType = "job.submitted"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"
	EventJobPromoted  EventType = "job.promoted"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the job-specific channel this event belongs to.
	Topic string `json:"topic"`

	// Data is the event payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload carried by every job lifecycle event.
type JobEventData struct {
	JobID       string `json:"job_id"`
	JobName     string `json:"job_name"`
	Priority    int    `json:"priority"`
	OriginJobID string `json:"origin_job_id,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	EligibleAt  string `json:"eligible_at,omitempty"`
}
