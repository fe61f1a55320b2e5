package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

type jobModel struct {
	ID          string            `bson:"_id"`
	Name        string            `bson:"name"`
	Payload     []byte            `bson:"payload,omitempty"`
	Priority    int               `bson:"priority"`
	Status      string            `bson:"status"`
	MaxRetries  int               `bson:"max_retries"`
	RetryCount  int               `bson:"retry_count"`
	RetryDelay  int64             `bson:"retry_delay"`
	Timeout     int64             `bson:"timeout"`
	Blocking    bool              `bson:"blocking"`
	Result      []byte            `bson:"result,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	OriginJobID string            `bson:"origin_job_id,omitempty"`
	WorkerID    string            `bson:"worker_id,omitempty"`
	ScheduledAt *time.Time        `bson:"scheduled_at,omitempty"`
	StartedAt   *time.Time        `bson:"started_at,omitempty"`
	CompletedAt *time.Time        `bson:"completed_at,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:          j.ID.String(),
		Name:        j.Name,
		Payload:     j.Payload,
		Priority:    int(j.Priority),
		Status:      string(j.Status),
		MaxRetries:  j.MaxRetries,
		RetryCount:  j.RetryCount,
		RetryDelay:  j.RetryDelay.Nanoseconds(),
		Timeout:     j.Timeout.Nanoseconds(),
		Blocking:    j.Blocking,
		Metadata:    j.Metadata,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Result != nil {
		data, err := json.Marshal(j.Result)
		if err == nil {
			m.Result = data
		}
	}
	if !j.OriginJobID.IsNil() {
		m.OriginJobID = j.OriginJobID.String()
	}
	if !j.WorkerID.IsNil() {
		m.WorkerID = j.WorkerID.String()
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:          parsedID,
		Name:        m.Name,
		Payload:     m.Payload,
		Priority:    job.Priority(m.Priority),
		Status:      job.Status(m.Status),
		MaxRetries:  m.MaxRetries,
		RetryCount:  m.RetryCount,
		RetryDelay:  time.Duration(m.RetryDelay),
		Timeout:     time.Duration(m.Timeout),
		Blocking:    m.Blocking,
		Metadata:    m.Metadata,
		ScheduledAt: m.ScheduledAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}

	if len(m.Result) > 0 {
		var r job.Result
		if uErr := json.Unmarshal(m.Result, &r); uErr == nil {
			j.Result = &r
		}
	}
	if m.OriginJobID != "" {
		parsedOrigin, oErr := id.ParseJobID(m.OriginJobID)
		if oErr == nil {
			j.OriginJobID = parsedOrigin
		}
	}
	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}
