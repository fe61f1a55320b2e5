package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:conveyor_jobs"`

	ID          string            `bun:"id,pk"`
	Name        string            `bun:"name,notnull"`
	Payload     []byte            `bun:"payload,type:bytea"`
	Priority    int               `bun:"priority,notnull,default:1"`
	Status      string            `bun:"status,notnull,default:'pending'"`
	MaxRetries  int               `bun:"max_retries,notnull,default:0"`
	RetryCount  int               `bun:"retry_count,notnull,default:0"`
	RetryDelay  int64             `bun:"retry_delay,notnull,default:0"`
	Timeout     int64             `bun:"timeout,notnull,default:0"`
	Blocking    bool              `bun:"blocking,notnull,default:false"`
	Result      []byte            `bun:"result,type:jsonb"`
	Metadata    map[string]string `bun:"metadata,type:jsonb"`
	OriginJobID string            `bun:"origin_job_id"`
	WorkerID    string            `bun:"worker_id"`
	ScheduledAt *time.Time        `bun:"scheduled_at"`
	StartedAt   *time.Time        `bun:"started_at"`
	CompletedAt *time.Time        `bun:"completed_at"`
	CreatedAt   time.Time         `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time         `bun:"updated_at,notnull,default:current_timestamp"`
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
		return nil, fmt.Errorf("conveyor/bun: parse job id %q: %w", m.ID, err)
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
