package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// cronParser supports standard 5-field cron and descriptors like
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// recurringEntry is one registered recurring job.
type recurringEntry struct {
	name      string
	jobName   string
	payload   []byte
	spec      string
	schedule  cronlib.Schedule
	opts      []job.Option
	nextRunAt time.Time
}

// recurringSet holds recurring entries keyed by entry name.
type recurringSet struct {
	mu      sync.Mutex
	entries map[string]*recurringEntry
}

// AddRecurring registers a recurring job under a unique entry name. The
// spec is a standard 5-field cron expression or a descriptor such as
// "@every 10m". Each firing submits a fresh job through the engine, so
// every occurrence carries its own ID and record. Registering an existing
// entry name replaces the previous entry.
func (s *Scheduler) AddRecurring(name, jobName, spec string, payload []byte, opts ...job.Option) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q for entry %q: %w", spec, name, err)
	}

	e := &recurringEntry{
		name:      name,
		jobName:   jobName,
		payload:   payload,
		spec:      spec,
		schedule:  sched,
		opts:      opts,
		nextRunAt: sched.Next(time.Now().UTC()),
	}

	s.recurring.mu.Lock()
	s.recurring.entries[name] = e
	s.recurring.mu.Unlock()

	s.logger.Info("recurring entry registered",
		slog.String("entry", name),
		slog.String("job_name", jobName),
		slog.String("schedule", spec),
	)
	return nil
}

// RemoveRecurring deletes a recurring entry. Removing an unknown name is
// a no-op.
func (s *Scheduler) RemoveRecurring(name string) {
	s.recurring.mu.Lock()
	delete(s.recurring.entries, name)
	s.recurring.mu.Unlock()
}

// RecurringEntries returns the names of all registered entries, sorted.
func (s *Scheduler) RecurringEntries() []string {
	s.recurring.mu.Lock()
	defer s.recurring.mu.Unlock()

	names := make([]string, 0, len(s.recurring.entries))
	for name := range s.recurring.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fireRecurring submits a job for every entry whose next run time has
// arrived, then advances the entry to its next occurrence.
func (s *Scheduler) fireRecurring(now time.Time) {
	if s.enqueue == nil {
		return
	}

	s.recurring.mu.Lock()
	var due []*recurringEntry
	for _, e := range s.recurring.entries {
		if !e.nextRunAt.After(now) {
			due = append(due, e)
			e.nextRunAt = e.schedule.Next(now)
		}
	}
	s.recurring.mu.Unlock()

	ctx := context.Background()
	for _, e := range due {
		jobID, err := s.enqueue(ctx, e.jobName, e.payload, e.opts...)
		if err != nil {
			s.logger.Error("recurring enqueue error",
				slog.String("entry", e.name),
				slog.String("job_name", e.jobName),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("recurring job fired",
			slog.String("entry", e.name),
			slog.String("job_name", e.jobName),
			slog.String("job_id", jobID.String()),
		)
	}
}
