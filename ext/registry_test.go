package ext_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// recorder implements every hook and counts invocations.
type recorder struct {
	submitted int
	started   int
	completed int
	failed    int
	retrying  int
	cancelled int
	promoted  int
	shutdown  int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnJobSubmitted(context.Context, *job.Job) error { r.submitted++; return nil }
func (r *recorder) OnJobStarted(context.Context, *job.Job) error   { r.started++; return nil }
func (r *recorder) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	r.completed++
	return nil
}
func (r *recorder) OnJobFailed(context.Context, *job.Job, error) error { r.failed++; return nil }
func (r *recorder) OnJobRetrying(context.Context, *job.Job, int, time.Time) error {
	r.retrying++
	return nil
}
func (r *recorder) OnJobCancelled(context.Context, *job.Job) error { r.cancelled++; return nil }
func (r *recorder) OnJobPromoted(context.Context, *job.Job) error  { r.promoted++; return nil }
func (r *recorder) OnShutdown(context.Context) error               { r.shutdown++; return nil }

// startedOnly opts in to a single hook.
type startedOnly struct {
	started int
}

func (s *startedOnly) Name() string                                { return "started-only" }
func (s *startedOnly) OnJobStarted(context.Context, *job.Job) error { s.started++; return nil }

// failing returns an error from its hook; the registry must swallow it.
type failing struct{}

func (f *failing) Name() string                                 { return "failing" }
func (f *failing) OnJobStarted(context.Context, *job.Job) error { return errors.New("hook broke") }

func testJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), Name: "resume.optimize", Status: job.StatusPending}
}

func TestRegistryEmitsAllHooks(t *testing.T) {
	rec := &recorder{}
	r := ext.NewRegistry(nil)
	r.Register(rec)

	ctx := context.Background()
	j := testJob()

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("boom"))
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCancelled(ctx, j)
	r.EmitJobPromoted(ctx, j)
	r.EmitShutdown(ctx)

	if rec.submitted != 1 || rec.started != 1 || rec.completed != 1 ||
		rec.failed != 1 || rec.retrying != 1 || rec.cancelled != 1 ||
		rec.promoted != 1 || rec.shutdown != 1 {
		t.Errorf("not all hooks fired exactly once: %+v", *rec)
	}
}

func TestRegistryPartialExtension(t *testing.T) {
	s := &startedOnly{}
	r := ext.NewRegistry(nil)
	r.Register(s)

	ctx := context.Background()
	j := testJob()

	// Emitting other events must not panic or reach the extension.
	r.EmitJobSubmitted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobStarted(ctx, j)

	if s.started != 1 {
		t.Errorf("started = %d, want 1", s.started)
	}
}

func TestRegistryHookErrorDoesNotStopOthers(t *testing.T) {
	s := &startedOnly{}
	r := ext.NewRegistry(nil)
	r.Register(&failing{})
	r.Register(s)

	r.EmitJobStarted(context.Background(), testJob())

	if s.started != 1 {
		t.Error("a failing hook must not prevent later extensions from running")
	}
}

func TestRegistryExtensions(t *testing.T) {
	r := ext.NewRegistry(nil)
	r.Register(&recorder{})
	r.Register(&startedOnly{})

	if got := len(r.Extensions()); got != 2 {
		t.Errorf("extensions = %d, want 2", got)
	}
}
