package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/audit"
	"github.com/ShantanuRaghuwanshi/conveyor/engine"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	"github.com/ShantanuRaghuwanshi/conveyor/store/memory"
	"github.com/ShantanuRaghuwanshi/conveyor/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() conveyor.Config {
	cfg := conveyor.DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SchedulerInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithConfig(testConfig()),
		engine.WithLogger(discardLogger()),
	}, opts...)
	e, err := engine.New(memory.New(), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRequiresStore(t *testing.T) {
	_, err := engine.New(nil)
	if !errors.Is(err, conveyor.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestSubmitAndAwaitResult(t *testing.T) {
	e := newEngine(t)
	engine.Register(e, job.NewDefinition("double",
		func(ctx context.Context, n int) (any, error) {
			return n * 2, nil
		},
	))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := engine.Submit(ctx, e, "double", 21)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, statusErr := e.Status(ctx, j.ID)
		return statusErr == nil && got.Status == job.StatusCompleted
	})

	got, err := e.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Result == nil || !got.Result.Success {
		t.Fatal("expected a successful result")
	}
	if string(got.Result.Value) != "42" {
		t.Errorf("result value = %s, want 42", got.Result.Value)
	}
}

func TestSubmitUnknownType(t *testing.T) {
	e := newEngine(t)
	_, err := e.SubmitRaw(context.Background(), "no.such.job", nil)
	if !errors.Is(err, conveyor.ErrUnknownJobType) {
		t.Fatalf("err = %v, want ErrUnknownJobType", err)
	}
}

func TestSubmitInvalidPriority(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		return nil, nil
	})

	_, err := e.SubmitRaw(context.Background(), "resume.optimize", nil, job.WithPriority(job.Priority(9)))
	if err == nil {
		t.Fatal("expected error for out-of-range priority")
	}
}

func TestSubmitAppliesHandlerDefaults(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("document.export", func(ctx context.Context, payload []byte) (any, error) {
		return nil, nil
	}, job.WithPriority(job.PriorityHigh), job.WithMaxRetries(7), job.WithTimeout(time.Minute))

	j, err := e.SubmitRaw(context.Background(), "document.export", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}
	if j.Priority != job.PriorityHigh {
		t.Errorf("priority = %s, want high (handler default)", j.Priority)
	}
	if j.MaxRetries != 7 {
		t.Errorf("max_retries = %d, want 7", j.MaxRetries)
	}
	if j.Timeout != time.Minute {
		t.Errorf("timeout = %s, want 1m", j.Timeout)
	}

	// Submission options override handler defaults.
	override, err := e.SubmitRaw(context.Background(), "document.export", nil, job.WithPriority(job.PriorityLow))
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}
	if override.Priority != job.PriorityLow {
		t.Errorf("priority = %s, want low (submission override)", override.Priority)
	}
}

func TestDeferredSubmissionPromotes(t *testing.T) {
	var executed atomic.Int32
	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		executed.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := e.SubmitRaw(ctx, "resume.optimize", nil,
		job.WithScheduleAt(time.Now().Add(60*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}
	if j.ScheduledAt == nil {
		t.Fatal("expected a deferred job")
	}

	// Not executed before its time.
	time.Sleep(20 * time.Millisecond)
	if executed.Load() != 0 {
		t.Fatal("deferred job ran early")
	}

	waitFor(t, 2*time.Second, func() bool { return executed.Load() == 1 })
}

func TestAutomaticRetryChain(t *testing.T) {
	var attempts atomic.Int32
	e := newEngine(t)
	e.RegisterFunc("posting.analyze", func(ctx context.Context, payload []byte) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	}, job.WithMaxRetries(5), job.WithRetryDelay(20*time.Millisecond))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := e.SubmitRaw(ctx, "posting.analyze", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, countErr := e.List(ctx, job.Filter{Status: job.StatusCompleted})
		return countErr == nil && len(n) == 1
	})

	// The original failed, then two derivative retries: failed → failed →
	// completed, each linked to its predecessor.
	got, err := e.Status(ctx, first.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("original status = %s, want failed", got.Status)
	}

	children, err := e.List(ctx, job.Filter{OriginJobID: first.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("original has %d children, want 1", len(children))
	}
	if children[0].RetryCount != 1 {
		t.Errorf("first retry count = %d, want 1", children[0].RetryCount)
	}

	grandchildren, err := e.List(ctx, job.Filter{OriginJobID: children[0].ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(grandchildren) != 1 {
		t.Fatalf("first retry has %d children, want 1", len(grandchildren))
	}
	if grandchildren[0].Status != job.StatusCompleted {
		t.Errorf("final retry status = %s, want completed", grandchildren[0].Status)
	}
	if grandchildren[0].RetryCount != 2 {
		t.Errorf("final retry count = %d, want 2", grandchildren[0].RetryCount)
	}
}

func TestManualRetryReusesRecord(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	// One retry in the budget; the long default delay keeps the automatic
	// derivative parked so only the manual path runs inside the test.
	e := newEngine(t)
	e.RegisterFunc("document.export", func(ctx context.Context, payload []byte) (any, error) {
		if fail.Load() {
			return nil, errors.New("storage offline")
		}
		return "exported", nil
	}, job.WithMaxRetries(1), job.WithRetryDelay(time.Hour))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := e.SubmitRaw(ctx, "document.export", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, statusErr := e.Status(ctx, j.ID)
		return statusErr == nil && got.Status == job.StatusFailed
	})

	fail.Store(false)
	retried, err := e.Retry(ctx, j.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.ID.String() != j.ID.String() {
		t.Fatal("manual retry must reuse the same job ID")
	}
	if retried.Result != nil {
		t.Error("manual retry must clear the previous result")
	}

	waitFor(t, 2*time.Second, func() bool {
		got, statusErr := e.Status(ctx, j.ID)
		return statusErr == nil && got.Status == job.StatusCompleted
	})
}

func TestManualRetryExhaustedBudgetRejected(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("posting.analyze", func(ctx context.Context, payload []byte) (any, error) {
		return nil, errors.New("always fails")
	}, job.WithMaxRetries(1), job.WithRetryDelay(10*time.Millisecond))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := e.SubmitRaw(ctx, "posting.analyze", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	// The original fails, its single automatic retry fails too.
	var tail *job.Job
	waitFor(t, 5*time.Second, func() bool {
		children, listErr := e.List(ctx, job.Filter{OriginJobID: first.ID})
		if listErr != nil || len(children) != 1 {
			return false
		}
		tail = children[0]
		return tail.Status == job.StatusFailed
	})
	if tail.RetryCount != tail.MaxRetries {
		t.Fatalf("tail retry count = %d, want %d (budget exhausted)", tail.RetryCount, tail.MaxRetries)
	}

	if _, retryErr := e.Retry(ctx, tail.ID); !errors.Is(retryErr, conveyor.ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want ErrMaxRetriesExceeded", retryErr)
	}

	got, err := e.Status(ctx, tail.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed (record untouched by rejected retry)", got.Status)
	}
}

func TestManualRetryRequiresFailed(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		return nil, nil
	})

	ctx := context.Background()
	j, err := e.SubmitRaw(ctx, "resume.optimize", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	// Still pending: manual retry is not a legal transition.
	if _, err := e.Retry(ctx, j.ID); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		return nil, nil
	})

	// Engine not started: the job stays pending.
	ctx := context.Background()
	j, err := e.SubmitRaw(ctx, "resume.optimize", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	cancelled, err := e.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// Cancelling again is invalid.
	if _, err := e.Cancel(ctx, j.ID); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	e := newEngine(t)
	e.RegisterFunc("document.export", func(ctx context.Context, payload []byte) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := e.SubmitRaw(ctx, "document.export", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	<-started
	if _, err := e.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, statusErr := e.Status(ctx, j.ID)
		return statusErr == nil &&
			got.Status == job.StatusCancelled &&
			got.Result != nil && got.Result.Kind == job.KindCancelled
	})
}

func TestStatistics(t *testing.T) {
	var block atomic.Bool
	release := make(chan struct{})

	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		if block.Load() {
			<-release
		}
		return nil, nil
	})
	e.RegisterFunc("posting.analyze", func(ctx context.Context, payload []byte) (any, error) {
		return nil, errors.New("bad posting")
	}, job.WithMaxRetries(0))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for range 3 {
		if _, err := e.SubmitRaw(ctx, "resume.optimize", nil); err != nil {
			t.Fatalf("SubmitRaw: %v", err)
		}
	}
	if _, err := e.SubmitRaw(ctx, "posting.analyze", nil); err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s, statsErr := e.Statistics(ctx)
		return statsErr == nil && s.Completed == 3 && s.Failed == 1
	})

	s, err := e.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !s.Running {
		t.Error("running = false, want true while the engine is started")
	}
	if s.Executions != 4 {
		t.Errorf("executions = %d, want 4", s.Executions)
	}
	if s.Pending != 0 {
		t.Errorf("pending = %d, want 0", s.Pending)
	}
	if s.RunningJobs != 0 {
		t.Errorf("running jobs = %d, want 0 after drain", s.RunningJobs)
	}
	if len(s.QueueDepths) != 4 {
		t.Errorf("queue depths cover %d levels, want 4", len(s.QueueDepths))
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s, err = e.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if s.Running {
		t.Error("running = true, want false after Stop")
	}
}

func TestRecurringSubmission(t *testing.T) {
	var executed atomic.Int32
	e := newEngine(t)
	e.RegisterFunc("report.digest", func(ctx context.Context, payload []byte) (any, error) {
		executed.Add(1)
		return nil, nil
	})

	if err := e.RegisterRecurring("digest", "report.digest", "@every 30ms", nil); err != nil {
		t.Fatalf("RegisterRecurring: %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return executed.Load() >= 2 })

	e.RemoveRecurring("digest")
}

func TestRecoverPendingOnStart(t *testing.T) {
	store := memory.New()

	// A previous process left a pending job behind.
	orphan := &job.Job{
		ID:        id.NewJobID(),
		Name:      "resume.optimize",
		Priority:  job.PriorityNormal,
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateJob(context.Background(), orphan); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	var executed atomic.Int32
	e, err := engine.New(store,
		engine.WithConfig(testConfig()),
		engine.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		executed.Add(1)
		return nil, nil
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return executed.Load() == 1 })
}

func TestSubmitAfterStop(t *testing.T) {
	e := newEngine(t)
	e.RegisterFunc("resume.optimize", func(ctx context.Context, payload []byte) (any, error) {
		return nil, nil
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := e.SubmitRaw(ctx, "resume.optimize", nil); !errors.Is(err, conveyor.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStreamAndAuditExtensions(t *testing.T) {
	broker := stream.NewBroker(discardLogger())
	recorder := &memAuditRecorder{}
	e := newEngine(t,
		engine.WithExtension(broker),
		engine.WithExtension(audit.New(recorder, audit.WithLogger(discardLogger()))),
	)
	e.RegisterFunc("report.digest", func(ctx context.Context, payload []byte) (any, error) {
		return "sent", nil
	})

	sub := broker.Subscribe("watcher", stream.NameTopic("report.digest"))

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := e.SubmitRaw(ctx, "report.digest", nil)
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, statusErr := e.Status(ctx, j.ID)
		return statusErr == nil && got.Status == job.StatusCompleted
	})

	// Subscriber saw the full submitted → started → completed sequence.
	var events []*stream.Event
	waitFor(t, time.Second, func() bool {
		events = append(events, collectEvents(sub)...)
		return len(events) >= 3
	})
	types := make(map[stream.EventType]bool)
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []stream.EventType{
		stream.EventJobSubmitted, stream.EventJobStarted, stream.EventJobCompleted,
	} {
		if !types[want] {
			t.Errorf("missing stream event %q", want)
		}
	}

	// Audit trail recorded the same lifecycle.
	actions := recorder.actions()
	if len(actions) < 3 {
		t.Fatalf("audit actions = %v, want at least 3", actions)
	}
	if actions[0] != audit.ActionJobSubmitted {
		t.Errorf("first action = %q, want job.submitted", actions[0])
	}
	if actions[len(actions)-1] != audit.ActionJobCompleted {
		t.Errorf("last action = %q, want job.completed", actions[len(actions)-1])
	}
}

// memAuditRecorder collects audit events in memory.
type memAuditRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *memAuditRecorder) Record(_ context.Context, evt *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *memAuditRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Action
	}
	return out
}

// collectEvents drains and accumulates everything currently buffered.
func collectEvents(sub *stream.Subscriber) []*stream.Event {
	var out []*stream.Event
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}
