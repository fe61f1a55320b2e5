//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	bunstore "github.com/ShantanuRaghuwanshi/conveyor/store/bun"
)

// setupTestStore creates a Postgres container and returns a connected Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("conveyor_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db)

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newTestJob(name string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Payload:    []byte(`{"key":"value"}`),
		Priority:   job.PriorityNormal,
		Status:     job.StatusPending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// CRUD tests
// ──────────────────────────────────────────────────

func TestStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("resume.optimize")
	j.Metadata = map[string]string{"owner": "acct_1"}

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Duplicate should fail.
	if dupErr := s.CreateJob(ctx, j); !errors.Is(dupErr, conveyor.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got: %v", dupErr)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "resume.optimize" {
		t.Fatalf("expected name resume.optimize, got %s", got.Name)
	}
	if got.Priority != job.PriorityNormal {
		t.Fatalf("expected priority normal, got %s", got.Priority)
	}
	if got.Metadata["owner"] != "acct_1" {
		t.Fatalf("expected metadata to round-trip, got %v", got.Metadata)
	}
}

func TestStore_UpdateAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("document.export")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	j.Status = job.StatusCompleted
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Result = &job.Result{Success: true, Value: []byte(`"done"`)}
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || !got.Result.Success {
		t.Fatal("expected a successful result after update")
	}

	if err = s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, getErr := s.GetJob(ctx, j.ID)
	if !errors.Is(getErr, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got: %v", getErr)
	}
}

// ──────────────────────────────────────────────────
// Atomic transition tests
// ──────────────────────────────────────────────────

func TestStore_ClaimSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("resume.optimize")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Several workers race for the same pending job; the conditional
	// UPDATE must let exactly one through.
	const claimers = 5
	var wg sync.WaitGroup
	wins := make(chan *job.Job, claimers)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
			if err == nil {
				wins <- claimed
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []*job.Job
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", len(winners))
	}
	if winners[0].Status != job.StatusRunning {
		t.Fatalf("expected running, got %s", winners[0].Status)
	}
	if winners[0].StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}

	// A late claim on the now-running job reports the conflict.
	_, lateErr := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if !errors.Is(lateErr, conveyor.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", lateErr)
	}
}

func TestStore_CancelPendingAndRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pending := newTestJob("resume.optimize")
	if err := s.CreateJob(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	cancelled, err := s.CancelJob(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("expected completed_at on cancellation")
	}

	running := newTestJob("document.export")
	if err = s.CreateJob(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}
	if _, err = s.ClaimJob(ctx, running.ID, id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err = s.CancelJob(ctx, running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}

	// Terminal jobs cannot be cancelled again.
	_, err = s.CancelJob(ctx, running.ID)
	if !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", err)
	}

	// A claim against the cancelled job loses.
	_, claimErr := s.ClaimJob(ctx, pending.ID, id.NewWorkerID())
	if !errors.Is(claimErr, conveyor.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", claimErr)
	}
}

func TestStore_PromoteDueJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTestJob("report.digest")
	past := now.Add(-time.Minute)
	due.ScheduledAt = &past
	if err := s.CreateJob(ctx, due); err != nil {
		t.Fatalf("create due: %v", err)
	}

	future := newTestJob("report.digest")
	later := now.Add(time.Hour)
	future.ScheduledAt = &later
	if err := s.CreateJob(ctx, future); err != nil {
		t.Fatalf("create future: %v", err)
	}

	dead := newTestJob("report.digest")
	dead.ScheduledAt = &past
	if err := s.CreateJob(ctx, dead); err != nil {
		t.Fatalf("create cancelled: %v", err)
	}
	if _, err := s.CancelJob(ctx, dead.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	promoted, err := s.PromoteDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 1 {
		t.Fatalf("expected 1 promoted, got %d", len(promoted))
	}
	if promoted[0].ID.String() != due.ID.String() {
		t.Fatalf("promoted wrong job: %s", promoted[0].ID)
	}
	if promoted[0].ScheduledAt != nil {
		t.Fatal("expected scheduled_at to be cleared on promotion")
	}

	// Second pass finds nothing due.
	again, err := s.PromoteDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("promote again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 on second pass, got %d", len(again))
	}
}

// ──────────────────────────────────────────────────
// Query tests
// ──────────────────────────────────────────────────

func TestStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var firstID id.JobID
	for i := 0; i < 5; i++ {
		j := newTestJob("posting.analyze")
		if i == 0 {
			firstID = j.ID
		}
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	retry := newTestJob("posting.analyze")
	retry.OriginJobID = firstID
	retry.RetryCount = 1
	if err := s.CreateJob(ctx, retry); err != nil {
		t.Fatalf("create retry: %v", err)
	}

	pending, err := s.ListJobs(ctx, job.Filter{Status: job.StatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 6 {
		t.Fatalf("expected 6 pending, got %d", len(pending))
	}

	lineage, err := s.ListJobs(ctx, job.Filter{OriginJobID: firstID})
	if err != nil {
		t.Fatalf("list lineage: %v", err)
	}
	if len(lineage) != 1 || lineage[0].RetryCount != 1 {
		t.Fatalf("expected the single retry child, got %v", lineage)
	}

	page, err := s.ListJobs(ctx, job.Filter{Name: "posting.analyze", Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Name: "posting.analyze"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6, got %d", count)
	}
}

func TestStore_PurgeTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := newTestJob("document.export")
	stale := time.Now().UTC().Add(-2 * time.Hour)
	old.Status = job.StatusCompleted
	old.CompletedAt = &stale
	if err := s.CreateJob(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}

	fresh := newTestJob("document.export")
	now := time.Now().UTC()
	fresh.Status = job.StatusCompleted
	fresh.CompletedAt = &now
	if err := s.CreateJob(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	live := newTestJob("document.export")
	if err := s.CreateJob(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}

	purged, err := s.PurgeTerminal(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}

	if _, err = s.GetJob(ctx, old.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected old job gone, got: %v", err)
	}
	if _, err = s.GetJob(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh terminal job must survive: %v", err)
	}
	if _, err = s.GetJob(ctx, live.ID); err != nil {
		t.Fatalf("pending job must survive: %v", err)
	}
}
