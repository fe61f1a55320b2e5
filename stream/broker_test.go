package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ShantanuRaghuwanshi/conveyor/ext"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
	"github.com/ShantanuRaghuwanshi/conveyor/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(name string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:        id.NewJobID(),
		Name:      name,
		Priority:  job.PriorityNormal,
		Status:    job.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// drain reads events until the channel is empty.
func drain(sub *stream.Subscriber) []*stream.Event {
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

func TestBrokerDeliversToJobTopic(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	j := testJob("resume.optimize")

	sub := b.Subscribe("watcher-1", stream.JobTopic(j.ID.String()))

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)

	ctx := context.Background()
	registry.EmitJobSubmitted(ctx, j)
	registry.EmitJobStarted(ctx, j)
	registry.EmitJobCompleted(ctx, j, 25*time.Millisecond)

	// An unrelated job must not reach this subscriber.
	registry.EmitJobSubmitted(ctx, testJob("document.export"))

	events := drain(sub)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	want := []stream.EventType{
		stream.EventJobSubmitted,
		stream.EventJobStarted,
		stream.EventJobCompleted,
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Errorf("event[%d].Type = %q, want %q", i, evt.Type, want[i])
		}
	}

	var data stream.JobEventData
	if err := json.Unmarshal(events[2].Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.JobID != j.ID.String() {
		t.Errorf("JobID = %q, want %q", data.JobID, j.ID.String())
	}
	if data.ElapsedMs != 25 {
		t.Errorf("ElapsedMs = %d, want 25", data.ElapsedMs)
	}
}

func TestBrokerNameTopicSeesAllOfOneType(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	sub := b.Subscribe("watcher-1", stream.NameTopic("posting.analyze"))

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)

	ctx := context.Background()
	registry.EmitJobSubmitted(ctx, testJob("posting.analyze"))
	registry.EmitJobSubmitted(ctx, testJob("posting.analyze"))
	registry.EmitJobSubmitted(ctx, testJob("resume.optimize"))

	if got := len(drain(sub)); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
}

func TestBrokerJobsTopicDeduplicates(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	j := testJob("resume.optimize")

	// Subscribed to both a broad and a narrow topic; each event must be
	// delivered once.
	sub := b.Subscribe("watcher-1", stream.TopicJobs, stream.JobTopic(j.ID.String()))

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)
	registry.EmitJobStarted(context.Background(), j)

	if got := len(drain(sub)); got != 1 {
		t.Fatalf("events = %d, want 1", got)
	}
}

func TestBrokerFailedCarriesError(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	j := testJob("document.export")
	sub := b.Subscribe("watcher-1", stream.TopicJobs)

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)
	registry.EmitJobFailed(context.Background(), j, errors.New("render failed"))

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	var data stream.JobEventData
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Error != "render failed" {
		t.Errorf("Error = %q, want %q", data.Error, "render failed")
	}
}

func TestBrokerRetryingCarriesLineage(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	origin := testJob("posting.analyze")
	retry := testJob("posting.analyze")
	retry.OriginJobID = origin.ID
	retry.RetryCount = 1

	sub := b.Subscribe("watcher-1", stream.TopicJobs)

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)
	registry.EmitJobRetrying(context.Background(), retry, 1, time.Now().Add(time.Second))

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	var data stream.JobEventData
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.OriginJobID != origin.ID.String() {
		t.Errorf("OriginJobID = %q, want %q", data.OriginJobID, origin.ID.String())
	}
	if data.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", data.Attempt)
	}
}

func TestBrokerDropsWhenBufferFull(t *testing.T) {
	b := stream.NewBroker(discardLogger(), stream.WithBufferSize(1))
	sub := b.Subscribe("slow", stream.TopicJobs)

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)

	ctx := context.Background()
	registry.EmitJobSubmitted(ctx, testJob("resume.optimize"))
	registry.EmitJobSubmitted(ctx, testJob("resume.optimize"))

	if got := len(drain(sub)); got != 1 {
		t.Fatalf("events = %d, want 1", got)
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}
}

func TestBrokerSubscriberFilter(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	sub := b.Subscribe("completions-only")
	sub.SetFilter(func(evt *stream.Event) bool {
		return evt.Type == stream.EventJobCompleted
	})
	b.SubscribeTo("completions-only", stream.TopicJobs)

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)

	ctx := context.Background()
	j := testJob("resume.optimize")
	registry.EmitJobStarted(ctx, j)
	registry.EmitJobCompleted(ctx, j, time.Millisecond)

	events := drain(sub)
	if len(events) != 1 || events[0].Type != stream.EventJobCompleted {
		t.Fatalf("got %d events, want exactly one job.completed", len(events))
	}
}

func TestBrokerRemoveSubscriber(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	sub := b.Subscribe("watcher-1", stream.TopicJobs)

	b.RemoveSubscriber("watcher-1")

	if _, ok := b.GetSubscriber("watcher-1"); ok {
		t.Fatal("subscriber still registered after removal")
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscriber channel not closed")
	}
	if b.Topics().SubscriberCount(stream.TopicJobs) != 0 {
		t.Error("topic still has subscribers")
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	b := stream.NewBroker(discardLogger())
	sub := b.Subscribe("watcher-1", stream.TopicJobs)

	registry := ext.NewRegistry(discardLogger())
	registry.Register(b)
	registry.EmitShutdown(context.Background())

	if _, ok := <-sub.C(); ok {
		t.Fatal("subscriber channel not closed on shutdown")
	}
}

func TestValidateTopic(t *testing.T) {
	valid := []string{"jobs", "job:job_01h2xcejqtf2nbrexx3vqjhp41", "name:resume.optimize"}
	for _, topic := range valid {
		if err := stream.ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v, want nil", topic, err)
		}
	}

	invalid := []string{"", "job:", ":abc", "queue:default", "firehose"}
	for _, topic := range invalid {
		if err := stream.ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) = nil, want error", topic)
		}
	}
}
