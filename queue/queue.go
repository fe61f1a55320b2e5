// Package queue provides the in-memory four-level priority queue holding
// ready jobs, and a Limiter enforcing the engine-wide active-job cap plus
// optional per-handler concurrency and rate limits.
package queue

import (
	"context"
	"sync"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// PriorityQueue is a blocking queue with one FIFO list per priority level.
// Dequeue always drains the highest non-empty level first; within a level,
// jobs come out in enqueue order. Producers (submit, scheduler) and
// consumers (workers) may call it concurrently.
type PriorityQueue struct {
	mu     sync.Mutex
	levels [len(job.Levels)][]*job.Job
	closed bool

	// notify carries at most one wakeup token; done is closed on Close.
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends the job to the list for its priority. It never blocks.
// Returns ErrQueueClosed after Close.
func (q *PriorityQueue) Enqueue(j *job.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return conveyor.ErrQueueClosed
	}
	q.levels[j.Priority] = append(q.levels[j.Priority], j)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Requeue puts the job back at the front of its level, preserving FIFO
// order for work that was dequeued but could not be started (for example
// because the active-job cap was reached).
func (q *PriorityQueue) Requeue(j *job.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return conveyor.ErrQueueClosed
	}
	q.levels[j.Priority] = append([]*job.Job{j}, q.levels[j.Priority]...)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue blocks until a job is available in any level, the context is
// done, or the queue is closed. When several levels are non-empty, the
// highest-priority level wins. Priority is re-evaluated after every wakeup,
// so a job enqueued at Urgent while a waiter sleeps is returned ahead of
// anything that arrived at a lower level first.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*job.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, conveyor.ErrQueueClosed
		}
		for _, p := range job.Levels {
			level := q.levels[p]
			if len(level) == 0 {
				continue
			}
			j := level[0]
			q.levels[p] = level[1:]
			remaining := !q.empty()
			q.mu.Unlock()

			if remaining {
				// Hand the wakeup token to the next waiter.
				q.wake()
			}
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, conveyor.ErrQueueClosed
		case <-q.notify:
		}
	}
}

// Depths returns the number of queued jobs per priority level.
func (q *PriorityQueue) Depths() map[job.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[job.Priority]int, len(job.Levels))
	for _, p := range job.Levels {
		depths[p] = len(q.levels[p])
	}
	return depths
}

// Len returns the total number of queued jobs.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, level := range q.levels {
		n += len(level)
	}
	return n
}

// IsEmpty reports whether every level is empty.
func (q *PriorityQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.empty()
}

// Close releases all waiters. Subsequent Enqueue/Dequeue calls return
// ErrQueueClosed. Close is idempotent.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *PriorityQueue) empty() bool {
	for _, level := range q.levels {
		if len(level) > 0 {
			return false
		}
	}
	return true
}

func (q *PriorityQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
