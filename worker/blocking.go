package worker

import "sync"

// BlockingRunner executes long-running jobs on a dedicated bounded pool so
// they never occupy the main worker loops. Tasks are handed off through a
// buffered channel; when every slot is busy and the buffer is full, Submit
// reports false and the caller falls back to running the task inline.
type BlockingRunner struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBlockingRunner creates a runner with size goroutines. A size <= 0 is
// treated as 1.
func NewBlockingRunner(size int) *BlockingRunner {
	if size <= 0 {
		size = 1
	}
	r := &BlockingRunner{
		tasks: make(chan func(), size),
	}
	for range size {
		r.wg.Add(1)
		go r.loop()
	}
	return r
}

func (r *BlockingRunner) loop() {
	defer r.wg.Done()
	for task := range r.tasks {
		task()
	}
}

// Submit hands a task to the pool without blocking. Returns false if the
// pool is saturated or closed.
func (r *BlockingRunner) Submit(task func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for queued and in-flight tasks to
// finish. Close is idempotent.
func (r *BlockingRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()

	r.wg.Wait()
}
