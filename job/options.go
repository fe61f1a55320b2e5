package job

import "time"

// Options configures per-job behavior such as priority, retries, and
// deadlines. A handler definition carries defaults; submission options
// override them per job.
type Options struct {
	// Priority determines dequeue preference among the four levels.
	Priority Priority

	// MaxRetries is the maximum number of automatic retry jobs spawned
	// after failures. Zero disables automatic retry.
	MaxRetries int

	// RetryDelay is how long a retry job waits before becoming eligible.
	// Zero makes retries eligible immediately; a negative delay defers
	// to the engine's backoff strategy.
	RetryDelay time.Duration

	// Timeout is the maximum duration one execution may take. Zero means
	// no deadline.
	Timeout time.Duration

	// ScheduleAt defers the job until the given instant. Zero means the
	// job is enqueued immediately.
	ScheduleAt time.Time

	// Metadata is free-form caller context. The engine stores it verbatim
	// and never interprets it.
	Metadata map[string]string

	// Blocking marks the handler as long-running. Blocking handlers are
	// dispatched to a separate bounded pool so they cannot stall the
	// worker loops.
	Blocking bool
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:   PriorityNormal,
		MaxRetries: 3,
		RetryDelay: time.Minute,
	}
}

// Option is a functional option for configuring job submission or a
// handler definition.
type Option func(*Options)

// WithPriority sets the job's priority level.
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxRetries sets the maximum number of automatic retry attempts.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithRetryDelay sets the delay before a retry job becomes eligible.
// Zero means immediately; negative defers to the engine's backoff
// strategy.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithScheduleAt defers the job until the given instant.
func WithScheduleAt(t time.Time) Option {
	return func(o *Options) { o.ScheduleAt = t }
}

// WithMetadata attaches caller context to the job.
func WithMetadata(md map[string]string) Option {
	return func(o *Options) { o.Metadata = md }
}

// WithBlocking marks the handler as long-running (see Options.Blocking).
func WithBlocking() Option {
	return func(o *Options) { o.Blocking = true }
}
