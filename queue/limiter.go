package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// HandlerLimit defines per-handler execution constraints.
type HandlerLimit struct {
	// Name is the job type the limit applies to.
	Name string

	// MaxConcurrency limits how many jobs of this type may run
	// simultaneously. Zero means no type-specific limit (the engine-wide
	// cap still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained starts per second for this type.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// handlerState tracks runtime state for a single job type.
type handlerState struct {
	limit   HandlerLimit
	limiter *rate.Limiter
	active  int
}

// Limiter enforces the engine-wide active-job cap and any per-handler
// concurrency/rate limits. Workers call Acquire before starting a dequeued
// job and Release when execution finishes. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	maxActive int
	active    int
	handlers  map[string]*handlerState
}

// NewLimiter creates a Limiter with the engine-wide cap and optional
// per-handler limits. maxActive <= 0 means no engine-wide cap.
func NewLimiter(maxActive int, limits ...HandlerLimit) *Limiter {
	l := &Limiter{
		maxActive: maxActive,
		handlers:  make(map[string]*handlerState, len(limits)),
	}
	for _, hl := range limits {
		l.handlers[hl.Name] = newHandlerState(hl)
	}
	return l
}

func newHandlerState(hl HandlerLimit) *handlerState {
	hs := &handlerState{limit: hl}
	if hl.RateLimit > 0 {
		burst := hl.RateBurst
		if burst <= 0 {
			burst = 1
		}
		hs.limiter = rate.NewLimiter(rate.Limit(hl.RateLimit), burst)
	}
	return hs
}

// Acquire checks the engine-wide cap and any limits for the job type. If
// the job may start it increments the active counters and returns true.
// The caller MUST call Release with the same name when the job completes.
func (l *Limiter) Acquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxActive > 0 && l.active >= l.maxActive {
		return false
	}

	hs := l.handlers[name]
	if hs != nil {
		if hs.limiter != nil && !hs.limiter.Allow() {
			return false
		}
		if hs.limit.MaxConcurrency > 0 && hs.active >= hs.limit.MaxConcurrency {
			return false
		}
		hs.active++
	}

	l.active++
	return true
}

// Release decrements the active counters for the job type.
func (l *Limiter) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	if hs := l.handlers[name]; hs != nil && hs.active > 0 {
		hs.active--
	}
}

// SetHandlerLimit dynamically updates (or creates) a per-handler limit.
func (l *Limiter) SetHandlerLimit(hl HandlerLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.handlers[hl.Name]
	hs := newHandlerState(hl)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		hs.active = existing.active
	}
	l.handlers[hl.Name] = hs
}

// Active returns the current number of active jobs engine-wide.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// ActiveFor returns the current number of active jobs for one job type.
func (l *Limiter) ActiveFor(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hs := l.handlers[name]; hs != nil {
		return hs.active
	}
	return 0
}
