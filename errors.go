package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound = errors.New("conveyor: job not found")

	// Conflict errors.
	ErrJobExists = errors.New("conveyor: job already exists")

	// Submission errors.
	ErrUnknownJobType = errors.New("conveyor: no handler registered for job type")

	// State errors.
	ErrInvalidTransition  = errors.New("conveyor: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("conveyor: max retries exceeded")

	// Lifecycle errors.
	ErrQueueClosed = errors.New("conveyor: queue closed")
	ErrNotRunning  = errors.New("conveyor: engine not running")
)
