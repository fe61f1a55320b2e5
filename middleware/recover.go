package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// PanicError is the error produced when a job handler panics. The worker
// classifies it separately from ordinary handler errors.
type PanicError struct {
	JobName string
	Value   any
	Stack   []byte
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic in job %s: %v", p.JobName, p.Value)
}

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to *PanicError and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					slog.String("job_name", j.Name),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				retErr = &PanicError{JobName: j.Name, Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
