package pipeline

import (
	"context"
	"fmt"
)

// Status is the outcome of one job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome is what a job reports back to the driver.
type Outcome struct {
	Status  Status
	Message string
	Data    map[string]any
	Err     error
}

// Complete reports success.
func Complete(message string, data map[string]any) Outcome {
	return Outcome{Status: StatusCompleted, Message: message, Data: data}
}

// Skip reports that the job had nothing to do.
func Skip(message string) Outcome {
	return Outcome{Status: StatusSkipped, Message: message}
}

// Fail reports a job failure. The run continues with the next job.
func Fail(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("job failed")
	}
	return Outcome{Status: StatusFailed, Message: err.Error(), Err: err}
}

// Failf is Fail with a formatted error.
func Failf(format string, args ...any) Outcome {
	return Fail(fmt.Errorf(format, args...))
}

// Job is one pipeline step. ShouldRun must not have side effects.
type Job interface {
	Name() string
	ShouldRun(pc *Context) bool
	Execute(ctx context.Context, pc *Context) Outcome
}

// Always can be embedded by jobs that run unconditionally.
type Always struct{}

func (Always) ShouldRun(*Context) bool { return true }
