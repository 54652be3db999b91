// Package dispatch hands stored events to the processor, either on
// in-process goroutines or through a durable JetStream work queue.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// ErrClosed is returned by Dispatch after shutdown has begun.
var ErrClosed = errors.New("dispatcher closed")

// DefaultRunTimeout bounds one pipeline run.
const DefaultRunTimeout = 15 * time.Minute

// Runner processes stored events.
type Runner interface {
	Process(ctx context.Context, eventID string) (pipeline.RunSummary, error)
	Retry(ctx context.Context, eventID string) (*models.EventRecord, error)
}

// Dispatcher schedules a pending event for processing. Dispatch returns once
// the event is scheduled, not when it has run.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.EventRecord) error
	Shutdown(ctx context.Context) error
}

// InProcess runs every event on its own goroutine. Runs are detached from
// the caller's context and bounded by the run timeout.
type InProcess struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInProcess(runner Runner, timeout time.Duration, logger *slog.Logger) *InProcess {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcess{
		runner:  runner,
		timeout: timeout,
		logger:  logger.With(logging.Component("dispatch")),
	}
}

func (d *InProcess) Dispatch(ctx context.Context, event *models.EventRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	// Keeps request-scoped values such as the request id.
	runCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func(id string) {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(runCtx, d.timeout)
		defer cancel()

		if _, err := d.runner.Process(ctx, id); err != nil {
			d.logger.Warn("event run failed", logging.EventID(id), logging.Error(err))
		}
	}(event.ID)
	return nil
}

// Wait blocks until every dispatched run has finished.
func (d *InProcess) Wait() {
	d.wg.Wait()
}

// Shutdown refuses new events and waits for running ones until ctx is done.
func (d *InProcess) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
