// Package pipeline runs ordered, fault-tolerant job lists over one event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// ErrUnavailable marks errors that make continuing the run pointless, such as
// lost persistence. A job returning it ends the run as failed.
var ErrUnavailable = errors.New("dependency unavailable")

// ErrUnsupportedEvent is returned by sources asked to build a pipeline for
// an event type they do not handle.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// errJobFailed rolls back a failed job's savepoint.
var errJobFailed = errors.New("job failed")

// Observer receives job timings.
type Observer interface {
	ObserveJob(pipeline, job string, status Status, d time.Duration)
}

// JobRun is the record of one job within a run.
type JobRun struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// RunSummary describes a finished run.
type RunSummary struct {
	EventID          string             `json:"event_id"`
	TenantID         string             `json:"tenant_id"`
	SourceType       string             `json:"source_type"`
	EventType        string             `json:"event_type"`
	Pipeline         string             `json:"pipeline"`
	Status           models.EventStatus `json:"status"`
	Jobs             []JobRun           `json:"jobs"`
	WorkItemsCreated int                `json:"work_items_created"`
	NodesCreated     int                `json:"nodes_created"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	Duration         time.Duration      `json:"duration_ns"`
}

// Job returns the run record for name.
func (s RunSummary) Job(name string) (JobRun, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobRun{}, false
}

// Pipeline is a statically ordered list of jobs.
type Pipeline struct {
	name     string
	jobs     []Job
	observer Observer
}

// New builds a pipeline. Jobs run in the order given.
func New(name string, jobs ...Job) *Pipeline {
	return &Pipeline{name: name, jobs: jobs}
}

// WithObserver returns a copy of p reporting job timings to o.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	cp := *p
	cp.observer = o
	return &cp
}

func (p *Pipeline) Name() string { return p.name }

// Jobs returns the job names in order.
func (p *Pipeline) Jobs() []string {
	names := make([]string, len(p.jobs))
	for i, j := range p.jobs {
		names[i] = j.Name()
	}
	return names
}

// Run drives every job over pc and settles pc.Event. A failing job never
// stops the run; only an unavailable dependency or a failed event write
// does, in which case the event is marked failed in memory and the error is
// returned for the caller to persist.
func (p *Pipeline) Run(ctx context.Context, pc *Context) (RunSummary, error) {
	started := pc.Now()
	event := pc.Event
	logger := pc.Logger.With(
		logging.EventID(event.ID),
		logging.SourceType(event.SourceType),
		logging.EventType(event.EventType),
		logging.Pipeline(p.name),
	)

	summary := RunSummary{
		EventID:    event.ID,
		TenantID:   event.TenantID,
		SourceType: event.SourceType,
		EventType:  event.EventType,
		Pipeline:   p.name,
		StartedAt:  started,
	}

	if event.Status == models.EventPending {
		if err := event.Start(started); err != nil {
			return p.fail(pc, summary, err)
		}
		if err := pc.Store.UpdateEvent(ctx, event); err != nil {
			return p.fail(pc, summary, fmt.Errorf("mark event processing: %w", err))
		}
	}

	var runErr error
	for _, job := range p.jobs {
		run := p.runJob(ctx, pc, job, logger)
		summary.Jobs = append(summary.Jobs, run)

		if run.Status == StatusFailed {
			outcome := pc.results[job.Name()]
			if IsFatal(ctx, outcome.Err) {
				runErr = fmt.Errorf("job %s: %w", job.Name(), outcome.Err)
				break
			}
		}
	}

	summary.WorkItemsCreated = len(pc.WorkItems)
	summary.NodesCreated = len(pc.Nodes)

	if runErr != nil {
		return p.fail(pc, summary, runErr)
	}

	results := make(map[string]models.JobResult, len(summary.Jobs))
	for _, j := range summary.Jobs {
		results[j.Name] = models.JobResult{Status: string(j.Status), Message: j.Message, Data: j.Data}
	}
	if err := event.Complete(pc.Now(), pc.WorkItemIDs(), pc.NodeIDs(), results); err != nil {
		return p.fail(pc, summary, err)
	}
	if err := pc.Store.UpdateEvent(ctx, event); err != nil {
		return p.fail(pc, summary, fmt.Errorf("mark event completed: %w", err))
	}

	summary.Status = models.EventCompleted
	summary.Duration = pc.Now().Sub(started)
	logger.Info("pipeline completed",
		slog.Int("work_items", summary.WorkItemsCreated),
		slog.Int("nodes", summary.NodesCreated),
		logging.Duration(summary.Duration.Milliseconds()))
	return summary, nil
}

func (p *Pipeline) fail(pc *Context, summary RunSummary, err error) (RunSummary, error) {
	// Status is only flipped in memory; persisting it is the caller's job
	// because the run's transaction is about to roll back.
	_ = pc.Event.Fail(pc.Now(), err)
	summary.Status = models.EventFailed
	summary.Error = err.Error()
	summary.Duration = pc.Now().Sub(summary.StartedAt)
	pc.Logger.Error("pipeline failed",
		logging.EventID(pc.Event.ID),
		logging.Pipeline(p.name),
		logging.Error(err))
	return summary, err
}

func (p *Pipeline) runJob(ctx context.Context, pc *Context, job Job, logger *slog.Logger) JobRun {
	name := job.Name()
	start := time.Now()

	var outcome Outcome
	if !job.ShouldRun(pc) {
		outcome = Skip("condition not met")
	} else {
		outcome = p.execute(ctx, pc, job, logger)
	}
	if outcome.Data == nil && outcome.Status == StatusCompleted {
		outcome.Data = map[string]any{}
	}
	pc.results[name] = outcome

	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveJob(p.name, name, outcome.Status, elapsed)
	}

	attrs := []any{logging.Job(name), slog.String("status", string(outcome.Status)), logging.Duration(elapsed.Milliseconds())}
	switch outcome.Status {
	case StatusFailed:
		logger.Error("job failed", append(attrs, logging.Error(outcome.Err))...)
	case StatusSkipped:
		logger.Debug("job skipped", append(attrs, slog.String("reason", outcome.Message))...)
	default:
		logger.Info("job completed", append(attrs, slog.String("message", outcome.Message))...)
	}

	run := JobRun{Name: name, Status: outcome.Status, Message: outcome.Message, Data: outcome.Data, Duration: elapsed}
	if outcome.Err != nil {
		run.Error = outcome.Err.Error()
	}
	return run
}

// execute runs job inside a savepoint so a failure discards only its own
// writes and context additions.
func (p *Pipeline) execute(ctx context.Context, pc *Context, job Job, logger *slog.Logger) Outcome {
	cp := pc.checkpoint()
	outer := pc.Store

	var outcome Outcome
	err := outer.InTx(ctx, func(tx repository.Store) error {
		pc.Store = tx
		defer func() { pc.Store = outer }()

		outcome = safeExecute(ctx, pc, job, logger)
		if outcome.Status == StatusFailed {
			return errJobFailed
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, errJobFailed):
		pc.restore(cp)
	default:
		// savepoint could not be opened, released or rolled back
		pc.restore(cp)
		if outcome.Status != StatusFailed {
			outcome = Fail(fmt.Errorf("%w: %w", ErrUnavailable, err))
		}
	}
	return outcome
}

func safeExecute(ctx context.Context, pc *Context, job Job, logger *slog.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked",
				logging.Job(job.Name()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			outcome = Fail(fmt.Errorf("panic in job %s: %v", job.Name(), r))
		}
	}()
	return job.Execute(ctx, pc)
}

// IsFatal reports whether a job error should end the run.
func IsFatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, repository.ErrUnavailable)
}
