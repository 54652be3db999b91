// Package processor runs the pipeline for a stored event.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/merlinhq/merlin/common/database"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	"github.com/merlinhq/merlin/engine/internal/audit"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// errNotPending stops a run whose event another run holds or finished
// after it was loaded.
var errNotPending = errors.New("event is no longer pending")

// Adapter binds a source system to its pipelines.
type Adapter interface {
	SourceType() string
	Supports(eventType string) bool
	Pipeline(event *models.EventRecord) (*pipeline.Pipeline, error)

	// Prepare fills the run context from the event payload. It runs inside
	// the run's transaction.
	Prepare(ctx context.Context, pc *pipeline.Context) error
}

// RunObserver is told about every finished run.
type RunObserver interface {
	pipeline.Observer
	ObserveRun(s pipeline.RunSummary)
}

// Processor loads events, picks the adapter for their source and runs the
// pipeline in one transaction.
type Processor struct {
	store     repository.Store
	adapters  map[string]Adapter
	observer  RunObserver
	indexer   audit.Indexer
	publisher messaging.Publisher
	logger    *slog.Logger
	now       func() time.Time

	startedAt time.Time
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(store repository.Store, logger *slog.Logger, adapters ...Adapter) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:     store,
		adapters:  make(map[string]Adapter, len(adapters)),
		indexer:   audit.Nop{},
		logger:    logger.With(logging.Component("processor")),
		now:       func() time.Time { return time.Now().UTC() },
		startedAt: time.Now().UTC(),
	}
	for _, a := range adapters {
		p.adapters[a.SourceType()] = a
	}
	return p
}

// WithObserver reports job and run metrics to o.
func (p *Processor) WithObserver(o RunObserver) *Processor {
	p.observer = o
	return p
}

// WithIndexer records every run summary with idx.
func (p *Processor) WithIndexer(idx audit.Indexer) *Processor {
	p.indexer = idx
	return p
}

// WithPublisher publishes every run summary on SubjectEngineProcessedEvents.
func (p *Processor) WithPublisher(pub messaging.Publisher) *Processor {
	p.publisher = pub
	return p
}

// WithClock sets the clock used for event timestamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Supports reports whether an event of this source and type has a pipeline.
func (p *Processor) Supports(sourceType, eventType string) bool {
	a, ok := p.adapters[sourceType]
	return ok && a.Supports(eventType)
}

// Process runs the event's pipeline. Completed and failed events are left
// alone, so redelivery of a finished event is a no-op. A run error rolls
// back every write of the run and is persisted on the event.
func (p *Processor) Process(ctx context.Context, eventID string) (pipeline.RunSummary, error) {
	readCtx, cancel := database.QueryContext(ctx)
	event, err := p.store.GetEvent(readCtx, eventID)
	cancel()
	if err != nil {
		return pipeline.RunSummary{}, fmt.Errorf("load event %s: %w", eventID, err)
	}

	logger := p.logger.With(
		logging.EventID(event.ID),
		logging.TenantID(event.TenantID),
		logging.SourceType(event.SourceType),
		logging.EventType(event.EventType))

	if event.Status != models.EventPending {
		logger.Info("skipping event that is not pending", slog.String("status", string(event.Status)))
		return pipeline.RunSummary{EventID: event.ID, Status: event.Status}, nil
	}

	adapter, ok := p.adapters[event.SourceType]
	if !ok || !adapter.Supports(event.EventType) {
		err := fmt.Errorf("%w: %s %q", pipeline.ErrUnsupportedEvent, event.SourceType, event.EventType)
		return p.finishFailed(ctx, logger, event, pipeline.RunSummary{}, err)
	}
	pl, err := adapter.Pipeline(event)
	if err != nil {
		return p.finishFailed(ctx, logger, event, pipeline.RunSummary{}, err)
	}
	if p.observer != nil {
		pl = pl.WithObserver(p.observer)
	}

	var (
		summary pipeline.RunSummary
		owner   models.EventStatus
	)
	err = p.store.InTx(ctx, func(tx repository.Store) error {
		claimed, err := tx.ClaimEvent(ctx, event.ID)
		if errors.Is(err, repository.ErrLocked) {
			owner = models.EventProcessing
			return errNotPending
		}
		if err != nil {
			return err
		}
		if claimed.Status != models.EventPending {
			owner = claimed.Status
			return errNotPending
		}
		pc := pipeline.NewContext(tx, claimed, logger)
		pc.Clock = p.now
		if err := adapter.Prepare(ctx, pc); err != nil {
			return fmt.Errorf("prepare %s run: %w", event.SourceType, err)
		}
		var runErr error
		summary, runErr = pl.Run(ctx, pc)
		return runErr
	})
	if errors.Is(err, errNotPending) {
		logger.Info("event is owned by another run", slog.String("status", string(owner)))
		return pipeline.RunSummary{EventID: event.ID, Status: owner}, nil
	}
	if err != nil {
		if summary.EventID == "" {
			summary = pipeline.RunSummary{Pipeline: pl.Name()}
		}
		return p.finishFailed(ctx, logger, event, summary, err)
	}

	p.processed.Add(1)
	p.report(ctx, logger, summary)
	return summary, nil
}

// finishFailed persists the failure outside the rolled-back run.
func (p *Processor) finishFailed(ctx context.Context, logger *slog.Logger, event *models.EventRecord, summary pipeline.RunSummary, cause error) (pipeline.RunSummary, error) {
	p.failed.Add(1)
	now := p.now()

	// The run's context may already be cancelled; the failure must still
	// be written.
	writeCtx, cancel := database.WriteContext(context.WithoutCancel(ctx))
	defer cancel()

	err := p.store.InTx(writeCtx, func(tx repository.Store) error {
		fresh, err := tx.GetEvent(writeCtx, event.ID)
		if err != nil {
			return err
		}
		if err := fresh.Fail(now, cause); err != nil {
			return err
		}
		*event = *fresh
		return tx.UpdateEvent(writeCtx, fresh)
	})
	if err != nil {
		logger.Error("failed to record event failure", logging.Error(err), slog.String("cause", cause.Error()))
	} else {
		logger.Warn("event failed", logging.Error(cause))
	}

	summary.EventID = event.ID
	summary.TenantID = event.TenantID
	summary.SourceType = event.SourceType
	summary.EventType = event.EventType
	summary.Status = models.EventFailed
	summary.Error = cause.Error()
	if summary.StartedAt.IsZero() {
		summary.StartedAt = now
	}
	p.report(ctx, logger, summary)
	return summary, cause
}

func (p *Processor) report(ctx context.Context, logger *slog.Logger, s pipeline.RunSummary) {
	if p.observer != nil {
		p.observer.ObserveRun(s)
	}

	ctx = context.WithoutCancel(ctx)
	if err := p.indexer.IndexRun(ctx, s); err != nil {
		logger.Warn("failed to index run summary", logging.Error(err))
	}
	if p.publisher != nil {
		data, err := json.Marshal(s)
		if err == nil {
			err = p.publisher.Publish(ctx, messaging.SubjectEngineProcessedEvents+"."+s.SourceType, data)
		}
		if err != nil {
			logger.Warn("failed to publish run summary", logging.Error(err))
		}
	}
}

// Retry resets a completed or failed event to pending. The caller
// dispatches it again.
func (p *Processor) Retry(ctx context.Context, eventID string) (*models.EventRecord, error) {
	var event *models.EventRecord
	err := p.store.InTx(ctx, func(tx repository.Store) error {
		e, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := e.Retry(); err != nil {
			return err
		}
		if err := tx.UpdateEvent(ctx, e); err != nil {
			return fmt.Errorf("reset event %s: %w", e.ID, err)
		}
		event = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("event reset for retry", logging.EventID(event.ID), slog.Int("retry_count", event.RetryCount))
	return event, nil
}

// IsPermanent reports whether reprocessing err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, pipeline.ErrUnsupportedEvent) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, models.ErrInvalidTransition)
}

// Stats is a snapshot of processor counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
}

// Health returns live counters for health checks.
func (p *Processor) Health() Stats {
	return Stats{
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
	}
}
