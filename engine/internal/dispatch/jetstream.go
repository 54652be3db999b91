package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	natsclient "github.com/merlinhq/merlin/common/messaging/nats"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/processor"
)

// Stream is the default name of the dispatch work-queue stream.
const Stream = "MERLIN_EVENTS"

// envelope is the dispatch message body.
type envelope struct {
	EventID    string `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	SourceType string `json:"source_type"`
	EventType  string `json:"event_type"`
}

// StreamPublisher is the publishing half of a JetStream client.
type StreamPublisher interface {
	PublishSync(ctx context.Context, subject string, data []byte, msgID string) error
}

type jetStreamPublisher struct {
	js *natsclient.JetStreamClient
}

func (p jetStreamPublisher) PublishSync(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := p.js.PublishSync(ctx, subject, data, msgID)
	return err
}

// JetStream publishes event ids to a work-queue stream and processes them
// from a durable consumer shared by every engine replica. A run that fails
// on a transient error is reset and redelivered after a delay until the
// consumer's delivery limit is reached.
type JetStream struct {
	js        *natsclient.JetStreamClient
	publisher StreamPublisher
	runner    Runner
	stream    string
	consumer  natsclient.ConsumerConfig
	timeout   time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	stop func()
}

// NewJetStream declares the dispatch stream and its durable consumer.
func NewJetStream(ctx context.Context, js *natsclient.JetStreamClient, runner Runner, cfg config.NATSConfig, runTimeout time.Duration, logger *slog.Logger) (*JetStream, error) {
	d := newJetStream(jetStreamPublisher{js: js}, runner, cfg, runTimeout, logger)
	d.js = js

	if _, err := js.CreateOrUpdateStream(ctx, natsclient.EventDispatchStream(d.stream)); err != nil {
		return nil, err
	}
	if _, err := js.CreateOrUpdateConsumer(ctx, d.stream, d.consumer); err != nil {
		return nil, err
	}
	return d, nil
}

func newJetStream(pub StreamPublisher, runner Runner, cfg config.NATSConfig, runTimeout time.Duration, logger *slog.Logger) *JetStream {
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	stream := cfg.Stream
	if stream == "" {
		stream = Stream
	}
	name := cfg.Consumer
	if name == "" {
		name = messaging.QueueEngineWorkers
	}

	consumer := natsclient.DefaultConsumerConfig(name, messaging.SubjectEngineDispatchEvents+".>")
	if cfg.MaxDeliver > 0 {
		consumer.MaxDeliver = cfg.MaxDeliver
	}
	if cfg.AckWait > 0 {
		consumer.AckWait = cfg.AckWait
	}
	if cfg.RedeliverDelay > 0 {
		consumer.NakDelay = cfg.RedeliverDelay
	}
	// A run must finish before the broker gives up on the ack.
	if consumer.AckWait < runTimeout {
		consumer.AckWait = runTimeout + time.Minute
	}

	return &JetStream{
		publisher: pub,
		runner:    runner,
		stream:    stream,
		consumer:  consumer,
		timeout:   runTimeout,
		logger:    logger.With(logging.Component("dispatch")),
	}
}

// Dispatch publishes the event id. The event id doubles as the message id,
// so repeated dispatches inside the duplicate window are dropped by the
// broker.
func (d *JetStream) Dispatch(ctx context.Context, event *models.EventRecord) error {
	data, err := json.Marshal(envelope{
		EventID:    event.ID,
		TenantID:   event.TenantID,
		SourceType: event.SourceType,
		EventType:  event.EventType,
	})
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%s-%d", event.ID, event.RetryCount)
	if err := d.publisher.PublishSync(ctx, messaging.DispatchSubject(event.SourceType), data, msgID); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Start begins consuming dispatched events.
func (d *JetStream) Start(ctx context.Context) error {
	stop, err := d.js.ConsumeMessages(ctx, d.stream, d.consumer, d.handle)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.stop = stop
	d.mu.Unlock()
	d.logger.Info("consuming dispatched events",
		slog.String("stream", d.stream), slog.String("consumer", d.consumer.Name))
	return nil
}

// Shutdown stops consuming. Messages in flight are redelivered to another
// replica once their ack wait expires.
func (d *JetStream) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	return nil
}

func (d *JetStream) handle(ctx context.Context, msg *messaging.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.EventID == "" {
		return messaging.Permanent(fmt.Errorf("malformed dispatch message on %s", msg.Subject))
	}
	logger := d.logger.With(logging.EventID(env.EventID), slog.Uint64("delivery", msg.Deliveries))

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.runner.Process(runCtx, env.EventID)
	switch {
	case err == nil:
		return nil
	case processor.IsPermanent(err):
		return messaging.Permanent(err)
	case d.consumer.MaxDeliver > 0 && msg.Deliveries >= uint64(d.consumer.MaxDeliver):
		logger.Error("giving up on event after final delivery", logging.Error(err))
		return messaging.Permanent(err)
	}

	// The failed run left the event failed; reset it so the redelivery runs
	// the pipeline again.
	if _, retryErr := d.runner.Retry(context.WithoutCancel(ctx), env.EventID); retryErr != nil {
		logger.Error("failed to reset event for redelivery", logging.Error(retryErr))
		return messaging.Permanent(err)
	}
	logger.Warn("event run failed, redelivering", logging.Error(err))
	return err
}
