package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	"github.com/merlinhq/merlin/common/middleware"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

type fakeRunner struct {
	mu         sync.Mutex
	processed  []string
	retried    []string
	requestIDs []string
	err        error
	retryErr   error
	release    chan struct{}
	deadline   bool
}

func (r *fakeRunner) Process(ctx context.Context, eventID string) (pipeline.RunSummary, error) {
	if r.release != nil {
		<-r.release
	}
	_, hasDeadline := ctx.Deadline()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, eventID)
	r.requestIDs = append(r.requestIDs, middleware.GetRequestID(ctx))
	r.deadline = hasDeadline
	return pipeline.RunSummary{EventID: eventID}, r.err
}

func (r *fakeRunner) Retry(_ context.Context, eventID string) (*models.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, eventID)
	return &models.EventRecord{ID: eventID, Status: models.EventPending}, r.retryErr
}

func (r *fakeRunner) snapshot() (processed, retried []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...), append([]string(nil), r.retried...)
}

func event(id string) *models.EventRecord {
	return &models.EventRecord{ID: id, TenantID: "tenant-1", SourceType: models.SourceJira, EventType: "jira:issue_created"}
}

func TestInProcessRunsDetachedFromRequest(t *testing.T) {
	runner := &fakeRunner{}
	d := NewInProcess(runner, time.Minute, logging.Discard())

	ctx, cancel := context.WithCancel(middleware.WithRequestID(context.Background(), "req-42"))
	require.NoError(t, d.Dispatch(ctx, event("evt-1")))
	cancel()
	d.Wait()

	processed, _ := runner.snapshot()
	assert.Equal(t, []string{"evt-1"}, processed)
	assert.Equal(t, []string{"req-42"}, runner.requestIDs)
	assert.True(t, runner.deadline, "runs are bounded by the run timeout")
}

func TestInProcessShutdown(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	d := NewInProcess(runner, time.Minute, logging.Discard())
	require.NoError(t, d.Dispatch(context.Background(), event("evt-1")))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Shutdown(short), context.DeadlineExceeded)

	require.ErrorIs(t, d.Dispatch(context.Background(), event("evt-2")), ErrClosed)

	close(runner.release)
	require.NoError(t, d.Shutdown(context.Background()))
	processed, _ := runner.snapshot()
	assert.Equal(t, []string{"evt-1"}, processed)
}

func TestInProcessLogsRunErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	d := NewInProcess(runner, 0, logging.Discard())
	require.NoError(t, d.Dispatch(context.Background(), event("evt-1")))
	d.Wait()
	assert.Equal(t, DefaultRunTimeout, d.timeout)
}

type capturePublisher struct {
	subject string
	data    []byte
	msgID   string
	err     error
}

func (p *capturePublisher) PublishSync(_ context.Context, subject string, data []byte, msgID string) error {
	p.subject, p.data, p.msgID = subject, data, msgID
	return p.err
}

func TestJetStreamDispatchPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	d := newJetStream(pub, &fakeRunner{}, config.NATSConfig{}, time.Minute, logging.Discard())

	e := event("evt-1")
	e.RetryCount = 2
	require.NoError(t, d.Dispatch(context.Background(), e))

	assert.Equal(t, "engine.dispatch.events.jira", pub.subject)
	assert.Equal(t, "evt-1-2", pub.msgID)

	var env envelope
	require.NoError(t, json.Unmarshal(pub.data, &env))
	assert.Equal(t, envelope{EventID: "evt-1", TenantID: "tenant-1", SourceType: "jira", EventType: "jira:issue_created"}, env)

	pub.err = errors.New("no responders")
	require.ErrorContains(t, d.Dispatch(context.Background(), e), "publish event evt-1")
}

func TestJetStreamConsumerConfig(t *testing.T) {
	d := newJetStream(&capturePublisher{}, &fakeRunner{}, config.NATSConfig{
		Stream:         "EVENTS_TEST",
		Consumer:       "workers",
		MaxDeliver:     3,
		RedeliverDelay: time.Second,
	}, 30*time.Minute, logging.Discard())

	assert.Equal(t, "EVENTS_TEST", d.stream)
	assert.Equal(t, "workers", d.consumer.Name)
	assert.Equal(t, "engine.dispatch.events.>", d.consumer.FilterSubject)
	assert.Equal(t, 3, d.consumer.MaxDeliver)
	assert.Equal(t, time.Second, d.consumer.NakDelay)
	assert.Equal(t, 31*time.Minute, d.consumer.AckWait)
}

func TestJetStreamHandle(t *testing.T) {
	msg := func(deliveries uint64) *messaging.Message {
		return &messaging.Message{
			Subject:    "engine.dispatch.events.jira",
			Data:       []byte(`{"event_id":"evt-1","source_type":"jira"}`),
			Deliveries: deliveries,
		}
	}

	tests := []struct {
		name        string
		msg         *messaging.Message
		runErr      error
		retryErr    error
		wantErr     bool
		wantPerm    bool
		wantRetried bool
	}{
		{name: "success acks", msg: msg(1)},
		{name: "malformed body terminates", msg: &messaging.Message{Data: []byte("evt-1")}, wantErr: true, wantPerm: true},
		{name: "unsupported event terminates", msg: msg(1), runErr: pipeline.ErrUnsupportedEvent, wantErr: true, wantPerm: true},
		{name: "missing event terminates", msg: msg(1), runErr: repository.ErrNotFound, wantErr: true, wantPerm: true},
		{name: "transient failure resets and naks", msg: msg(1), runErr: repository.ErrUnavailable, wantErr: true, wantRetried: true},
		{name: "final delivery terminates", msg: msg(5), runErr: repository.ErrUnavailable, wantErr: true, wantPerm: true},
		{name: "reset failure terminates", msg: msg(2), runErr: repository.ErrUnavailable, retryErr: models.ErrInvalidTransition, wantErr: true, wantPerm: true, wantRetried: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr, retryErr: tt.retryErr}
			d := newJetStream(&capturePublisher{}, runner, config.NATSConfig{}, time.Minute, logging.Discard())

			err := d.handle(context.Background(), tt.msg)
			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantPerm, messaging.IsPermanent(err))
			}

			_, retried := runner.snapshot()
			if tt.wantRetried {
				assert.Equal(t, []string{"evt-1"}, retried)
			} else {
				assert.Empty(t, retried)
			}
		})
	}
}
