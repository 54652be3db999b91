package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/derive"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// Webhook event types.
const (
	EventMeetingEnded       = "meeting.ended"
	EventRecordingCompleted = "recording.completed"

	// EventURLValidation is Zoom's endpoint challenge; it never becomes an
	// event record.
	EventURLValidation = "endpoint.url_validation"
)

const JobTranscript = "transcript_extraction"

// Meeting is the meeting object of a webhook payload.
type Meeting struct {
	ID        json.Number `json:"id"`
	UUID      string      `json:"uuid"`
	Topic     string      `json:"topic"`
	StartTime string      `json:"start_time"`
	Duration  int         `json:"duration"`
	HostID    string      `json:"host_id"`
	HostEmail string      `json:"host_email"`
}

// WebhookPayload is the body Zoom posts.
type WebhookPayload struct {
	Event   string `json:"event"`
	EventTS int64  `json:"event_ts"`
	Payload struct {
		AccountID  string  `json:"account_id"`
		PlainToken string  `json:"plainToken"`
		Object     Meeting `json:"object"`
	} `json:"payload"`
}

// TranscriptJob parses the downloaded transcript into segments.
type TranscriptJob struct {
	pipeline.Always
}

func (TranscriptJob) Name() string { return JobTranscript }

func (TranscriptJob) Execute(_ context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.RawContent == "" {
		return pipeline.Skip("no raw content to process")
	}
	pc.Transcript = pc.RawContent
	pc.Segments = nil
	if IsVTT(pc.RawContent) {
		pc.Segments = ParseVTT(pc.RawContent)
		pc.Transcript = FlattenSegments(pc.Segments)
	}
	return pipeline.Complete(fmt.Sprintf("extracted %d transcript segments", len(pc.Segments)),
		map[string]any{"segment_count": len(pc.Segments)})
}

// Adapter turns Zoom meeting events into pipeline runs.
type Adapter struct {
	fetcher      TranscriptFetcher
	fetchTimeout time.Duration
	pipeline     *pipeline.Pipeline
}

func NewAdapter(fetcher TranscriptFetcher, fetchTimeout time.Duration, extractor derive.Extractor, r *reconcile.Reconciler) *Adapter {
	if fetchTimeout <= 0 {
		fetchTimeout = 60 * time.Second
	}
	return &Adapter{
		fetcher:      fetcher,
		fetchTimeout: fetchTimeout,
		pipeline: pipeline.New("zoom_meeting",
			TranscriptJob{},
			derive.MeetingNotesJob{Extractor: extractor},
			derive.TaskExtractionJob{Reconciler: r},
			derive.NodeCreationJob{},
			derive.NodeLinkingJob{},
		),
	}
}

func (a *Adapter) SourceType() string { return models.SourceZoom }

func (a *Adapter) Supports(eventType string) bool {
	return eventType == EventMeetingEnded || eventType == EventRecordingCompleted
}

func (a *Adapter) Pipeline(event *models.EventRecord) (*pipeline.Pipeline, error) {
	if !a.Supports(event.EventType) {
		return nil, fmt.Errorf("%w: zoom %q", pipeline.ErrUnsupportedEvent, event.EventType)
	}
	return a.pipeline, nil
}

// Prepare decodes the meeting and downloads its transcript. A failed
// download leaves the raw content empty so the transcript jobs skip.
func (a *Adapter) Prepare(ctx context.Context, pc *pipeline.Context) error {
	var payload WebhookPayload
	if err := json.Unmarshal(pc.Event.Payload, &payload); err != nil {
		return fmt.Errorf("decode zoom webhook: %w", err)
	}
	m := payload.Payload.Object
	pc.Meeting = &pipeline.MeetingMeta{
		ID:        m.ID.String(),
		UUID:      m.UUID,
		Topic:     m.Topic,
		HostEmail: m.HostEmail,
		StartTime: m.StartTime,
		Duration:  m.Duration,
	}
	if pc.Meeting.Topic == "" {
		pc.Meeting.Topic = "Meeting"
	}

	conn, err := pc.Store.GetConnection(ctx, pc.TenantID, models.SourceZoom)
	switch {
	case err == nil:
		pc.Connection = conn
		pc.CanvasID = conn.CanvasID
	case errors.Is(err, repository.ErrNotFound):
		pc.Logger.Warn("no zoom connection, transcript not fetched", logging.TenantID(pc.TenantID))
		return nil
	default:
		return fmt.Errorf("load zoom connection: %w", err)
	}

	if m.UUID == "" || a.fetcher == nil {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()
	transcript, err := a.fetcher.FetchTranscript(fetchCtx, conn, m.UUID)
	if err != nil {
		pc.Logger.Warn("failed to fetch transcript",
			slog.String("meeting_uuid", m.UUID), logging.Error(err))
		pc.RawContent = ""
		return nil
	}
	pc.RawContent = transcript
	return nil
}
