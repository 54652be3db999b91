// Package slack extracts action items from Slack messages delivered by the
// Events API.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/merlinhq/merlin/engine/internal/derive"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// Inner event types handled.
const (
	EventMessage    = "message"
	EventAppMention = "app_mention"
)

// Envelope types.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
)

const JobMessage = "slack_message"

// Envelope is the outer Events API body.
type Envelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge,omitempty"`
	TeamID    string       `json:"team_id,omitempty"`
	EventID   string       `json:"event_id,omitempty"`
	Event     MessageEvent `json:"event"`
}

// MessageEvent is the inner event of a message callback.
type MessageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Actionable reports whether the event is a human-authored message worth
// processing. Edits, joins and bot posts are ignored.
func (e MessageEvent) Actionable() bool {
	return e.BotID == "" && e.Subtype == "" && strings.TrimSpace(e.Text) != ""
}

// MessageJob runs the extractor over the message text.
type MessageJob struct {
	Extractor derive.Extractor
}

func (MessageJob) Name() string { return JobMessage }

func (MessageJob) ShouldRun(pc *pipeline.Context) bool { return pc.Message != nil }

func (j MessageJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if strings.TrimSpace(pc.Message.Text) == "" {
		return pipeline.Skip("empty message")
	}
	topic := "Slack message"
	if pc.Message.Channel != "" {
		topic = fmt.Sprintf("Slack message in #%s", pc.Message.Channel)
	}
	var participants []string
	if pc.Message.User != "" {
		participants = []string{pc.Message.User}
	}

	ex, err := j.Extractor.Extract(ctx, pc.Message.Text, topic, participants)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("extract from message: %w", err))
	}
	pc.Summary = ex.Summary
	pc.ActionItems = ex.ActionItems
	pc.Decisions = ex.Decisions
	return pipeline.Complete(fmt.Sprintf("found %d action items", len(ex.ActionItems)),
		map[string]any{"tasks": len(ex.ActionItems)})
}

// Adapter turns Slack message events into pipeline runs.
type Adapter struct {
	pipeline *pipeline.Pipeline
}

func NewAdapter(extractor derive.Extractor, r *reconcile.Reconciler) *Adapter {
	return &Adapter{
		pipeline: pipeline.New("slack_message",
			MessageJob{Extractor: extractor},
			derive.TaskExtractionJob{Reconciler: r},
			derive.NodeLinkingJob{},
		),
	}
}

func (a *Adapter) SourceType() string { return models.SourceSlack }

func (a *Adapter) Supports(eventType string) bool {
	return eventType == EventMessage || eventType == EventAppMention
}

func (a *Adapter) Pipeline(event *models.EventRecord) (*pipeline.Pipeline, error) {
	if !a.Supports(event.EventType) {
		return nil, fmt.Errorf("%w: slack %q", pipeline.ErrUnsupportedEvent, event.EventType)
	}
	return a.pipeline, nil
}

func (a *Adapter) Prepare(ctx context.Context, pc *pipeline.Context) error {
	var env Envelope
	if err := json.Unmarshal(pc.Event.Payload, &env); err != nil {
		return fmt.Errorf("decode slack event: %w", err)
	}
	e := env.Event
	pc.Message = &pipeline.MessageMeta{
		Channel:  e.Channel,
		User:     e.User,
		Text:     e.Text,
		TS:       e.TS,
		ThreadTS: e.ThreadTS,
	}
	pc.RawContent = e.Text

	conn, err := pc.Store.GetConnection(ctx, pc.TenantID, models.SourceSlack)
	switch {
	case err == nil:
		pc.Connection = conn
		pc.CanvasID = conn.CanvasID
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("load slack connection: %w", err)
	}
	return nil
}
