package slack

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/derive"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

type recordingExtractor struct {
	topic string
}

func (r *recordingExtractor) Extract(_ context.Context, transcript, topic string, _ []string) (derive.Extraction, error) {
	r.topic = topic
	return derive.Extraction{ActionItems: []pipeline.ActionItem{{Task: "Fix the invoice export", Priority: "urgent"}}}, nil
}

func TestActionable(t *testing.T) {
	assert.True(t, MessageEvent{Text: "can someone fix the export?"}.Actionable())
	assert.False(t, MessageEvent{Text: "hi", BotID: "B1"}.Actionable())
	assert.False(t, MessageEvent{Text: "hi", Subtype: "message_changed"}.Actionable())
	assert.False(t, MessageEvent{Text: "  "}.Actionable())
}

func TestAdapterCreatesTasksFromMessage(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveConnection(ctx, &models.Connection{TenantID: "tenant-1", Provider: models.SourceSlack, CanvasID: "canvas-1"}))
	require.NoError(t, store.CreateNode(ctx, &models.Node{ID: "node-1", TenantID: "tenant-1", CanvasID: "canvas-1", Name: "Invoice export spec", Type: models.NodeTypeDoc}))

	payload, err := json.Marshal(Envelope{Type: TypeEventCallback, Event: MessageEvent{
		Type: EventAppMention, Channel: "C42", User: "U7", Text: "<@merlin> please fix the invoice export today", TS: "1767225600.000100",
	}})
	require.NoError(t, err)
	event := &models.EventRecord{
		ID: models.NewID(), TenantID: "tenant-1", ActorID: "user-1", SourceType: models.SourceSlack,
		EventType: EventAppMention, Payload: payload, Status: models.EventPending,
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	ex := &recordingExtractor{}
	a := NewAdapter(ex, reconcile.New(logging.Discard()))
	p, err := a.Pipeline(event)
	require.NoError(t, err)
	pc := pipeline.NewContext(store, event, logging.Discard())
	require.NoError(t, a.Prepare(ctx, pc))

	summary, err := p.Run(ctx, pc)
	require.NoError(t, err)
	assert.Equal(t, models.EventCompleted, summary.Status)
	assert.Equal(t, "Slack message in #C42", ex.topic)

	w, err := store.GetWorkItemBySource(ctx, "tenant-1", models.SourceSlack, "C42:1767225600.000100#1")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, w.Priority)
	assert.Equal(t, []string{"node-1"}, w.LinkedNodeIDs)
	linking, _ := summary.Job(derive.JobNodeLinking)
	assert.Equal(t, 1, linking.Data["links_created"])
}

func TestAdapterRejectsUnknownEvent(t *testing.T) {
	a := NewAdapter(&recordingExtractor{}, reconcile.New(logging.Discard()))
	_, err := a.Pipeline(&models.EventRecord{EventType: "reaction_added"})
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedEvent)
}
