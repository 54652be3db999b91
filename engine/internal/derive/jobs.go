package derive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
)

const (
	JobMeetingNotes   = "meeting_notes"
	JobTaskExtraction = "task_extraction"
	JobNodeCreation   = "node_creation"
	JobNodeLinking    = "node_linking"
)

// MeetingNotesJob runs the extractor over the run's transcript.
type MeetingNotesJob struct {
	pipeline.Always
	Extractor Extractor
}

func (MeetingNotesJob) Name() string { return JobMeetingNotes }

func (j MeetingNotesJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Transcript == "" {
		return pipeline.Skip("no transcript available")
	}
	topic, participants := "Meeting", []string(nil)
	if pc.Meeting != nil {
		if pc.Meeting.Topic != "" {
			topic = pc.Meeting.Topic
		}
		participants = pc.Meeting.Participants
	}

	ex, err := j.Extractor.Extract(ctx, pc.Transcript, topic, participants)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("generate meeting notes: %w", err))
	}
	apply(pc, ex)
	return pipeline.Complete("generated meeting notes", map[string]any{
		"summary_length": len(pc.Summary),
		"key_points":     len(pc.KeyPoints),
		"tasks":          len(pc.ActionItems),
		"decisions":      len(pc.Decisions),
	})
}

func apply(pc *pipeline.Context, ex Extraction) {
	pc.Summary = ex.Summary
	pc.KeyPoints = ex.KeyPoints
	pc.ActionItems = ex.ActionItems
	pc.Decisions = ex.Decisions
}

// TaskExtractionJob turns action items into work items. Each item is keyed
// by the originating record and its position, so a redelivered event
// updates rather than duplicates.
type TaskExtractionJob struct {
	pipeline.Always
	Reconciler *reconcile.Reconciler
}

func (TaskExtractionJob) Name() string { return JobTaskExtraction }

func (j TaskExtractionJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if len(pc.ActionItems) == 0 {
		return pipeline.Skip("no action items to process")
	}
	base := originID(pc)

	ids := make([]string, 0, len(pc.ActionItems))
	for i, item := range pc.ActionItems {
		ext := reconcile.ExternalItem{
			Source:        pc.Event.SourceType,
			SourceID:      fmt.Sprintf("%s#%d", base, i+1),
			Title:         item.Task,
			Description:   item.Description,
			Status:        models.WorkItemPending,
			Priority:      reconcile.Priority(item.Priority),
			AssigneeName:  item.Assignee,
			AssigneeEmail: item.AssigneeEmail,
			DueDate:       parseDueDate(item.DueDate),
			DueDateText:   item.DueDate,
			CanvasID:      pc.CanvasID,
			Context:       item.Context,
			Metadata: map[string]any{
				"extracted_from":  pc.Event.EventType,
				"extraction_date": pc.Now().Format(time.RFC3339),
				"event_id":        pc.Event.ID,
			},
		}
		if strings.TrimSpace(ext.Title) == "" {
			ext.Title = "Untitled Task"
		}
		w, _, err := j.Reconciler.Upsert(ctx, pc.Store, pc.TenantID, pc.ActorID, ext)
		if err != nil {
			return pipeline.Fail(fmt.Errorf("create task %d: %w", i+1, err))
		}
		pc.AddWorkItem(w)
		ids = append(ids, w.ID)
	}
	return pipeline.Complete(fmt.Sprintf("created %d tasks", len(ids)), map[string]any{"task_ids": ids})
}

// originID identifies the record the action items came from.
func originID(pc *pipeline.Context) string {
	switch {
	case pc.Meeting != nil && pc.Meeting.ID != "":
		return pc.Meeting.ID
	case pc.Message != nil && pc.Message.TS != "":
		return pc.Message.Channel + ":" + pc.Message.TS
	case pc.Event.ExternalID != nil && *pc.Event.ExternalID != "":
		return *pc.Event.ExternalID
	}
	return pc.Event.ID
}

func parseDueDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// NodeCreationJob writes the meeting notes document onto the target canvas.
type NodeCreationJob struct{}

func (NodeCreationJob) Name() string { return JobNodeCreation }

func (NodeCreationJob) ShouldRun(pc *pipeline.Context) bool { return pc.CanvasID != "" }

func (NodeCreationJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Summary == "" {
		return pipeline.Skip("no summary to publish")
	}

	header := NotesHeader{Topic: "Meeting Notes", Source: pc.Event.SourceType}
	metadata := map[string]any{
		"source":         pc.Event.SourceType,
		"input_event_id": pc.Event.ID,
	}
	if m := pc.Meeting; m != nil {
		if m.Topic != "" {
			header.Topic = m.Topic
		}
		header.Duration = m.Duration
		header.Participants = m.Participants
		if t, err := time.Parse(time.RFC3339, m.StartTime); err == nil {
			header.Date = &t
		}
		metadata["meeting_id"] = m.ID
	}

	node := &models.Node{
		ID:       models.NewID(),
		TenantID: pc.TenantID,
		CanvasID: pc.CanvasID,
		Name:     header.Topic,
		Type:     models.NodeTypeDoc,
		Content: FormatMeetingNotes(header, Extraction{
			Summary:     pc.Summary,
			KeyPoints:   pc.KeyPoints,
			ActionItems: pc.ActionItems,
			Decisions:   pc.Decisions,
		}),
		Metadata:  metadata,
		CreatedBy: pc.ActorID,
		CreatedAt: pc.Now(),
	}
	if err := pc.Store.CreateNode(ctx, node); err != nil {
		return pipeline.Fail(fmt.Errorf("create notes node: %w", err))
	}
	pc.DocNode = node
	pc.Nodes = append(pc.Nodes, node)
	return pipeline.Complete("created 1 node", map[string]any{"node_ids": []string{node.ID}})
}

// NodeLinkingJob links the run's work items to related canvas nodes.
type NodeLinkingJob struct{}

func (NodeLinkingJob) Name() string { return JobNodeLinking }

func (NodeLinkingJob) ShouldRun(pc *pipeline.Context) bool {
	return len(pc.WorkItems) > 0 && pc.CanvasID != ""
}

func (NodeLinkingJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	nodes, err := pc.Store.ListNodes(ctx, pc.TenantID, pc.CanvasID)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("list canvas nodes: %w", err))
	}
	if len(nodes) == 0 {
		return pipeline.Skip("no nodes on canvas to link to")
	}

	vocab := make([]map[string]struct{}, len(nodes))
	for i, n := range nodes {
		vocab[i] = nodeWords(n)
	}

	links := 0
	for _, w := range pc.WorkItems {
		title := words(w.Title)
		for i, n := range nodes {
			isDoc := pc.DocNode != nil && n.ID == pc.DocNode.ID
			if !isDoc && overlap(title, vocab[i]) < 2 {
				continue
			}
			if err := pc.Store.LinkWorkItemNode(ctx, w.ID, n.ID); err != nil {
				return pipeline.Fail(fmt.Errorf("link %s to node %s: %w", w.ID, n.ID, err))
			}
			links++
		}
	}
	pc.Logger.Debug("linked work items to nodes",
		logging.Job(JobNodeLinking), slog.Int("links", links))
	return pipeline.Complete(fmt.Sprintf("created %d task-node links", links), map[string]any{"links_created": links})
}

func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// nodeWords is the node name plus the first 100 words of its content.
func nodeWords(n *models.Node) map[string]struct{} {
	set := words(n.Name)
	content := strings.Fields(strings.ToLower(n.Content))
	if len(content) > 100 {
		content = content[:100]
	}
	for _, w := range content {
		set[w] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
