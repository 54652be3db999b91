package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

var webhookEvents = []string{EventIssueCreated, EventIssueUpdated, EventIssueDeleted}

// Adapter turns Jira events into pipeline runs.
type Adapter struct {
	webhook *pipeline.Pipeline
	imports *pipeline.Pipeline
	push    *pipeline.Pipeline
}

// NewAdapter builds the Jira pipelines. workflow, when non-nil, runs after
// the issue has been synced.
func NewAdapter(r *reconcile.Reconciler, api API, workflow pipeline.Job) *Adapter {
	webhookJobs := []pipeline.Job{IssueSyncJob{Reconciler: r}, IssueDeleteJob{Reconciler: r}}
	if workflow != nil {
		webhookJobs = append(webhookJobs, workflow)
	}
	return &Adapter{
		webhook: pipeline.New("jira_webhook", webhookJobs...),
		imports: pipeline.New("jira_import", BulkImportJob{Reconciler: r, API: api}),
		push:    pipeline.New("jira_push", PushJob{Reconciler: r, API: api}),
	}
}

func (a *Adapter) SourceType() string { return models.SourceJira }

// Supports reports whether eventType is handled.
func (a *Adapter) Supports(eventType string) bool {
	return slices.Contains(webhookEvents, eventType) || eventType == EventBulkImport || eventType == EventPush
}

func (a *Adapter) Pipeline(event *models.EventRecord) (*pipeline.Pipeline, error) {
	switch {
	case slices.Contains(webhookEvents, event.EventType):
		return a.webhook, nil
	case event.EventType == EventBulkImport:
		return a.imports, nil
	case event.EventType == EventPush:
		return a.push, nil
	}
	return nil, fmt.Errorf("%w: jira %q", pipeline.ErrUnsupportedEvent, event.EventType)
}

// Prepare loads the tenant's Jira connection and decodes the event payload
// into the run context.
func (a *Adapter) Prepare(ctx context.Context, pc *pipeline.Context) error {
	conn, err := pc.Store.GetConnection(ctx, pc.TenantID, models.SourceJira)
	switch {
	case err == nil:
		pc.Connection = conn
		pc.CanvasID = conn.CanvasID
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("load jira connection: %w", err)
	}

	switch pc.Event.EventType {
	case EventBulkImport:
		var req ImportRequest
		if err := json.Unmarshal(pc.Event.Payload, &req); err != nil {
			return fmt.Errorf("decode import request: %w", err)
		}
		pc.Import = &pipeline.ImportMeta{JQL: req.JQL, MaxResults: req.MaxResults}
		if req.CanvasID != "" {
			pc.CanvasID = req.CanvasID
		}
	case EventPush:
		var req PushRequest
		if err := json.Unmarshal(pc.Event.Payload, &req); err != nil {
			return fmt.Errorf("decode push request: %w", err)
		}
		pc.Push = &pipeline.PushMeta{WorkItemID: req.WorkItemID, ProjectKey: req.ProjectKey, IssueType: req.IssueType}
	default:
		var payload WebhookPayload
		if err := json.Unmarshal(pc.Event.Payload, &payload); err != nil {
			return fmt.Errorf("decode webhook: %w", err)
		}
		issue, err := ParseIssue(payload.Issue)
		if err != nil {
			return err
		}
		siteURL := ""
		if pc.Connection != nil {
			siteURL = pc.Connection.SiteURL
		}
		meta := issue.Meta(siteURL)
		pc.Issue = &meta
	}
	return nil
}
