package jira

import (
	"context"
	"errors"
	"fmt"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

const (
	JobIssueSync   = "jira_issue_sync"
	JobIssueDelete = "jira_issue_delete"
	JobBulkImport  = "jira_bulk_import"
	JobPush        = "push_task_to_jira"
)

// API is the part of the Jira REST API the jobs use.
type API interface {
	SearchIssues(ctx context.Context, conn *models.Connection, jql string, startAt, maxResults int) (*SearchResult, error)
	CreateIssue(ctx context.Context, conn *models.Connection, in IssueInput) (*CreatedIssue, error)
}

func cloudID(pc *pipeline.Context) string {
	if pc.Connection == nil {
		return ""
	}
	return pc.Connection.SiteID
}

// IssueSyncJob upserts the work item for the event's issue.
type IssueSyncJob struct {
	Reconciler *reconcile.Reconciler
}

func (IssueSyncJob) Name() string { return JobIssueSync }

func (IssueSyncJob) ShouldRun(pc *pipeline.Context) bool {
	return pc.Event.EventType != EventIssueDeleted
}

func (j IssueSyncJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Issue == nil || pc.Issue.Key == "" {
		return pipeline.Skip("no issue data provided")
	}
	item := ExternalItem(*pc.Issue, cloudID(pc), pc.CanvasID)
	w, action, err := j.Reconciler.Upsert(ctx, pc.Store, pc.TenantID, pc.ActorID, item)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("sync %s: %w", pc.Issue.Key, err))
	}
	pc.AddWorkItem(w)
	return pipeline.Complete(fmt.Sprintf("%s work item for %s", action, pc.Issue.Key), map[string]any{
		"work_item_id": w.ID,
		"action":       string(action),
	})
}

// IssueDeleteJob cancels the work item of a deleted issue.
type IssueDeleteJob struct {
	Reconciler *reconcile.Reconciler
}

func (IssueDeleteJob) Name() string { return JobIssueDelete }

func (IssueDeleteJob) ShouldRun(pc *pipeline.Context) bool {
	return pc.Event.EventType == EventIssueDeleted
}

func (j IssueDeleteJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Issue == nil || pc.Issue.Key == "" {
		return pipeline.Skip("no issue key provided")
	}
	w, err := j.Reconciler.Cancel(ctx, pc.Store, pc.TenantID, models.SourceJira, pc.Issue.Key)
	if errors.Is(err, repository.ErrNotFound) {
		return pipeline.Skip(fmt.Sprintf("no work item found for %s", pc.Issue.Key))
	}
	if err != nil {
		return pipeline.Fail(err)
	}
	pc.AddWorkItem(w)
	return pipeline.Complete(fmt.Sprintf("marked work item for %s as cancelled", pc.Issue.Key), map[string]any{
		"work_item_id": w.ID,
	})
}

// BulkImportJob pages through a JQL search and upserts every issue.
type BulkImportJob struct {
	Reconciler *reconcile.Reconciler
	API        API
}

func (BulkImportJob) Name() string { return JobBulkImport }

func (BulkImportJob) ShouldRun(pc *pipeline.Context) bool { return pc.Import != nil }

func (j BulkImportJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Import.JQL == "" {
		return pipeline.Skip("no JQL query provided")
	}
	if pc.Connection == nil {
		return pipeline.Failf("no jira connection for tenant %s", pc.TenantID)
	}
	if pc.Connection.SiteID == "" {
		return pipeline.Fail(ErrNoSite)
	}

	conn := pc.Connection
	pager := reconcile.PagerFunc(func(ctx context.Context, startAt, maxResults int) ([]reconcile.ExternalItem, int, error) {
		page, err := j.API.SearchIssues(ctx, conn, pc.Import.JQL, startAt, maxResults)
		if err != nil {
			return nil, 0, err
		}
		items := make([]reconcile.ExternalItem, 0, len(page.Issues))
		for _, issue := range page.Issues {
			items = append(items, ExternalItem(issue.Meta(conn.SiteURL), conn.SiteID, pc.CanvasID))
		}
		return items, page.Total, nil
	})

	result, err := j.Reconciler.Import(ctx, pc.Store, pc.TenantID, pc.ActorID, pager, pc.Import.MaxResults)
	for _, w := range result.WorkItems {
		pc.AddWorkItem(w)
	}
	if err != nil {
		return pipeline.Fail(fmt.Errorf("bulk import: %w", err))
	}
	return pipeline.Complete(
		fmt.Sprintf("imported %d new, updated %d existing work items", result.Imported, result.Updated),
		map[string]any{
			"imported":        result.Imported,
			"updated":         result.Updated,
			"failed":          result.Failed,
			"total_processed": result.Processed(),
		})
}

// PushJob creates a Jira issue for a local work item and rekeys the item to
// it.
type PushJob struct {
	Reconciler *reconcile.Reconciler
	API        API
}

func (PushJob) Name() string { return JobPush }

func (PushJob) ShouldRun(pc *pipeline.Context) bool { return pc.Push != nil }

func (j PushJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if pc.Push.WorkItemID == "" || pc.Push.ProjectKey == "" {
		return pipeline.Skip("missing work item id or project key")
	}
	if pc.Connection == nil {
		return pipeline.Failf("no jira connection for tenant %s", pc.TenantID)
	}
	if pc.Connection.SiteID == "" {
		return pipeline.Fail(ErrNoSite)
	}

	w, err := pc.Store.GetWorkItem(ctx, pc.Push.WorkItemID)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("load work item %s: %w", pc.Push.WorkItemID, err))
	}
	if w.Source == models.SourceJira {
		return pipeline.Skip("work item is already from jira")
	}

	in := IssueInput{
		ProjectKey:  pc.Push.ProjectKey,
		IssueType:   pc.Push.IssueType,
		Summary:     w.Title,
		Description: w.Description,
		Priority:    reconcile.PriorityToJira(w.Priority),
		Labels:      w.Tags,
	}
	if w.DueDate != nil {
		in.DueDate = w.DueDate.Format("2006-01-02")
	}
	created, err := j.API.CreateIssue(ctx, pc.Connection, in)
	if err != nil {
		return pipeline.Fail(err)
	}

	url := ""
	if pc.Connection.SiteURL != "" {
		url = BrowseURL(pc.Connection.SiteURL, created.Key)
	}
	err = j.Reconciler.MarkPushed(ctx, pc.Store, w, models.SourceJira, created.Key, url, map[string]any{
		"jira_issue_id": created.ID,
		"jira_project":  pc.Push.ProjectKey,
		"jira_cloud_id": pc.Connection.SiteID,
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	pc.AddWorkItem(w)
	return pipeline.Complete(fmt.Sprintf("created jira issue %s", created.Key), map[string]any{
		"work_item_id": w.ID,
		"issue_key":    created.Key,
		"issue_id":     created.ID,
	})
}
