package jira

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/orchestrator"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
)

// Webhook event types.
const (
	EventIssueCreated = "jira:issue_created"
	EventIssueUpdated = "jira:issue_updated"
	EventIssueDeleted = "jira:issue_deleted"

	// EventBulkImport and EventPush are raised by the engine's own API.
	EventBulkImport = "jira:bulk_import"
	EventPush       = "jira:push"
)

type named struct {
	Name string `json:"name"`
}

type user struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Issue is the subset of a Jira issue the engine reads.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Self   string      `json:"self"`
	Fields IssueFields `json:"fields"`
}

type IssueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *named          `json:"status"`
	Priority    *named          `json:"priority"`
	Assignee    *user           `json:"assignee"`
	DueDate     string          `json:"duedate"`
	Labels      []string        `json:"labels"`
	IssueType   *named          `json:"issuetype"`
	Project     *struct {
		Key string `json:"key"`
	} `json:"project"`
	Created string `json:"created"`
}

// WebhookPayload is the body Jira posts for issue events.
type WebhookPayload struct {
	WebhookEvent string          `json:"webhookEvent"`
	Timestamp    int64           `json:"timestamp"`
	Issue        json.RawMessage `json:"issue"`
}

// ImportRequest is the payload of a bulk import event.
type ImportRequest struct {
	JQL        string `json:"jql"`
	MaxResults int    `json:"max_results,omitempty"`
	CanvasID   string `json:"canvas_id,omitempty"`
}

// PushRequest is the payload of a push event.
type PushRequest struct {
	WorkItemID string `json:"work_item_id"`
	ProjectKey string `json:"project_key"`
	IssueType  string `json:"issue_type,omitempty"`
}

// ParseIssue decodes one issue object.
func ParseIssue(raw json.RawMessage) (Issue, error) {
	var issue Issue
	if len(raw) == 0 {
		return issue, fmt.Errorf("issue missing from payload")
	}
	if err := json.Unmarshal(raw, &issue); err != nil {
		return issue, fmt.Errorf("decode issue: %w", err)
	}
	return issue, nil
}

func nameOf(n *named) string {
	if n == nil {
		return ""
	}
	return n.Name
}

// Meta flattens the issue. siteURL, when known, is used to build the
// browse link.
func (i Issue) Meta(siteURL string) pipeline.IssueMeta {
	f := i.Fields
	meta := pipeline.IssueMeta{
		ID:          i.ID,
		Key:         i.Key,
		IssueType:   nameOf(f.IssueType),
		Summary:     f.Summary,
		Description: ExtractADFText(f.Description),
		Status:      nameOf(f.Status),
		Priority:    nameOf(f.Priority),
		DueDate:     f.DueDate,
		Labels:      f.Labels,
		Created:     f.Created,
	}
	if f.Project != nil {
		meta.ProjectKey = f.Project.Key
	}
	if f.Assignee != nil {
		meta.AssigneeName = f.Assignee.DisplayName
		meta.AssigneeEmail = f.Assignee.EmailAddress
	}
	if siteURL != "" && i.Key != "" {
		meta.URL = BrowseURL(siteURL, i.Key)
	}
	return meta
}

// BrowseURL is the human link to an issue.
func BrowseURL(siteURL, key string) string {
	return strings.TrimRight(siteURL, "/") + "/browse/" + key
}

// ExternalItem maps an issue onto the reconciliation vocabulary.
func ExternalItem(meta pipeline.IssueMeta, cloudID, canvasID string) reconcile.ExternalItem {
	title := meta.Summary
	if strings.TrimSpace(title) == "" {
		title = "Untitled Issue"
	}
	item := reconcile.ExternalItem{
		Source:        models.SourceJira,
		SourceID:      meta.Key,
		SourceURL:     meta.URL,
		Title:         title,
		Description:   meta.Description,
		Status:        reconcile.StatusFromJira(meta.Status),
		Priority:      reconcile.PriorityFromJira(meta.Priority),
		AssigneeName:  meta.AssigneeName,
		AssigneeEmail: meta.AssigneeEmail,
		DueDateText:   meta.DueDate,
		Labels:        meta.Labels,
		CanvasID:      canvasID,
		Metadata: map[string]any{
			"jira_issue_id":   meta.ID,
			"jira_issue_type": meta.IssueType,
			"jira_project":    meta.ProjectKey,
		},
	}
	if meta.Created != "" {
		item.Metadata["jira_created_at"] = meta.Created
	}
	if cloudID != "" {
		item.Metadata["jira_cloud_id"] = cloudID
	}
	if meta.DueDate != "" {
		if t, err := time.Parse("2006-01-02", meta.DueDate); err == nil {
			item.DueDate = &t
		}
	}
	return item
}

// TriggerText describes the run's issue for impact analysis.
func TriggerText(pc *pipeline.Context) string {
	if pc.Issue == nil {
		return ""
	}
	issueType := pc.Issue.IssueType
	if issueType == "" {
		issueType = "Issue"
	}
	priority := pc.Issue.Priority
	if priority == "" {
		priority = "Medium"
	}
	return strings.TrimSpace(fmt.Sprintf("Jira %s: %s\nSummary: %s\nPriority: %s\nDescription: %s",
		issueType, pc.Issue.Key, pc.Issue.Summary, priority, pc.Issue.Description))
}

// WorkflowTrigger is TriggerText plus the issue's browse URL.
func WorkflowTrigger(pc *pipeline.Context) orchestrator.Trigger {
	t := orchestrator.Trigger{Text: TriggerText(pc)}
	if pc.Issue != nil {
		t.URL = pc.Issue.URL
	}
	return t
}

// WorkflowEventTypes are the events that feed impact analysis.
var WorkflowEventTypes = []string{EventIssueCreated, EventIssueUpdated}
