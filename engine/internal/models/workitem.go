package models

import "time"

// WorkItemStatus is the internal status vocabulary.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemCancelled  WorkItemStatus = "cancelled"
)

// Priority is the internal priority vocabulary.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is one of the internal priorities.
func ValidPriority(p string) bool {
	switch Priority(p) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MaxTitleLength bounds WorkItem titles in runes.
const MaxTitleLength = 500

// WorkItem is the reconciled internal record of external work. The natural
// key is (Source, SourceID, TenantID).
type WorkItem struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	OwnerID       string         `json:"owner_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Status        WorkItemStatus `json:"status"`
	Priority      Priority       `json:"priority"`
	AssigneeName  string         `json:"assignee_name,omitempty"`
	AssigneeEmail string         `json:"assignee_email,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	DueDateText   string         `json:"due_date_text,omitempty"`
	Tags          []string       `json:"tags"`
	Source        string         `json:"source"`
	SourceID      string         `json:"source_id,omitempty"`
	SourceURL     string         `json:"source_url,omitempty"`
	CanvasID      *string        `json:"canvas_id,omitempty"`
	Context       string         `json:"context,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Internally owned; resync never overwrites these.
	ManualTags    []string `json:"manual_tags"`
	LinkedNodeIDs []string `json:"linked_node_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a canvas node created from derived content.
type Node struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	CanvasID  string         `json:"canvas_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
}

// NodeTypeDoc is the node type used for generated documents.
const NodeTypeDoc = "doc"

// Connection is an already-refreshed handle to an external system.
type Connection struct {
	TenantID    string `json:"tenant_id"`
	Provider    string `json:"provider"`
	SiteID      string `json:"site_id,omitempty"`
	SiteURL     string `json:"site_url,omitempty"`
	AccessToken string `json:"-"`

	// CanvasID is where items synced through this connection are placed.
	CanvasID string `json:"canvas_id,omitempty"`
}
