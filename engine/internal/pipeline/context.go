package pipeline

import (
	"log/slog"
	"time"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// Segment is one timed transcript cue.
type Segment struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
}

// ActionItem is a task extracted from free text.
type ActionItem struct {
	Task          string `json:"task"`
	Assignee      string `json:"assignee,omitempty"`
	AssigneeEmail string `json:"assignee_email,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Description   string `json:"description,omitempty"`
	Context       string `json:"context,omitempty"`
}

// IssueMeta is an issue-tracker issue as received from the source.
type IssueMeta struct {
	ID            string
	Key           string
	ProjectKey    string
	IssueType     string
	Summary       string
	Description   string
	Status        string
	Priority      string
	AssigneeName  string
	AssigneeEmail string
	DueDate       string
	Labels        []string
	URL           string
	Created       string
}

// MeetingMeta describes a recorded meeting.
type MeetingMeta struct {
	ID            string
	UUID          string
	Topic         string
	HostEmail     string
	StartTime     string
	Duration      int
	Participants  []string
	TranscriptURL string
}

// MessageMeta describes a chat message.
type MessageMeta struct {
	Channel   string
	User      string
	Text      string
	TS        string
	ThreadTS  string
	Permalink string
}

// ImportMeta parameterizes a bulk pull from the source.
type ImportMeta struct {
	JQL        string
	MaxResults int
}

// PushMeta parameterizes creating an external record for a work item.
type PushMeta struct {
	WorkItemID string
	ProjectKey string
	IssueType  string
}

// Context is the per-run state threaded through a pipeline. Jobs read what
// earlier jobs wrote; it is never persisted directly.
type Context struct {
	Store    repository.Store
	Logger   *slog.Logger
	ActorID  string
	TenantID string
	Event    *models.EventRecord

	// Connection is the already-refreshed handle for the event's source.
	Connection *models.Connection

	// CanvasID is empty when the run has no target canvas.
	CanvasID string

	RawContent  string
	Transcript  string
	Segments    []Segment
	Summary     string
	KeyPoints   []string
	ActionItems []ActionItem
	Decisions   []string

	// WorkItems holds every work item created or updated by this run.
	WorkItems []*models.WorkItem
	Nodes     []*models.Node
	DocNode   *models.Node

	Issue   *IssueMeta
	Meeting *MeetingMeta
	Message *MessageMeta
	Import  *ImportMeta
	Push    *PushMeta

	// Clock defaults to time.Now in UTC.
	Clock func() time.Time

	results map[string]Outcome
}

// NewContext creates a run context for event.
func NewContext(store repository.Store, event *models.EventRecord, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Store:    store,
		Logger:   logger,
		ActorID:  event.ActorID,
		TenantID: event.TenantID,
		Event:    event,
		results:  make(map[string]Outcome),
	}
}

// Now returns the run clock's current time.
func (pc *Context) Now() time.Time {
	if pc.Clock != nil {
		return pc.Clock()
	}
	return time.Now().UTC()
}

// Result returns the outcome of an earlier job in this run.
func (pc *Context) Result(job string) (Outcome, bool) {
	o, ok := pc.results[job]
	return o, ok
}

// AddWorkItem records a work item touched by the run, once per id.
func (pc *Context) AddWorkItem(w *models.WorkItem) {
	for i, existing := range pc.WorkItems {
		if existing.ID == w.ID {
			pc.WorkItems[i] = w
			return
		}
	}
	pc.WorkItems = append(pc.WorkItems, w)
}

// WorkItemIDs lists the ids of WorkItems in order.
func (pc *Context) WorkItemIDs() []string {
	ids := make([]string, 0, len(pc.WorkItems))
	for _, w := range pc.WorkItems {
		ids = append(ids, w.ID)
	}
	return ids
}

// NodeIDs lists the ids of Nodes in order.
func (pc *Context) NodeIDs() []string {
	ids := make([]string, 0, len(pc.Nodes))
	for _, n := range pc.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

type checkpoint struct {
	workItems []*models.WorkItem
	nodes     int
	docNode   *models.Node
}

// checkpoint captures the created-entity lists so a rolled back job leaves
// no ids behind.
func (pc *Context) checkpoint() checkpoint {
	return checkpoint{
		workItems: append([]*models.WorkItem(nil), pc.WorkItems...),
		nodes:     len(pc.Nodes),
		docNode:   pc.DocNode,
	}
}

func (pc *Context) restore(cp checkpoint) {
	pc.WorkItems = cp.workItems
	pc.Nodes = pc.Nodes[:cp.nodes]
	pc.DocNode = cp.docNode
}
