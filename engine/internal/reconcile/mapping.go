// Package reconcile keeps internal work items in step with external records.
package reconcile

import (
	"strings"

	"github.com/merlinhq/merlin/engine/internal/models"
)

// Defaults applied when an external value has no mapping.
const (
	DefaultStatus       = models.WorkItemPending
	DefaultPriority     = models.PriorityMedium
	DefaultJiraPriority = "Medium"
)

var jiraStatus = map[string]models.WorkItemStatus{
	"to do":       models.WorkItemPending,
	"open":        models.WorkItemPending,
	"in progress": models.WorkItemInProgress,
	"in review":   models.WorkItemInProgress,
	"done":        models.WorkItemCompleted,
	"closed":      models.WorkItemCompleted,
	"resolved":    models.WorkItemCompleted,
	"cancelled":   models.WorkItemCancelled,
	"won't do":    models.WorkItemCancelled,
}

var jiraPriority = map[string]models.Priority{
	"highest": models.PriorityUrgent,
	"high":    models.PriorityHigh,
	"medium":  models.PriorityMedium,
	"low":     models.PriorityLow,
	"lowest":  models.PriorityLow,
}

var toJiraPriority = map[models.Priority]string{
	models.PriorityUrgent: "Highest",
	models.PriorityHigh:   "High",
	models.PriorityMedium: "Medium",
	models.PriorityLow:    "Low",
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StatusFromJira maps a Jira status name, case-insensitively.
func StatusFromJira(name string) models.WorkItemStatus {
	if s, ok := jiraStatus[normalize(name)]; ok {
		return s
	}
	return DefaultStatus
}

// PriorityFromJira maps a Jira priority name, case-insensitively.
func PriorityFromJira(name string) models.Priority {
	if p, ok := jiraPriority[normalize(name)]; ok {
		return p
	}
	return DefaultPriority
}

// PriorityToJira maps an internal priority to the Jira priority name.
func PriorityToJira(p models.Priority) string {
	if name, ok := toJiraPriority[p]; ok {
		return name
	}
	return DefaultJiraPriority
}

// Priority validates a free-form priority against the internal vocabulary.
func Priority(p string) models.Priority {
	if models.ValidPriority(normalize(p)) {
		return models.Priority(normalize(p))
	}
	return DefaultPriority
}
