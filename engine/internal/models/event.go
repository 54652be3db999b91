// Package models provides the engine's domain types and their state transitions.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Source types.
const (
	SourceJira   = "jira"
	SourceZoom   = "zoom"
	SourceSlack  = "slack"
	SourceManual = "manual"
)

// EventStatus is the processing state of an EventRecord.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// Terminal reports whether no further processing happens without a retry.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventFailed
}

// JobResult is the persisted snapshot of one job outcome.
type JobResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventRecord is the ledger entry for one external occurrence. Records are
// never deleted.
type EventRecord struct {
	ID                 string               `json:"id"`
	TenantID           string               `json:"tenant_id"`
	ActorID            string               `json:"actor_id"`
	SourceType         string               `json:"source_type"`
	EventType          string               `json:"event_type"`
	ExternalID         *string              `json:"external_id,omitempty"`
	Payload            json.RawMessage      `json:"payload"`
	Status             EventStatus          `json:"status"`
	RetryCount         int                  `json:"retry_count"`
	CreatedWorkItemIDs []string             `json:"created_work_item_ids"`
	CreatedNodeIDs     []string             `json:"created_node_ids"`
	Results            map[string]JobResult `json:"results,omitempty"`
	Error              string               `json:"error,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
}

// Start moves a pending event to processing.
func (e *EventRecord) Start(now time.Time) error {
	if e.Status != EventPending {
		return fmt.Errorf("%w: event %s is %s, cannot start", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = EventProcessing
	e.StartedAt = &now
	e.Error = ""
	return nil
}

// Complete finishes a processing event with the ids it created and the
// per-job results.
func (e *EventRecord) Complete(now time.Time, workItemIDs, nodeIDs []string, results map[string]JobResult) error {
	if e.Status != EventProcessing {
		return fmt.Errorf("%w: event %s is %s, cannot complete", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = EventCompleted
	e.CreatedWorkItemIDs = nonNil(workItemIDs)
	e.CreatedNodeIDs = nonNil(nodeIDs)
	e.Results = results
	e.CompletedAt = &now
	return nil
}

// Fail records a run-level failure. A pending event may fail directly when
// its run could not start.
func (e *EventRecord) Fail(now time.Time, cause error) error {
	if e.Status != EventProcessing && e.Status != EventPending {
		return fmt.Errorf("%w: event %s is %s, cannot fail", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = EventFailed
	if cause != nil {
		e.Error = cause.Error()
	}
	e.CompletedAt = &now
	return nil
}

// Retry resets a terminal event to pending and counts the attempt.
func (e *EventRecord) Retry() error {
	if !e.Status.Terminal() {
		return fmt.Errorf("%w: event %s is %s, cannot retry", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = EventPending
	e.RetryCount++
	e.Error = ""
	e.StartedAt = nil
	e.CompletedAt = nil
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
