package models

import (
	"fmt"
	"time"
)

// ProjectStatus values.
const (
	ProjectPlanning  = "planning"
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

// Project is a product-development project on a canvas.
type Project struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CanvasID     string    `json:"canvas_id"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage,omitempty"`
	CreatedByID  string    `json:"created_by_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// AcceptsProposals reports whether workflow analysis runs for the project.
func (p *Project) AcceptsProposals() bool {
	return p.Status == ProjectPlanning || p.Status == ProjectActive
}

// Artifact status values.
const (
	ArtifactDraft    = "draft"
	ArtifactInReview = "in_review"
	ArtifactApproved = "approved"
	ArtifactArchived = "archived"
)

// Artifact is a living project document.
type Artifact struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	ContentFormat  string    `json:"content_format"`
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	VersionCounter int       `json:"version_counter"`
	CurrentOwnerID *string   `json:"current_owner_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BumpVersion increments the version counter and derives the version string.
func (a *Artifact) BumpVersion(now time.Time) {
	a.VersionCounter++
	a.Version = VersionString(a.VersionCounter)
	a.UpdatedAt = now
}

// ArtifactVersion is an immutable snapshot of an Artifact. VersionNumber is
// unique per artifact.
type ArtifactVersion struct {
	ID               string    `json:"id"`
	ArtifactID       string    `json:"artifact_id"`
	Version          string    `json:"version"`
	VersionNumber    int       `json:"version_number"`
	Content          string    `json:"content"`
	ContentFormat    string    `json:"content_format"`
	Status           string    `json:"status"`
	ChangeSummary    string    `json:"change_summary,omitempty"`
	ChangeProposalID *string   `json:"change_proposal_id,omitempty"`
	CreatedByID      string    `json:"created_by_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// VersionString derives the human-readable version from a version counter.
// Counter 1 is "1.0"; each tenth version rolls the major number.
func VersionString(counter int) string {
	if counter < 1 {
		counter = 1
	}
	n := counter - 1
	return fmt.Sprintf("%d.%d", 1+n/10, n%10)
}

// SnapshotVersion captures the artifact's current content as a version.
func (a *Artifact) SnapshotVersion(id, createdBy, summary string, proposalID *string, now time.Time) *ArtifactVersion {
	return &ArtifactVersion{
		ID:               id,
		ArtifactID:       a.ID,
		Version:          a.Version,
		VersionNumber:    a.VersionCounter,
		Content:          a.Content,
		ContentFormat:    a.ContentFormat,
		Status:           a.Status,
		ChangeSummary:    summary,
		ChangeProposalID: proposalID,
		CreatedByID:      createdBy,
		CreatedAt:        now,
	}
}
