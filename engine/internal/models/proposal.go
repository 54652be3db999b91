package models

import (
	"fmt"
	"time"
)

// ProposalStatus is the approval state of a ChangeProposal.
type ProposalStatus string

const (
	ProposalPending     ProposalStatus = "pending"
	ProposalUnderReview ProposalStatus = "under_review"
	ProposalApproved    ProposalStatus = "approved"
	ProposalRejected    ProposalStatus = "rejected"
	ProposalSuperseded  ProposalStatus = "superseded"
	ProposalExpired     ProposalStatus = "expired"
)

// Open reports whether the proposal still awaits a decision.
func (s ProposalStatus) Open() bool {
	return s == ProposalPending || s == ProposalUnderReview
}

// Deletable reports whether a proposal in this status may be removed.
func (s ProposalStatus) Deletable() bool {
	return s == ProposalRejected || s == ProposalSuperseded
}

// ChangeType classifies a proposed change.
type ChangeType string

const (
	ChangeNewRequirement    ChangeType = "new_requirement"
	ChangeUpdateRequirement ChangeType = "update_requirement"
	ChangeRemoveRequirement ChangeType = "remove_requirement"
	ChangeTimeline          ChangeType = "timeline_change"
	ChangeScope             ChangeType = "scope_change"
	ChangeTechnical         ChangeType = "technical_change"
	ChangeDesign            ChangeType = "design_change"
	ChangeContentUpdate     ChangeType = "content_update"
	ChangeClarification     ChangeType = "clarification"
)

// Severity of a proposed change.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Section is one proposed section edit.
type Section struct {
	Section  string `json:"section"`
	Action   string `json:"action"`
	Content  string `json:"content"`
	Position string `json:"position,omitempty"`
}

// ProposedChanges is the structured diff attached to a proposal.
type ProposedChanges struct {
	Sections    []Section `json:"sections"`
	Summary     string    `json:"summary"`
	AISuggested bool      `json:"ai_suggested"`
}

// AffectedArtifact describes another artifact touched by the same trigger.
type AffectedArtifact struct {
	ArtifactID string   `json:"artifact_id"`
	Name       string   `json:"name"`
	Severity   Severity `json:"severity"`
}

// ImpactContext gives reviewers the cross-artifact picture.
type ImpactContext struct {
	Timeline       map[string]any     `json:"timeline"`
	OtherArtifacts []AffectedArtifact `json:"other_artifacts"`
}

// ChangeProposal is one AI-suggested modification to one Artifact.
type ChangeProposal struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	ArtifactID       string          `json:"artifact_id"`
	ProjectID        string          `json:"project_id"`
	EventID          *string         `json:"event_id,omitempty"`
	TriggeredByType  string          `json:"triggered_by_type"`
	TriggeredByID    string          `json:"triggered_by_id"`
	TriggeredByURL   string          `json:"triggered_by_url,omitempty"`
	ChangeType       ChangeType      `json:"change_type"`
	Severity         Severity        `json:"severity"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	ProposedChanges  ProposedChanges `json:"proposed_changes"`
	AIRationale      string          `json:"ai_rationale"`
	AIConfidence     int             `json:"ai_confidence"`
	ImpactContext    ImpactContext   `json:"impact_context"`
	Status           ProposalStatus  `json:"status"`
	AssignedToID     *string         `json:"assigned_to_id,omitempty"`
	ReviewedByID     *string         `json:"reviewed_by_id,omitempty"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNotes      string          `json:"review_notes,omitempty"`
	AppliedAt        *time.Time      `json:"applied_at,omitempty"`
	CreatedVersionID *string         `json:"created_version_id,omitempty"`
	SupersededByID   *string         `json:"superseded_by_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// StartReview moves a pending proposal to under_review.
func (p *ChangeProposal) StartReview(reviewer string, now time.Time) error {
	if p.Status != ProposalPending {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = ProposalUnderReview
	p.AssignedToID = &reviewer
	p.UpdatedAt = now
	return nil
}

// Approve stamps the decision and the version it produced.
func (p *ChangeProposal) Approve(reviewer, notes, versionID string, now time.Time) error {
	if !p.Status.Open() {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = ProposalApproved
	p.ReviewedByID = &reviewer
	p.ReviewedAt = &now
	p.ReviewNotes = notes
	p.AppliedAt = &now
	p.CreatedVersionID = &versionID
	p.UpdatedAt = now
	return nil
}

// Reject stamps a rejection.
func (p *ChangeProposal) Reject(reviewer, notes string, now time.Time) error {
	if !p.Status.Open() {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = ProposalRejected
	p.ReviewedByID = &reviewer
	p.ReviewedAt = &now
	p.ReviewNotes = notes
	p.UpdatedAt = now
	return nil
}

// Supersede marks the proposal replaced by a newer one on the same artifact.
func (p *ChangeProposal) Supersede(newerID string, now time.Time) error {
	if !p.Status.Open() {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = ProposalSuperseded
	p.SupersededByID = &newerID
	p.UpdatedAt = now
	return nil
}

// Expire closes an open proposal past its expiry.
func (p *ChangeProposal) Expire(now time.Time) error {
	if !p.Status.Open() {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
		return fmt.Errorf("%w: proposal %s has not expired", ErrInvalidTransition, p.ID)
	}
	p.Status = ProposalExpired
	p.UpdatedAt = now
	return nil
}

// RiskAssessment summarizes analysis risk.
type RiskAssessment struct {
	OverallRisk Severity `json:"overall_risk"`
	Risks       []string `json:"risks"`
}

// ImpactAnalysisRecord holds the full analysis output behind one proposal.
type ImpactAnalysisRecord struct {
	ID                string             `json:"id"`
	ChangeProposalID  string             `json:"change_proposal_id"`
	AffectedArtifacts []AffectedArtifact `json:"affected_artifacts"`
	TimelineImpact    map[string]any     `json:"timeline_impact,omitempty"`
	DependencyChanges []string           `json:"dependency_changes"`
	RiskAssessment    RiskAssessment     `json:"risk_assessment"`
	Model             string             `json:"model,omitempty"`
	Confidence        int                `json:"confidence"`
	CreatedAt         time.Time          `json:"created_at"`
}
