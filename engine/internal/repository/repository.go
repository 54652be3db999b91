// Package repository persists engine state.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/merlinhq/merlin/engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable wraps connection-level failures.
	ErrUnavailable = errors.New("store unavailable")

	// ErrLocked is returned when another transaction holds the row.
	ErrLocked = errors.New("locked by another transaction")
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	TenantID   string
	SourceType string
	Status     models.EventStatus
	Limit      int
	Offset     int
}

// WorkItemFilter narrows ListWorkItems.
type WorkItemFilter struct {
	TenantID string
	Source   string
	CanvasID string
	Limit    int
	Offset   int
}

// ProposalFilter narrows ListProposals.
type ProposalFilter struct {
	TenantID     string
	ProjectID    string
	ArtifactID   string
	Status       models.ProposalStatus
	AssignedToID string
	Limit        int
	Offset       int
}

// Store is the engine's unit of work. Stores returned inside InTx share the
// enclosing transaction.
type Store interface {
	// InTx runs fn in a transaction. Nested calls create savepoints, so an
	// inner failure rolls back only the inner writes.
	InTx(ctx context.Context, fn func(Store) error) error

	CreateEvent(ctx context.Context, e *models.EventRecord) error
	GetEvent(ctx context.Context, id string) (*models.EventRecord, error)
	// ClaimEvent reads an event and reserves it for the enclosing
	// transaction. It must be called inside InTx and returns ErrLocked
	// while another run holds the event.
	ClaimEvent(ctx context.Context, id string) (*models.EventRecord, error)
	UpdateEvent(ctx context.Context, e *models.EventRecord) error
	ListEvents(ctx context.Context, f EventFilter) ([]*models.EventRecord, error)

	CreateWorkItem(ctx context.Context, w *models.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error)
	GetWorkItemBySource(ctx context.Context, tenantID, source, sourceID string) (*models.WorkItem, error)
	UpdateWorkItem(ctx context.Context, w *models.WorkItem) error
	ListWorkItems(ctx context.Context, f WorkItemFilter) ([]*models.WorkItem, error)
	// UpdateWorkItemSource rewrites the natural key of an existing item.
	UpdateWorkItemSource(ctx context.Context, id, source, sourceID, sourceURL string, metadata map[string]any) error
	LinkWorkItemNode(ctx context.Context, workItemID, nodeID string) error

	CreateNode(ctx context.Context, n *models.Node) error
	ListNodes(ctx context.Context, tenantID, canvasID string) ([]*models.Node, error)

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjectsByCanvas(ctx context.Context, tenantID, canvasID string) ([]*models.Project, error)

	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
	// ListArtifacts returns the project's artifacts ordered by name, without
	// archived ones unless includeArchived is set.
	ListArtifacts(ctx context.Context, projectID string, includeArchived bool) ([]*models.Artifact, error)
	UpdateArtifact(ctx context.Context, a *models.Artifact) error

	CreateArtifactVersion(ctx context.Context, v *models.ArtifactVersion) error
	ListArtifactVersions(ctx context.Context, artifactID string) ([]*models.ArtifactVersion, error)

	CreateProposal(ctx context.Context, p *models.ChangeProposal) error
	GetProposal(ctx context.Context, id string) (*models.ChangeProposal, error)
	UpdateProposal(ctx context.Context, p *models.ChangeProposal) error
	DeleteProposal(ctx context.Context, id string) error
	ListProposals(ctx context.Context, f ProposalFilter) ([]*models.ChangeProposal, error)
	// ListExpiredProposals returns open proposals whose expiry is before now.
	ListExpiredProposals(ctx context.Context, now time.Time) ([]*models.ChangeProposal, error)

	CreateImpactAnalysis(ctx context.Context, r *models.ImpactAnalysisRecord) error
	GetImpactAnalysis(ctx context.Context, proposalID string) (*models.ImpactAnalysisRecord, error)

	GetConnection(ctx context.Context, tenantID, provider string) (*models.Connection, error)
	SaveConnection(ctx context.Context, c *models.Connection) error

	Ping(ctx context.Context) error
}
