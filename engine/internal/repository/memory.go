package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/merlinhq/merlin/engine/internal/models"
)

type memoryState struct {
	events      map[string]models.EventRecord
	workItems   map[string]models.WorkItem
	nodes       map[string]models.Node
	projects    map[string]models.Project
	artifacts   map[string]models.Artifact
	versions    map[string]models.ArtifactVersion
	proposals   map[string]models.ChangeProposal
	impacts     map[string]models.ImpactAnalysisRecord // keyed by proposal id
	connections map[string]models.Connection
}

func newMemoryState() *memoryState {
	return &memoryState{
		events:      make(map[string]models.EventRecord),
		workItems:   make(map[string]models.WorkItem),
		nodes:       make(map[string]models.Node),
		projects:    make(map[string]models.Project),
		artifacts:   make(map[string]models.Artifact),
		versions:    make(map[string]models.ArtifactVersion),
		proposals:   make(map[string]models.ChangeProposal),
		impacts:     make(map[string]models.ImpactAnalysisRecord),
		connections: make(map[string]models.Connection),
	}
}

// clone copies the maps. Values are stored by value with their slices and
// maps copied on write, so a shallow map copy is a full snapshot.
func (s *memoryState) clone() *memoryState {
	return &memoryState{
		events:      maps.Clone(s.events),
		workItems:   maps.Clone(s.workItems),
		nodes:       maps.Clone(s.nodes),
		projects:    maps.Clone(s.projects),
		artifacts:   maps.Clone(s.artifacts),
		versions:    maps.Clone(s.versions),
		proposals:   maps.Clone(s.proposals),
		impacts:     maps.Clone(s.impacts),
		connections: maps.Clone(s.connections),
	}
}

// MemoryStore keeps everything in process memory. Transactions roll back by
// restoring a snapshot; they are not isolated from concurrent writers.
// Use it for tests and single-user development only.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// InTx restores a snapshot of the whole store when fn fails. Writes
// committed by other goroutines in the meantime are lost with it, so a
// failing run under the in-process dispatcher can erase concurrent runs and
// API writes.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func copyIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return slices.Clone(ids)
}

func copyEvent(e models.EventRecord) *models.EventRecord {
	e.Payload = slices.Clone(e.Payload)
	e.CreatedWorkItemIDs = copyIDs(e.CreatedWorkItemIDs)
	e.CreatedNodeIDs = copyIDs(e.CreatedNodeIDs)
	e.Results = maps.Clone(e.Results)
	return &e
}

func copyWorkItem(w models.WorkItem) *models.WorkItem {
	w.Tags = copyIDs(w.Tags)
	w.ManualTags = copyIDs(w.ManualTags)
	w.LinkedNodeIDs = copyIDs(w.LinkedNodeIDs)
	w.Metadata = copyMeta(w.Metadata)
	return &w
}

func copyProposal(p models.ChangeProposal) *models.ChangeProposal {
	p.ProposedChanges.Sections = slices.Clone(p.ProposedChanges.Sections)
	p.ImpactContext.OtherArtifacts = slices.Clone(p.ImpactContext.OtherArtifacts)
	p.ImpactContext.Timeline = copyMeta(p.ImpactContext.Timeline)
	return &p
}

// =============================================================================
// EVENT RECORDS
// =============================================================================

func (s *MemoryStore) CreateEvent(ctx context.Context, e *models.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.events[e.ID]; exists {
		return fmt.Errorf("event %s: %w", e.ID, ErrConflict)
	}
	s.state.events[e.ID] = *copyEvent(*e)
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.state.events[id]
	if !exists {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return copyEvent(e), nil
}

// ClaimEvent marks a pending event processing in place, so writes are
// visible at once and a second claim sees ErrLocked. A rolled back
// transaction restores it to pending.
func (s *MemoryStore) ClaimEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.state.events[id]
	if !exists {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	switch e.Status {
	case models.EventProcessing:
		return nil, fmt.Errorf("claim event %s: %w", id, ErrLocked)
	case models.EventPending:
		claimed := *copyEvent(e)
		claimed.Status = models.EventProcessing
		s.state.events[id] = claimed
	}
	return copyEvent(e), nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, e *models.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.events[e.ID]; !exists {
		return fmt.Errorf("event %s: %w", e.ID, ErrNotFound)
	}
	s.state.events[e.ID] = *copyEvent(*e)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]*models.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*models.EventRecord
	for _, e := range s.state.events {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.SourceType != "" && e.SourceType != f.SourceType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		events = append(events, copyEvent(e))
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return page(events, f.Limit, f.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(items) {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

// =============================================================================
// WORK ITEMS
// =============================================================================

func naturalKey(tenantID, source, sourceID string) string {
	return strings.Join([]string{tenantID, source, sourceID}, "\x00")
}

func (s *MemoryStore) findBySource(tenantID, source, sourceID string) (models.WorkItem, bool) {
	key := naturalKey(tenantID, source, sourceID)
	for _, w := range s.state.workItems {
		if w.SourceID != "" && naturalKey(w.TenantID, w.Source, w.SourceID) == key {
			return w, true
		}
	}
	return models.WorkItem{}, false
}

func (s *MemoryStore) CreateWorkItem(ctx context.Context, w *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.workItems[w.ID]; exists {
		return fmt.Errorf("work item %s: %w", w.ID, ErrConflict)
	}
	if w.SourceID != "" {
		if _, exists := s.findBySource(w.TenantID, w.Source, w.SourceID); exists {
			return fmt.Errorf("work item %s/%s: %w", w.Source, w.SourceID, ErrConflict)
		}
	}
	s.state.workItems[w.ID] = *copyWorkItem(*w)
	return nil
}

func (s *MemoryStore) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.state.workItems[id]
	if !exists {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return copyWorkItem(w), nil
}

func (s *MemoryStore) GetWorkItemBySource(ctx context.Context, tenantID, source, sourceID string) (*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.findBySource(tenantID, source, sourceID)
	if !exists {
		return nil, fmt.Errorf("work item %s/%s: %w", source, sourceID, ErrNotFound)
	}
	return copyWorkItem(w), nil
}

func (s *MemoryStore) ListWorkItems(ctx context.Context, f WorkItemFilter) ([]*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.WorkItem
	for _, w := range s.state.workItems {
		if f.TenantID != "" && w.TenantID != f.TenantID {
			continue
		}
		if f.Source != "" && w.Source != f.Source {
			continue
		}
		if f.CanvasID != "" && (w.CanvasID == nil || *w.CanvasID != f.CanvasID) {
			continue
		}
		items = append(items, copyWorkItem(w))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return page(items, f.Limit, f.Offset), nil
}

func (s *MemoryStore) UpdateWorkItem(ctx context.Context, w *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.state.workItems[w.ID]
	if !exists {
		return fmt.Errorf("work item %s: %w", w.ID, ErrNotFound)
	}
	updated := *copyWorkItem(*w)
	// Internally owned and key fields are not written by updates.
	updated.ManualTags = current.ManualTags
	updated.LinkedNodeIDs = current.LinkedNodeIDs
	updated.Source = current.Source
	updated.SourceID = current.SourceID
	updated.TenantID = current.TenantID
	updated.OwnerID = current.OwnerID
	updated.CreatedAt = current.CreatedAt
	s.state.workItems[w.ID] = updated
	return nil
}

func (s *MemoryStore) UpdateWorkItemSource(ctx context.Context, id, source, sourceID, sourceURL string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.state.workItems[id]
	if !exists {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if other, taken := s.findBySource(w.TenantID, source, sourceID); taken && other.ID != id {
		return fmt.Errorf("work item %s/%s: %w", source, sourceID, ErrConflict)
	}
	w.Source = source
	w.SourceID = sourceID
	w.SourceURL = sourceURL
	w.Metadata = copyMeta(metadata)
	w.UpdatedAt = time.Now().UTC()
	s.state.workItems[id] = w
	return nil
}

func (s *MemoryStore) LinkWorkItemNode(ctx context.Context, workItemID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.state.workItems[workItemID]
	if !exists {
		return fmt.Errorf("work item %s: %w", workItemID, ErrNotFound)
	}
	if slices.Contains(w.LinkedNodeIDs, nodeID) {
		return nil
	}
	w.LinkedNodeIDs = append(copyIDs(w.LinkedNodeIDs), nodeID)
	s.state.workItems[workItemID] = w
	return nil
}

// =============================================================================
// NODES
// =============================================================================

func (s *MemoryStore) CreateNode(ctx context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.nodes[n.ID]; exists {
		return fmt.Errorf("node %s: %w", n.ID, ErrConflict)
	}
	node := *n
	node.Metadata = copyMeta(n.Metadata)
	s.state.nodes[n.ID] = node
	return nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, tenantID, canvasID string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*models.Node
	for _, n := range s.state.nodes {
		if n.TenantID == tenantID && n.CanvasID == canvasID {
			n.Metadata = copyMeta(n.Metadata)
			nodes = append(nodes, &n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })
	return nodes, nil
}

// =============================================================================
// PROJECTS AND ARTIFACTS
// =============================================================================

func (s *MemoryStore) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.projects[p.ID]; exists {
		return fmt.Errorf("project %s: %w", p.ID, ErrConflict)
	}
	s.state.projects[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.state.projects[id]
	if !exists {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListProjectsByCanvas(ctx context.Context, tenantID, canvasID string) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var projects []*models.Project
	for _, p := range s.state.projects {
		if p.TenantID == tenantID && p.CanvasID == canvasID {
			projects = append(projects, &p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.artifacts[a.ID]; exists {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrConflict)
	}
	s.state.artifacts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.state.artifacts[id]
	if !exists {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, projectID string, includeArchived bool) ([]*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var artifacts []*models.Artifact
	for _, a := range s.state.artifacts {
		if a.ProjectID != projectID {
			continue
		}
		if !includeArchived && a.Status == models.ArtifactArchived {
			continue
		}
		artifacts = append(artifacts, &a)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].Name == artifacts[j].Name {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

func (s *MemoryStore) UpdateArtifact(ctx context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.artifacts[a.ID]; !exists {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	s.state.artifacts[a.ID] = *a
	return nil
}

func (s *MemoryStore) CreateArtifactVersion(ctx context.Context, v *models.ArtifactVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.versions {
		if existing.ArtifactID == v.ArtifactID && existing.VersionNumber == v.VersionNumber {
			return fmt.Errorf("version %d of artifact %s: %w", v.VersionNumber, v.ArtifactID, ErrConflict)
		}
	}
	s.state.versions[v.ID] = *v
	return nil
}

func (s *MemoryStore) ListArtifactVersions(ctx context.Context, artifactID string) ([]*models.ArtifactVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []*models.ArtifactVersion
	for _, v := range s.state.versions {
		if v.ArtifactID == artifactID {
			versions = append(versions, &v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
	return versions, nil
}

// =============================================================================
// CHANGE PROPOSALS
// =============================================================================

func (s *MemoryStore) CreateProposal(ctx context.Context, p *models.ChangeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrConflict)
	}
	s.state.proposals[p.ID] = *copyProposal(*p)
	return nil
}

func (s *MemoryStore) GetProposal(ctx context.Context, id string) (*models.ChangeProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.state.proposals[id]
	if !exists {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return copyProposal(p), nil
}

func (s *MemoryStore) UpdateProposal(ctx context.Context, p *models.ChangeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.proposals[p.ID]; !exists {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	s.state.proposals[p.ID] = *copyProposal(*p)
	return nil
}

func (s *MemoryStore) DeleteProposal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.proposals[id]; !exists {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	delete(s.state.proposals, id)
	delete(s.state.impacts, id)
	return nil
}

func (s *MemoryStore) ListProposals(ctx context.Context, f ProposalFilter) ([]*models.ChangeProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proposals []*models.ChangeProposal
	for _, p := range s.state.proposals {
		switch {
		case f.TenantID != "" && p.TenantID != f.TenantID,
			f.ProjectID != "" && p.ProjectID != f.ProjectID,
			f.ArtifactID != "" && p.ArtifactID != f.ArtifactID,
			f.Status != "" && p.Status != f.Status,
			f.AssignedToID != "" && (p.AssignedToID == nil || *p.AssignedToID != f.AssignedToID):
			continue
		}
		proposals = append(proposals, copyProposal(p))
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].CreatedAt.Equal(proposals[j].CreatedAt) {
			return proposals[i].ID < proposals[j].ID
		}
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})
	return page(proposals, f.Limit, f.Offset), nil
}

func (s *MemoryStore) ListExpiredProposals(ctx context.Context, now time.Time) ([]*models.ChangeProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proposals []*models.ChangeProposal
	for _, p := range s.state.proposals {
		if p.Status.Open() && p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			proposals = append(proposals, copyProposal(p))
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ExpiresAt.Before(*proposals[j].ExpiresAt) })
	return proposals, nil
}

func (s *MemoryStore) CreateImpactAnalysis(ctx context.Context, r *models.ImpactAnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.proposals[r.ChangeProposalID]; !exists {
		return fmt.Errorf("proposal %s: %w", r.ChangeProposalID, ErrNotFound)
	}
	if _, exists := s.state.impacts[r.ChangeProposalID]; exists {
		return fmt.Errorf("impact analysis for proposal %s: %w", r.ChangeProposalID, ErrConflict)
	}
	record := *r
	record.AffectedArtifacts = slices.Clone(r.AffectedArtifacts)
	record.DependencyChanges = copyIDs(r.DependencyChanges)
	record.TimelineImpact = copyMeta(r.TimelineImpact)
	s.state.impacts[r.ChangeProposalID] = record
	return nil
}

func (s *MemoryStore) GetImpactAnalysis(ctx context.Context, proposalID string) (*models.ImpactAnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.state.impacts[proposalID]
	if !exists {
		return nil, fmt.Errorf("impact analysis for proposal %s: %w", proposalID, ErrNotFound)
	}
	return &r, nil
}

// =============================================================================
// CONNECTIONS
// =============================================================================

func (s *MemoryStore) GetConnection(ctx context.Context, tenantID, provider string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.state.connections[tenantID+"/"+provider]
	if !exists {
		return nil, fmt.Errorf("%s connection for tenant %s: %w", provider, tenantID, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.connections[c.TenantID+"/"+c.Provider] = *c
	return nil
}
