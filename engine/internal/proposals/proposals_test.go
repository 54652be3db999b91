package proposals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

const tenant = "tenant-1"

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type decisions []models.ProposalStatus

func (d *decisions) ProposalDecided(s models.ProposalStatus) { *d = append(*d, s) }

func setup(t *testing.T, counter int) (*Service, *repository.MemoryStore, *models.Artifact) {
	t.Helper()
	store := repository.NewMemoryStore()
	a := &models.Artifact{
		ID: models.NewID(), TenantID: tenant, ProjectID: "project-1", Name: "PRD", Type: "prd",
		Content: "# PRD", ContentFormat: "markdown", Status: models.ArtifactApproved,
		Version: models.VersionString(counter), VersionCounter: counter,
	}
	require.NoError(t, store.CreateArtifact(context.Background(), a))
	svc := NewService(store, logging.Discard()).WithClock(func() time.Time { return fixedNow })
	return svc, store, a
}

func addProposal(t *testing.T, store repository.Store, artifactID string, status models.ProposalStatus, expires *time.Time) *models.ChangeProposal {
	t.Helper()
	p := &models.ChangeProposal{
		ID: models.NewID(), TenantID: tenant, ArtifactID: artifactID, ProjectID: "project-1",
		TriggeredByType: models.SourceJira, TriggeredByID: "PROJ-456",
		ChangeType: models.ChangeNewRequirement, Severity: models.SeverityHigh,
		Title: "Update PRD: New Requirement", Status: status,
		CreatedAt: fixedNow.Add(-time.Hour), UpdatedAt: fixedNow.Add(-time.Hour), ExpiresAt: expires,
	}
	require.NoError(t, store.CreateProposal(context.Background(), p))
	return p
}

func TestApproveBumpsVersionOnce(t *testing.T) {
	svc, store, artifact := setup(t, 3)
	var seen decisions
	svc = svc.WithObserver(&seen)
	p := addProposal(t, store, artifact.ID, models.ProposalPending, nil)

	approved, version, err := svc.Approve(context.Background(), p.ID, "reviewer-1", " looks right ")
	require.NoError(t, err)

	assert.Equal(t, models.ProposalApproved, approved.Status)
	assert.Equal(t, "reviewer-1", *approved.ReviewedByID)
	assert.Equal(t, "looks right", approved.ReviewNotes)
	assert.Equal(t, version.ID, *approved.CreatedVersionID)
	assert.Equal(t, fixedNow, *approved.AppliedAt)

	assert.Equal(t, 4, version.VersionNumber)
	assert.Equal(t, "1.3", version.Version)
	assert.Equal(t, "# PRD", version.Content)
	assert.Equal(t, "Applied change proposal: Update PRD: New Requirement", version.ChangeSummary)
	assert.Equal(t, p.ID, *version.ChangeProposalID)

	stored, err := store.GetArtifact(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.VersionCounter)
	assert.Equal(t, "1.3", stored.Version)
	assert.Equal(t, "# PRD", stored.Content)

	_, _, err = svc.Approve(context.Background(), p.ID, "reviewer-2", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.EqualError(t, err, "proposal already approved")

	versions, err := store.ListArtifactVersions(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	stored, err = store.GetArtifact(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.VersionCounter)

	assert.Equal(t, decisions{models.ProposalApproved}, seen)
}

func TestApproveUnderReview(t *testing.T) {
	svc, store, artifact := setup(t, 10)
	p := addProposal(t, store, artifact.ID, models.ProposalPending, nil)

	reviewing, err := svc.StartReview(context.Background(), p.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalUnderReview, reviewing.Status)
	assert.Equal(t, "reviewer-1", *reviewing.AssignedToID)

	_, version, err := svc.Approve(context.Background(), p.ID, "reviewer-1", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0", version.Version)
}

func TestReject(t *testing.T) {
	svc, store, artifact := setup(t, 1)
	p := addProposal(t, store, artifact.ID, models.ProposalPending, nil)

	_, err := svc.Reject(context.Background(), p.ID, "reviewer-1", "   ")
	assert.ErrorIs(t, err, ErrNotesRequired)

	rejected, err := svc.Reject(context.Background(), p.ID, "reviewer-1", "out of scope")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, rejected.Status)
	assert.Equal(t, "out of scope", rejected.ReviewNotes)
	assert.Nil(t, rejected.CreatedVersionID)

	versions, err := store.ListArtifactVersions(context.Background(), artifact.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = svc.Reject(context.Background(), p.ID, "reviewer-1", "again")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	_, _, err = svc.Approve(context.Background(), p.ID, "reviewer-1", "")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestDelete(t *testing.T) {
	svc, store, artifact := setup(t, 1)

	tests := []struct {
		status  models.ProposalStatus
		allowed bool
	}{
		{models.ProposalPending, false},
		{models.ProposalUnderReview, false},
		{models.ProposalApproved, false},
		{models.ProposalExpired, false},
		{models.ProposalRejected, true},
		{models.ProposalSuperseded, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := addProposal(t, store, artifact.ID, tt.status, nil)
			err := svc.Delete(context.Background(), p.ID)
			if !tt.allowed {
				assert.ErrorIs(t, err, ErrDeleteNotAllowed)
				_, err := store.GetProposal(context.Background(), p.ID)
				assert.NoError(t, err)
				return
			}
			require.NoError(t, err)
			_, err = store.GetProposal(context.Background(), p.ID)
			assert.ErrorIs(t, err, repository.ErrNotFound)
		})
	}

	assert.ErrorIs(t, svc.Delete(context.Background(), "missing"), repository.ErrNotFound)
}

func TestSupersede(t *testing.T) {
	svc, store, artifact := setup(t, 1)
	older := addProposal(t, store, artifact.ID, models.ProposalPending, nil)
	newer := addProposal(t, store, artifact.ID, models.ProposalPending, nil)
	elsewhere := addProposal(t, store, "other-artifact", models.ProposalPending, nil)

	_, err := svc.Supersede(context.Background(), older.ID, elsewhere.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	superseded, err := svc.Supersede(context.Background(), older.ID, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalSuperseded, superseded.Status)
	assert.Equal(t, newer.ID, *superseded.SupersededByID)

	require.NoError(t, svc.Delete(context.Background(), older.ID))
}

func TestExpireDue(t *testing.T) {
	svc, store, artifact := setup(t, 1)
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)

	due := addProposal(t, store, artifact.ID, models.ProposalPending, &past)
	reviewing := addProposal(t, store, artifact.ID, models.ProposalUnderReview, &past)
	notYet := addProposal(t, store, artifact.ID, models.ProposalPending, &future)
	decided := addProposal(t, store, artifact.ID, models.ProposalApproved, &past)

	n, err := svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]models.ProposalStatus{
		due.ID:       models.ProposalExpired,
		reviewing.ID: models.ProposalExpired,
		notYet.ID:    models.ProposalPending,
		decided.ID:   models.ProposalApproved,
	} {
		p, err := store.GetProposal(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, p.Status)
	}

	n, err = svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// racingStore lets a reviewer act between the expiry listing and the update.
type racingStore struct {
	*repository.MemoryStore
	afterList func([]*models.ChangeProposal)
}

func (s *racingStore) ListExpiredProposals(ctx context.Context, now time.Time) ([]*models.ChangeProposal, error) {
	due, err := s.MemoryStore.ListExpiredProposals(ctx, now)
	if err == nil && s.afterList != nil {
		s.afterList(due)
	}
	return due, err
}

func TestExpireDueLeavesProposalsDecidedAfterListing(t *testing.T) {
	reviewer, store, artifact := setup(t, 1)
	past := fixedNow.Add(-time.Minute)
	approvedLate := addProposal(t, store, artifact.ID, models.ProposalPending, &past)
	extended := addProposal(t, store, artifact.ID, models.ProposalPending, &past)
	stillDue := addProposal(t, store, artifact.ID, models.ProposalPending, &past)

	racing := &racingStore{MemoryStore: store}
	racing.afterList = func(due []*models.ChangeProposal) {
		require.Len(t, due, 3)
		_, _, err := reviewer.Approve(context.Background(), approvedLate.ID, "reviewer-1", "")
		require.NoError(t, err)

		p, err := store.GetProposal(context.Background(), extended.ID)
		require.NoError(t, err)
		later := fixedNow.Add(24 * time.Hour)
		p.ExpiresAt = &later
		require.NoError(t, store.UpdateProposal(context.Background(), p))
	}
	sweeper := NewService(racing, logging.Discard()).WithClock(func() time.Time { return fixedNow })

	n, err := sweeper.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetProposal(context.Background(), approvedLate.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, got.Status)
	require.NotNil(t, got.CreatedVersionID)
	require.NotNil(t, got.ReviewedByID)
	assert.Equal(t, "reviewer-1", *got.ReviewedByID)

	got, err = store.GetProposal(context.Background(), extended.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPending, got.Status)

	got, err = store.GetProposal(context.Background(), stillDue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalExpired, got.Status)
}

func TestArtifactVersionHistory(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewService(store, logging.Discard()).WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	a := &models.Artifact{TenantID: tenant, ProjectID: "project-1", Name: "Tech Spec", Type: "tech_spec", Content: "v1"}
	initial, err := svc.CreateArtifact(ctx, a, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0", initial.Version)
	assert.Equal(t, 1, initial.VersionNumber)
	assert.Equal(t, models.ArtifactDraft, a.Status)

	edit, err := svc.RecordManualEdit(ctx, a.ID, "v2", "user-2")
	require.NoError(t, err)
	assert.Equal(t, "1.1", edit.Version)
	assert.Equal(t, "v2", edit.Content)

	p := addProposal(t, store, a.ID, models.ProposalPending, nil)
	_, approved, err := svc.Approve(ctx, p.ID, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, approved.VersionNumber)
	assert.Equal(t, "v2", approved.Content)

	versions, err := svc.Versions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []string{"1.0", "1.1", "1.2"}, []string{versions[0].Version, versions[1].Version, versions[2].Version})
}

type published struct {
	subjects []string
	bodies   [][]byte
}

func (p *published) Publish(_ context.Context, subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func (p *published) PublishMsg(context.Context, *messaging.Message) error {
	return nil
}

func (p *published) Close() error {
	return nil
}

func TestDecisionsArePublished(t *testing.T) {
	svc, store, artifact := setup(t, 1)
	pub := &published{}
	svc = svc.WithPublisher(pub)
	first := addProposal(t, store, artifact.ID, models.ProposalPending, nil)
	second := addProposal(t, store, artifact.ID, models.ProposalPending, nil)

	_, err := svc.Reject(context.Background(), first.ID, "reviewer-1", "duplicate")
	require.NoError(t, err)
	_, _, err = svc.Approve(context.Background(), second.ID, "reviewer-1", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"workflow.decided.proposals.rejected", "workflow.decided.proposals.approved"}, pub.subjects)

	var got models.ChangeProposal
	require.NoError(t, json.Unmarshal(pub.bodies[1], &got))
	assert.Equal(t, second.ID, got.ID)
	assert.NotNil(t, got.CreatedVersionID)
}
