package proposals

import (
	"context"
	"fmt"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// CreateArtifact stores a new artifact at version 1.0 together with its
// initial version snapshot.
func (s *Service) CreateArtifact(ctx context.Context, a *models.Artifact, creatorID string) (*models.ArtifactVersion, error) {
	now := s.now()
	if a.ID == "" {
		a.ID = models.NewID()
	}
	if a.Status == "" {
		a.Status = models.ArtifactDraft
	}
	if a.ContentFormat == "" {
		a.ContentFormat = "markdown"
	}
	a.VersionCounter = 1
	a.Version = models.VersionString(1)
	a.CreatedAt = now
	a.UpdatedAt = now

	v := a.SnapshotVersion(models.NewID(), creatorID, "Initial version", nil, now)
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateArtifact(ctx, a); err != nil {
			return fmt.Errorf("create artifact: %w", err)
		}
		return tx.CreateArtifactVersion(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RecordManualEdit replaces an artifact's content and records the edit as a
// new version, numbered the same way approvals are.
func (s *Service) RecordManualEdit(ctx context.Context, artifactID, content, editorID string) (*models.ArtifactVersion, error) {
	var version *models.ArtifactVersion
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		a, err := tx.GetArtifact(ctx, artifactID)
		if err != nil {
			return err
		}
		now := s.now()
		a.Content = content
		a.BumpVersion(now)
		v := a.SnapshotVersion(models.NewID(), editorID, "Manual update by "+editorID, nil, now)
		if err := tx.UpdateArtifact(ctx, a); err != nil {
			return fmt.Errorf("update artifact %s: %w", a.ID, err)
		}
		if err := tx.CreateArtifactVersion(ctx, v); err != nil {
			return fmt.Errorf("create version %d of artifact %s: %w", v.VersionNumber, a.ID, err)
		}
		version = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// Versions returns an artifact's version history.
func (s *Service) Versions(ctx context.Context, artifactID string) ([]*models.ArtifactVersion, error) {
	return s.store.ListArtifactVersions(ctx, artifactID)
}
