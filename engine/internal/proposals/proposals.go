// Package proposals runs the human approval workflow for change proposals
// and keeps artifact version history.
package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

var (
	// ErrAlreadyProcessed is returned when deciding a proposal that is no
	// longer pending or under review.
	ErrAlreadyProcessed = errors.New("proposal already processed")

	ErrNotesRequired    = errors.New("review notes are required to reject a proposal")
	ErrDeleteNotAllowed = errors.New("only rejected or superseded proposals can be deleted")
)

type alreadyProcessedError struct {
	status models.ProposalStatus
}

func (e *alreadyProcessedError) Error() string {
	return fmt.Sprintf("proposal already %s", e.status)
}

func (e *alreadyProcessedError) Is(target error) bool {
	return target == ErrAlreadyProcessed
}

// Observer is told about every decision. It may be nil.
type Observer interface {
	ProposalDecided(status models.ProposalStatus)
}

// Service applies reviewer decisions.
type Service struct {
	store     repository.Store
	observer  Observer
	publisher messaging.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger.With(logging.Component("proposals")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver returns a copy reporting decisions to o.
func (s *Service) WithObserver(o Observer) *Service {
	cp := *s
	cp.observer = o
	return &cp
}

// WithPublisher returns a copy announcing every decision on
// SubjectWorkflowDecidedProposals.<status>.
func (s *Service) WithPublisher(pub messaging.Publisher) *Service {
	cp := *s
	cp.publisher = pub
	return &cp
}

// WithClock returns a copy using now for timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

func (s *Service) decided(ctx context.Context, p *models.ChangeProposal) {
	if s.observer != nil {
		s.observer.ProposalDecided(p.Status)
	}
	s.logger.Info("proposal decided",
		logging.ProposalID(p.ID),
		logging.ArtifactID(p.ArtifactID),
		slog.String("status", string(p.Status)))

	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(p)
	if err == nil {
		subject := messaging.SubjectWorkflowDecidedProposals + "." + string(p.Status)
		err = s.publisher.Publish(context.WithoutCancel(ctx), subject, data)
	}
	if err != nil {
		s.logger.Warn("failed to publish proposal decision", logging.ProposalID(p.ID), logging.Error(err))
	}
}

func guardOpen(p *models.ChangeProposal) error {
	if !p.Status.Open() {
		return &alreadyProcessedError{status: p.Status}
	}
	return nil
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, id string) (*models.ChangeProposal, error) {
	return s.store.GetProposal(ctx, id)
}

// List returns proposals matching f, newest first.
func (s *Service) List(ctx context.Context, f repository.ProposalFilter) ([]*models.ChangeProposal, error) {
	return s.store.ListProposals(ctx, f)
}

// Impact returns the analysis record behind a proposal.
func (s *Service) Impact(ctx context.Context, id string) (*models.ImpactAnalysisRecord, error) {
	return s.store.GetImpactAnalysis(ctx, id)
}

// Approve bumps the artifact's version, snapshots its content and stamps
// the proposal, all in one transaction. The artifact content is not
// changed; the snapshot is verbatim.
func (s *Service) Approve(ctx context.Context, id, reviewerID, notes string) (*models.ChangeProposal, *models.ArtifactVersion, error) {
	var (
		proposal *models.ChangeProposal
		version  *models.ArtifactVersion
	)
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		p, err := tx.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if err := guardOpen(p); err != nil {
			return err
		}
		artifact, err := tx.GetArtifact(ctx, p.ArtifactID)
		if err != nil {
			return fmt.Errorf("load artifact %s: %w", p.ArtifactID, err)
		}

		now := s.now()
		artifact.BumpVersion(now)
		proposalID := p.ID
		v := artifact.SnapshotVersion(models.NewID(), reviewerID,
			"Applied change proposal: "+p.Title, &proposalID, now)

		if err := tx.UpdateArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("update artifact %s: %w", artifact.ID, err)
		}
		if err := tx.CreateArtifactVersion(ctx, v); err != nil {
			return fmt.Errorf("create version %d of artifact %s: %w", v.VersionNumber, artifact.ID, err)
		}
		if err := p.Approve(reviewerID, strings.TrimSpace(notes), v.ID, now); err != nil {
			return err
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("update proposal %s: %w", p.ID, err)
		}
		proposal, version = p, v
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.decided(ctx, proposal)
	return proposal, version, nil
}

// Reject closes a proposal. Notes are mandatory.
func (s *Service) Reject(ctx context.Context, id, reviewerID, notes string) (*models.ChangeProposal, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, ErrNotesRequired
	}
	return s.update(ctx, id, func(p *models.ChangeProposal, now time.Time) error {
		if err := guardOpen(p); err != nil {
			return err
		}
		return p.Reject(reviewerID, notes, now)
	})
}

// StartReview assigns a pending proposal to reviewerID.
func (s *Service) StartReview(ctx context.Context, id, reviewerID string) (*models.ChangeProposal, error) {
	return s.update(ctx, id, func(p *models.ChangeProposal, now time.Time) error {
		if err := guardOpen(p); err != nil {
			return err
		}
		return p.StartReview(reviewerID, now)
	})
}

// Supersede marks id as replaced by newerID, a proposal on the same
// artifact.
func (s *Service) Supersede(ctx context.Context, id, newerID string) (*models.ChangeProposal, error) {
	if id == newerID {
		return nil, fmt.Errorf("%w: proposal %s cannot supersede itself", models.ErrInvalidTransition, id)
	}
	newer, err := s.store.GetProposal(ctx, newerID)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(p *models.ChangeProposal, now time.Time) error {
		if newer.ArtifactID != p.ArtifactID {
			return fmt.Errorf("%w: proposal %s targets a different artifact", models.ErrInvalidTransition, newerID)
		}
		if err := guardOpen(p); err != nil {
			return err
		}
		return p.Supersede(newerID, now)
	})
}

func (s *Service) update(ctx context.Context, id string, apply func(*models.ChangeProposal, time.Time) error) (*models.ChangeProposal, error) {
	var proposal *models.ChangeProposal
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		p, err := tx.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(p, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("update proposal %s: %w", p.ID, err)
		}
		proposal = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.decided(ctx, proposal)
	return proposal, nil
}

// Delete removes a rejected or superseded proposal.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.InTx(ctx, func(tx repository.Store) error {
		p, err := tx.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if !p.Status.Deletable() {
			return fmt.Errorf("%w: proposal %s is %s", ErrDeleteNotAllowed, p.ID, p.Status)
		}
		return tx.DeleteProposal(ctx, id)
	})
}

// ExpireDue expires every open proposal past its expiry and returns how
// many were expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListExpiredProposals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired proposals: %w", err)
	}

	expired := 0
	for _, candidate := range due {
		var fresh *models.ChangeProposal
		err := s.store.InTx(ctx, func(tx repository.Store) error {
			// The listing is not locked; a reviewer may have decided the
			// proposal or extended its expiry since.
			p, err := tx.GetProposal(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !p.Status.Open() || p.ExpiresAt == nil || p.ExpiresAt.After(now) {
				return nil
			}
			if err := p.Expire(now); err != nil {
				return err
			}
			if err := tx.UpdateProposal(ctx, p); err != nil {
				return err
			}
			fresh = p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, repository.ErrUnavailable) {
				return expired, err
			}
			s.logger.Warn("failed to expire proposal", logging.ProposalID(candidate.ID), logging.Error(err))
			continue
		}
		if fresh == nil {
			s.logger.Debug("proposal no longer due", logging.ProposalID(candidate.ID))
			continue
		}
		expired++
		s.decided(ctx, fresh)
	}
	return expired, nil
}
