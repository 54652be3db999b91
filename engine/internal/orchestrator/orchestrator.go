// Package orchestrator turns new information about a project into change
// proposals for the project's artifacts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/impact"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

const (
	// DefaultConfidence is used when the analysis gives no confidence.
	DefaultConfidence = 75

	maxTitleLength = 100
)

// Analysis outcomes reported to the Observer.
const (
	AnalysisSucceeded = "succeeded"
	AnalysisFallback  = "fallback"
)

// Config bounds the orchestrator.
type Config struct {
	ProposalTTL     time.Duration
	AnalysisTimeout time.Duration
	MaxParallel     int
}

// Observer receives analysis metrics. It may be nil.
type Observer interface {
	ObserveAnalysis(outcome string, d time.Duration)
	ProposalCreated(severity models.Severity)
}

// Trigger is the information being analyzed.
type Trigger struct {
	Text string
	URL  string
}

// Summary describes one project's analysis.
type Summary struct {
	ProposalsCreated       int             `json:"proposals_created"`
	OverallSeverity        models.Severity `json:"overall_severity"`
	AffectedArtifactsCount int             `json:"affected_artifacts_count"`
	HasTimelineImpact      bool            `json:"has_timeline_impact"`
}

// Outcome is the result of ProcessEvent.
type Outcome struct {
	ProjectID string
	Proposals []*models.ChangeProposal
	Summary   Summary
}

// CanvasOutcome is the result of ProcessCanvas.
type CanvasOutcome struct {
	ProjectsAnalyzed int
	Projects         []Outcome
}

// TotalProposals counts proposals across all projects.
func (o CanvasOutcome) TotalProposals() int {
	n := 0
	for _, p := range o.Projects {
		n += len(p.Proposals)
	}
	return n
}

type Orchestrator struct {
	analyzer impact.Analyzer
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(analyzer impact.Analyzer, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 30 * 24 * time.Hour
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 60 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Orchestrator{
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger.With(logging.Component("orchestrator")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver returns a copy reporting to o.
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	cp := *o
	cp.observer = obs
	return &cp
}

// WithClock returns a copy using now for timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	cp := *o
	cp.now = now
	return &cp
}

type analysis struct {
	project   *models.Project
	artifacts []*models.Artifact
	result    impact.Result
}

// ProcessEvent analyzes one project and persists a proposal plus impact
// record for every affected artifact. An analysis that fails or cannot be
// decoded yields no proposals and no error.
func (o *Orchestrator) ProcessEvent(ctx context.Context, store repository.Store, event *models.EventRecord, project *models.Project, trigger Trigger) (Outcome, error) {
	artifacts, err := store.ListArtifacts(ctx, project.ID, false)
	if err != nil {
		return Outcome{}, fmt.Errorf("list artifacts for project %s: %w", project.ID, err)
	}
	a := o.analyze(ctx, event, project, artifacts, trigger)
	return o.persist(ctx, store, event, a, trigger)
}

// ProcessCanvas runs ProcessEvent for every project on the canvas that
// accepts proposals. Analyses run concurrently; results are persisted in
// project order.
func (o *Orchestrator) ProcessCanvas(ctx context.Context, store repository.Store, event *models.EventRecord, canvasID string, trigger Trigger) (CanvasOutcome, error) {
	all, err := store.ListProjectsByCanvas(ctx, event.TenantID, canvasID)
	if err != nil {
		return CanvasOutcome{}, fmt.Errorf("list projects on canvas %s: %w", canvasID, err)
	}

	// Store reads happen before the fan-out; a transaction-bound store is
	// not safe for concurrent use.
	var analyses []*analysis
	for _, p := range all {
		if !p.AcceptsProposals() {
			continue
		}
		artifacts, err := store.ListArtifacts(ctx, p.ID, false)
		if err != nil {
			return CanvasOutcome{}, fmt.Errorf("list artifacts for project %s: %w", p.ID, err)
		}
		analyses = append(analyses, &analysis{project: p, artifacts: artifacts})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)
	for _, a := range analyses {
		g.Go(func() error {
			*a = *o.analyze(gctx, event, a.project, a.artifacts, trigger)
			return nil
		})
	}
	_ = g.Wait()

	out := CanvasOutcome{ProjectsAnalyzed: len(analyses)}
	for _, a := range analyses {
		res, err := o.persist(ctx, store, event, a, trigger)
		if err != nil {
			return out, err
		}
		out.Projects = append(out.Projects, res)
	}
	return out, nil
}

func (o *Orchestrator) analyze(ctx context.Context, event *models.EventRecord, project *models.Project, artifacts []*models.Artifact, trigger Trigger) *analysis {
	logger := o.logger.With(logging.EventID(event.ID), logging.ProjectID(project.ID))

	actx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.analyzer.Analyze(actx, impact.Request{
		Project:     project,
		Artifacts:   artifacts,
		TriggerType: event.SourceType,
		TriggerText: trigger.Text,
	})
	outcome := AnalysisSucceeded
	if err != nil {
		logger.Warn("impact analysis failed, using fallback", logging.Error(err))
		result = impact.Fallback()
		outcome = AnalysisFallback
	}
	if o.observer != nil {
		o.observer.ObserveAnalysis(outcome, time.Since(start))
	}

	return &analysis{
		project:   project,
		artifacts: artifacts,
		result:    impact.Resolve(result, artifacts, logger),
	}
}

func (o *Orchestrator) persist(ctx context.Context, store repository.Store, event *models.EventRecord, a *analysis, trigger Trigger) (Outcome, error) {
	affected := a.result.Resolved()
	byID := make(map[string]*models.Artifact, len(a.artifacts))
	for _, art := range a.artifacts {
		byID[art.ID] = art
	}

	out := Outcome{ProjectID: a.project.ID}
	for _, entry := range affected {
		proposal, record := o.build(event, a.project, byID[entry.ArtifactID], entry, affected, a.result, trigger)
		err := store.InTx(ctx, func(tx repository.Store) error {
			if err := tx.CreateProposal(ctx, proposal); err != nil {
				return err
			}
			return tx.CreateImpactAnalysis(ctx, record)
		})
		if err != nil {
			return out, fmt.Errorf("create proposal for artifact %s: %w", entry.ArtifactID, err)
		}
		if o.observer != nil {
			o.observer.ProposalCreated(proposal.Severity)
		}
		o.logger.Info("change proposal created",
			logging.ProposalID(proposal.ID),
			logging.ArtifactID(entry.ArtifactID),
			logging.ProjectID(a.project.ID),
			slog.String("severity", string(proposal.Severity)))
		out.Proposals = append(out.Proposals, proposal)
	}

	out.Summary = Summary{
		ProposalsCreated:       len(out.Proposals),
		OverallSeverity:        a.result.OverallSeverity,
		AffectedArtifactsCount: len(out.Proposals),
		HasTimelineImpact:      len(a.result.TimelineImpact) > 0,
	}
	if out.Summary.OverallSeverity == "" {
		out.Summary.OverallSeverity = models.SeverityLow
	}
	return out, nil
}

func (o *Orchestrator) build(event *models.EventRecord, project *models.Project, artifact *models.Artifact, entry impact.Affected, all []impact.Affected, result impact.Result, trigger Trigger) (*models.ChangeProposal, *models.ImpactAnalysisRecord) {
	now := o.now()
	expires := now.Add(o.cfg.ProposalTTL)
	eventID := event.ID

	triggeredBy := event.ID
	if event.ExternalID != nil && *event.ExternalID != "" {
		triggeredBy = *event.ExternalID
	}

	confidence := DefaultConfidence
	if entry.Confidence != nil {
		confidence = *entry.Confidence
	}

	others := make([]models.AffectedArtifact, 0, len(all))
	for _, other := range all {
		if other.ArtifactID == entry.ArtifactID {
			continue
		}
		others = append(others, models.AffectedArtifact{
			ArtifactID: other.ArtifactID,
			Name:       other.Name,
			Severity:   other.Severity,
		})
	}

	proposal := &models.ChangeProposal{
		ID:              models.NewID(),
		TenantID:        project.TenantID,
		ArtifactID:      entry.ArtifactID,
		ProjectID:       project.ID,
		EventID:         &eventID,
		TriggeredByType: event.SourceType,
		TriggeredByID:   triggeredBy,
		TriggeredByURL:  trigger.URL,
		ChangeType:      entry.ChangeType,
		Severity:        entry.Severity,
		Title:           ProposalTitle(entry.Name, entry.ChangeType),
		Description:     entry.Rationale,
		ProposedChanges: models.ProposedChanges{
			Sections:    entry.ProposedSections,
			Summary:     entry.Rationale,
			AISuggested: true,
		},
		AIRationale:  entry.Rationale,
		AIConfidence: confidence,
		ImpactContext: models.ImpactContext{
			Timeline:       result.TimelineImpact,
			OtherArtifacts: others,
		},
		Status:       models.ProposalPending,
		AssignedToID: reviewer(project, artifact),
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    &expires,
	}

	risk := result.OverallSeverity
	if risk == "" {
		risk = models.SeverityMedium
	}
	record := &models.ImpactAnalysisRecord{
		ID:                models.NewID(),
		ChangeProposalID:  proposal.ID,
		AffectedArtifacts: others,
		TimelineImpact:    result.TimelineImpact,
		DependencyChanges: []string{},
		RiskAssessment:    models.RiskAssessment{OverallRisk: risk, Risks: []string{}},
		Model:             result.Model,
		Confidence:        confidence,
		CreatedAt:         now,
	}
	return proposal, record
}

// reviewer is the artifact owner, else the project creator, else nobody.
func reviewer(project *models.Project, artifact *models.Artifact) *string {
	if artifact != nil && artifact.CurrentOwnerID != nil && *artifact.CurrentOwnerID != "" {
		id := *artifact.CurrentOwnerID
		return &id
	}
	if project.CreatedByID != "" {
		id := project.CreatedByID
		return &id
	}
	return nil
}

// ProposalTitle is "Update <artifact>: <Change Type>", shortened to
// "Update <artifact>" when that exceeds 100 characters.
func ProposalTitle(artifactName string, ct models.ChangeType) string {
	words := strings.Split(string(ct), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	title := fmt.Sprintf("Update %s: %s", artifactName, strings.Join(words, " "))
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = "Update " + artifactName
	}
	if utf8.RuneCountInString(title) > models.MaxTitleLength {
		title = string([]rune(title)[:models.MaxTitleLength])
	}
	return title
}
