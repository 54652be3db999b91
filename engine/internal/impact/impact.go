// Package impact asks an analysis backend which project artifacts a piece of
// new information affects, and decodes its answer.
package impact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/llm"
	"github.com/merlinhq/merlin/engine/internal/models"
)

// ErrMalformed is returned when an analysis reply is not the expected JSON.
var ErrMalformed = errors.New("malformed impact analysis")

// Request is the input to one analysis.
type Request struct {
	Project     *models.Project
	Artifacts   []*models.Artifact
	TriggerType string
	TriggerText string
}

// Affected is one artifact the backend considers affected. ArtifactID is
// empty until Resolve matches the reference to a real artifact.
type Affected struct {
	Name             string
	Type             string
	ArtifactID       string
	Severity         models.Severity
	ChangeType       models.ChangeType
	Rationale        string
	ProposedSections []models.Section

	// Confidence is nil when the backend gave none.
	Confidence *int
}

// Result is a decoded analysis.
type Result struct {
	Affected        []Affected
	TimelineImpact  map[string]any
	OverallSeverity models.Severity
	Model           string
}

// Fallback is the result used when no analysis is available: nothing
// affected, severity low.
func Fallback() Result {
	return Result{
		Affected:        []Affected{},
		TimelineImpact:  map[string]any{},
		OverallSeverity: models.SeverityLow,
	}
}

// Resolved returns the affected entries matched to an artifact.
func (r Result) Resolved() []Affected {
	var out []Affected
	for _, a := range r.Affected {
		if a.ArtifactID != "" {
			out = append(out, a)
		}
	}
	return out
}

// Analyzer produces an impact analysis for a project.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

type wireAffected struct {
	ArtifactName     string           `json:"artifact_name"`
	ArtifactType     string           `json:"artifact_type"`
	Severity         string           `json:"severity"`
	ChangeType       string           `json:"change_type"`
	Rationale        string           `json:"rationale"`
	ProposedSections []models.Section `json:"proposed_sections"`
	ConfidenceScore  *float64         `json:"confidence_score"`
}

type wireResult struct {
	AffectedArtifacts []wireAffected `json:"affected_artifacts"`
	TimelineImpact    map[string]any `json:"timeline_impact"`
	OverallSeverity   string         `json:"overall_severity"`
}

// Decode parses a backend reply. The JSON may be wrapped in a ```json fence
// or surrounded by prose. Anything that does not decode is ErrMalformed.
func Decode(content string) (Result, error) {
	raw, ok := llm.ExtractJSON(content)
	if !ok {
		return Result{}, fmt.Errorf("%w: no json object in reply", ErrMalformed)
	}
	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	result := Result{
		Affected:        make([]Affected, 0, len(w.AffectedArtifacts)),
		TimelineImpact:  w.TimelineImpact,
		OverallSeverity: models.SeverityLow,
	}
	if result.TimelineImpact == nil {
		result.TimelineImpact = map[string]any{}
	}
	if w.OverallSeverity != "" {
		result.OverallSeverity = NormalizeSeverity(w.OverallSeverity)
	}
	for _, a := range w.AffectedArtifacts {
		entry := Affected{
			Name:             a.ArtifactName,
			Type:             a.ArtifactType,
			Severity:         NormalizeSeverity(a.Severity),
			ChangeType:       NormalizeChangeType(a.ChangeType),
			Rationale:        a.Rationale,
			ProposedSections: a.ProposedSections,
		}
		if entry.ProposedSections == nil {
			entry.ProposedSections = []models.Section{}
		}
		if a.ConfidenceScore != nil {
			c := clampConfidence(int(math.Round(*a.ConfidenceScore)))
			entry.Confidence = &c
		}
		result.Affected = append(result.Affected, entry)
	}
	return result, nil
}

func clampConfidence(c int) int {
	return max(0, min(100, c))
}

// NormalizeSeverity maps free text onto a Severity, defaulting to medium.
func NormalizeSeverity(s string) models.Severity {
	switch sev := models.Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return sev
	}
	return models.SeverityMedium
}

// NormalizeChangeType maps free text onto a ChangeType, defaulting to
// content_update.
func NormalizeChangeType(s string) models.ChangeType {
	switch ct := models.ChangeType(strings.ToLower(strings.TrimSpace(s))); ct {
	case models.ChangeNewRequirement, models.ChangeUpdateRequirement, models.ChangeRemoveRequirement,
		models.ChangeTimeline, models.ChangeScope, models.ChangeTechnical, models.ChangeDesign,
		models.ChangeContentUpdate, models.ChangeClarification:
		return ct
	}
	return models.ChangeContentUpdate
}

// Resolve matches each affected reference to one of artifacts: by name,
// case-insensitively, then by type. Unmatched references are logged and
// keep an empty ArtifactID.
func Resolve(result Result, artifacts []*models.Artifact, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*models.Artifact, len(artifacts))
	byType := make(map[string]*models.Artifact, len(artifacts))
	for _, a := range artifacts {
		if _, ok := byName[strings.ToLower(a.Name)]; !ok {
			byName[strings.ToLower(a.Name)] = a
		}
		if _, ok := byType[a.Type]; !ok {
			byType[a.Type] = a
		}
	}

	resolved := result
	resolved.Affected = make([]Affected, len(result.Affected))
	for i, ref := range result.Affected {
		match, ok := byName[strings.ToLower(strings.TrimSpace(ref.Name))]
		if !ok && ref.Type != "" {
			match, ok = byType[ref.Type]
		}
		if ok {
			ref.ArtifactID = match.ID
			ref.Name = match.Name
		} else {
			ref.ArtifactID = ""
			logger.Warn("could not resolve affected artifact",
				slog.String("artifact_name", ref.Name),
				slog.String("artifact_type", ref.Type))
		}
		resolved.Affected[i] = ref
	}
	return resolved
}

// ChatAnalyzer runs the analysis on a chat completion backend.
type ChatAnalyzer struct {
	client llm.Client
	logger *slog.Logger
}

func NewChatAnalyzer(client llm.Client, logger *slog.Logger) *ChatAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatAnalyzer{client: client, logger: logger.With(logging.Component("impact"))}
}

// Analyze returns Fallback without calling the backend when the project has
// no artifacts. Backend and decode errors are returned to the caller.
func (a *ChatAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	if len(req.Artifacts) == 0 {
		return Fallback(), nil
	}
	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: BuildPrompt(req)}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("impact analysis: %w", err)
	}
	result, err := Decode(resp.Content)
	if err != nil {
		a.logger.Error("failed to decode impact analysis",
			logging.ProjectID(req.Project.ID), logging.Error(err))
		return Result{}, err
	}
	result.Model = resp.Model
	return result, nil
}
