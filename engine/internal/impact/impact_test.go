package impact

import (
	"context"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/llm"
	"github.com/merlinhq/merlin/engine/internal/models"
)

type stubClient struct {
	resp  llm.ChatResponse
	err   error
	calls int
	last  llm.ChatRequest
}

func (c *stubClient) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	c.calls++
	c.last = req
	return c.resp, c.err
}

func sampleRequest() Request {
	return Request{
		Project: &models.Project{ID: "p1", Name: "Checkout Revamp", CurrentStage: "design", Status: models.ProjectActive},
		Artifacts: []*models.Artifact{
			{ID: "a-prd", Name: "PRD", Type: "prd", Version: "1.2", Status: models.ArtifactApproved},
			{ID: "a-spec", Name: "Tech Spec", Type: "tech_spec", Version: "0.3", Status: models.ArtifactDraft},
		},
		TriggerType: "jira",
		TriggerText: "Jira Story: PROJ-456\nSummary: Add OAuth login\nPriority: High\nDescription: Users want Google sign-in",
	}
}

func TestBuildPrompt(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "prompt", []byte(BuildPrompt(sampleRequest())))
}

const fencedReply = "Here is the analysis:\n```json\n" + `{
  "affected_artifacts": [
    {
      "artifact_name": "prd",
      "artifact_type": "prd",
      "severity": "HIGH",
      "change_type": "new_requirement",
      "rationale": "OAuth needs documenting",
      "confidence_score": 82.6,
      "proposed_sections": [{"section": "Features", "action": "add", "content": "OAuth Login"}]
    },
    {
      "artifact_name": "Architecture",
      "artifact_type": "tech_spec",
      "severity": "sideways",
      "change_type": "rewrite"
    },
    {
      "artifact_name": "Roadmap",
      "artifact_type": "roadmap",
      "severity": "low",
      "change_type": "timeline_change"
    }
  ],
  "timeline_impact": {"estimated_delay": "2 weeks"},
  "overall_severity": "high"
}` + "\n```"

func TestDecode(t *testing.T) {
	result, err := Decode(fencedReply)
	require.NoError(t, err)

	require.Len(t, result.Affected, 3)
	assert.Equal(t, models.SeverityHigh, result.OverallSeverity)
	assert.Equal(t, "2 weeks", result.TimelineImpact["estimated_delay"])

	prd := result.Affected[0]
	assert.Equal(t, models.SeverityHigh, prd.Severity)
	assert.Equal(t, models.ChangeNewRequirement, prd.ChangeType)
	require.NotNil(t, prd.Confidence)
	assert.Equal(t, 83, *prd.Confidence)
	assert.Equal(t, []models.Section{{Section: "Features", Action: "add", Content: "OAuth Login"}}, prd.ProposedSections)

	arch := result.Affected[1]
	assert.Equal(t, models.SeverityMedium, arch.Severity)
	assert.Equal(t, models.ChangeContentUpdate, arch.ChangeType)
	assert.Nil(t, arch.Confidence)
	assert.Empty(t, arch.ProposedSections)
}

func TestDecodeBareObjectAndDefaults(t *testing.T) {
	result, err := Decode(`Sure. {"affected_artifacts": []} Hope that helps.`)
	require.NoError(t, err)
	assert.Empty(t, result.Affected)
	assert.Equal(t, models.SeverityLow, result.OverallSeverity)
	assert.NotNil(t, result.TimelineImpact)
}

func TestDecodeMalformed(t *testing.T) {
	for _, content := range []string{
		"",
		"no json here",
		"```json\n{\"affected_artifacts\": [\n```",
		`{"affected_artifacts": "nope"}`,
	} {
		_, err := Decode(content)
		assert.ErrorIs(t, err, ErrMalformed, "content %q", content)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, NormalizeSeverity(" Critical "))
	assert.Equal(t, models.SeverityMedium, NormalizeSeverity(""))
	assert.Equal(t, models.ChangeScope, NormalizeChangeType("SCOPE_CHANGE"))
	assert.Equal(t, models.ChangeContentUpdate, NormalizeChangeType("other"))
}

func TestResolve(t *testing.T) {
	result, err := Decode(fencedReply)
	require.NoError(t, err)

	resolved := Resolve(result, sampleRequest().Artifacts, logging.Discard())
	require.Len(t, resolved.Affected, 3)

	assert.Equal(t, "a-prd", resolved.Affected[0].ArtifactID)
	assert.Equal(t, "PRD", resolved.Affected[0].Name)

	// No artifact named Architecture; the type still matches.
	assert.Equal(t, "a-spec", resolved.Affected[1].ArtifactID)
	assert.Equal(t, "Tech Spec", resolved.Affected[1].Name)

	assert.Empty(t, resolved.Affected[2].ArtifactID)

	ids := []string{}
	for _, a := range resolved.Resolved() {
		ids = append(ids, a.ArtifactID)
	}
	assert.Equal(t, []string{"a-prd", "a-spec"}, ids)

	// The input is not modified.
	assert.Empty(t, result.Affected[0].ArtifactID)
}

func TestChatAnalyzer(t *testing.T) {
	client := &stubClient{resp: llm.ChatResponse{Content: fencedReply, Model: "gpt-4o"}}
	a := NewChatAnalyzer(client, logging.Discard())

	result, err := a.Analyze(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", result.Model)
	assert.Len(t, result.Affected, 3)
	require.Len(t, client.last.Messages, 1)
	assert.Contains(t, client.last.Messages[0].Content, "**New Information Source:** jira")
}

func TestChatAnalyzerWithoutArtifacts(t *testing.T) {
	client := &stubClient{}
	req := sampleRequest()
	req.Artifacts = nil

	result, err := NewChatAnalyzer(client, logging.Discard()).Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, client.calls)
	assert.Equal(t, Fallback(), result)
}

func TestChatAnalyzerErrors(t *testing.T) {
	backendErr := errors.New("status 503")
	_, err := NewChatAnalyzer(&stubClient{err: backendErr}, logging.Discard()).Analyze(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, backendErr)

	_, err = NewChatAnalyzer(&stubClient{resp: llm.ChatResponse{Content: "I cannot help"}}, logging.Discard()).Analyze(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, ErrMalformed)
}
