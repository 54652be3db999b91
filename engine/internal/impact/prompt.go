package impact

import (
	"fmt"
	"strings"
)

const promptInstructions = `**Task:** Analyze how this new information affects each artifact. For each affected artifact, determine:

1. **Severity** (low, medium, high, critical):
   - low: Minor clarification or non-functional change
   - medium: Moderate change that affects some sections
   - high: Significant change affecting core functionality/scope
   - critical: Major architectural or scope change

2. **Change Type**:
   - new_requirement: Adding new feature/requirement
   - update_requirement: Modifying existing requirement
   - remove_requirement: Removing requirement
   - timeline_change: Changing timeline/dates
   - scope_change: Changing project scope
   - technical_change: Technical architecture change
   - design_change: UX/design change
   - content_update: General content update
   - clarification: Adding clarification

3. **Proposed Changes:** What specifically needs to be updated

4. **Rationale:** Why this artifact is affected

**Output Format (JSON):**
` + "```json" + `
{
  "affected_artifacts": [
    {
      "artifact_name": "PRD",
      "artifact_type": "prd",
      "severity": "high",
      "change_type": "new_requirement",
      "rationale": "OAuth is a new authentication method that needs to be documented in the PRD",
      "confidence_score": 80,
      "proposed_sections": [
        {
          "section": "Features",
          "action": "add",
          "content": "OAuth Login - Allow users to login with Google/GitHub",
          "position": "after:Social Login"
        }
      ]
    }
  ],
  "timeline_impact": {
    "estimated_delay": "2 weeks",
    "delay_reason": "OAuth implementation + security review",
    "affected_milestones": ["Sprint 5 Launch"]
  },
  "overall_severity": "high"
}
` + "```" + `

Analyze and respond with JSON only.`

// BuildPrompt renders the analysis prompt. Output depends only on req.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are analyzing the impact of new information on a product development project.\n\n")
	if p := req.Project; p != nil {
		fmt.Fprintf(&b, "**Project:** %s\n", p.Name)
		fmt.Fprintf(&b, "**Current Stage:** %s\n", p.CurrentStage)
		fmt.Fprintf(&b, "**Status:** %s\n\n", p.Status)
	}

	b.WriteString("**Existing Artifacts:**\n")
	for _, a := range req.Artifacts {
		fmt.Fprintf(&b, "- %s (%s): v%s, status=%s\n", a.Name, a.Type, a.Version, a.Status)
	}

	fmt.Fprintf(&b, "\n**New Information Source:** %s\n", req.TriggerType)
	b.WriteString("**Content:**\n")
	b.WriteString(req.TriggerText)
	b.WriteString("\n\n")
	b.WriteString(promptInstructions)
	return b.String()
}
