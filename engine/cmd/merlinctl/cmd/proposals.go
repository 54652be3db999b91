package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/engine/internal/client"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/output"
)

var proposalsCmd = &cobra.Command{
	Use:     "proposals",
	Aliases: []string{"proposal", "cp"},
	Short:   "Review change proposals",
	Long:    "List, inspect, approve and reject AI-generated change proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List change proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		project, _ := cmd.Flags().GetString("project")
		mine, _ := cmd.Flags().GetBool("mine")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := apiClient(cmd).ListProposals(cmd.Context(), client.ListOptions{
			Status:    status,
			ProjectID: project,
			Mine:      mine,
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("failed to list proposals: %w", err)
		}

		return output.Render(outputFormat(cmd), list, func() {
			if len(list) == 0 {
				output.Info("No proposals found")
				return
			}
			table := output.NewTable("ID", "STATUS", "SEVERITY", "TYPE", "TITLE", "EXPIRES")
			for _, p := range list {
				expires := "-"
				if p.ExpiresAt != nil {
					expires = p.ExpiresAt.Format(time.DateOnly)
				}
				table.AddRow(p.ID, string(p.Status), string(p.Severity), string(p.ChangeType),
					output.Truncate(p.Title, 48), expires)
			}
			table.Render()
		})
	},
}

var proposalsGetCmd = &cobra.Command{
	Use:   "get <proposal-id>",
	Short: "Show a change proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient(cmd).GetProposal(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get proposal: %w", err)
		}
		return output.Render(outputFormat(cmd), p, func() { printProposal(p) })
	},
}

var proposalsImpactCmd = &cobra.Command{
	Use:   "impact <proposal-id>",
	Short: "Show the impact analysis behind a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient(cmd).ProposalImpact(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get impact analysis: %w", err)
		}
		return output.Render(outputFormat(cmd), rec, func() {
			output.Info("Overall risk: %s (confidence %d%%)", orDash(string(rec.RiskAssessment.OverallRisk)), rec.Confidence)
			for _, r := range rec.RiskAssessment.Risks {
				output.Warn("%s", r)
			}
			if len(rec.AffectedArtifacts) > 0 {
				table := output.NewTable("ARTIFACT", "NAME", "SEVERITY")
				for _, a := range rec.AffectedArtifacts {
					table.AddRow(a.ArtifactID, a.Name, string(a.Severity))
				}
				table.Render()
			}
			for _, d := range rec.DependencyChanges {
				output.Info("  dependency: %s", d)
			}
		})
	},
}

var proposalsReviewCmd = &cobra.Command{
	Use:   "review <proposal-id>",
	Short: "Claim a pending proposal for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient(cmd).ReviewProposal(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to start review: %w", err)
		}
		output.Success("Proposal %s is %s", p.ID, p.Status)
		return nil
	},
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal and apply it as a new artifact version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		p, v, err := apiClient(cmd).ApproveProposal(cmd.Context(), args[0], notes)
		if err != nil {
			return fmt.Errorf("failed to approve proposal: %w", err)
		}
		output.Success("Proposal %s approved", p.ID)
		if v != nil {
			output.Info("Artifact %s is now at version %s", v.ArtifactID, v.Version)
		}
		return nil
	},
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		if notes == "" {
			return fmt.Errorf("--notes is required when rejecting")
		}
		p, err := apiClient(cmd).RejectProposal(cmd.Context(), args[0], notes)
		if err != nil {
			return fmt.Errorf("failed to reject proposal: %w", err)
		}
		output.Success("Proposal %s rejected", p.ID)
		return nil
	},
}

var proposalsSupersedeCmd = &cobra.Command{
	Use:   "supersede <proposal-id> <replacement-id>",
	Short: "Mark a proposal as replaced by a newer one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient(cmd).SupersedeProposal(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to supersede proposal: %w", err)
		}
		output.Success("Proposal %s superseded by %s", p.ID, args[1])
		return nil
	},
}

var proposalsDeleteCmd = &cobra.Command{
	Use:     "delete <proposal-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a pending or rejected proposal",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteProposal(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete proposal: %w", err)
		}
		output.Success("Proposal %s deleted", args[0])
		return nil
	},
}

func printProposal(p *models.ChangeProposal) {
	output.Info("ID:          %s", p.ID)
	output.Info("Title:       %s", p.Title)
	output.Info("Status:      %s", p.Status)
	output.Info("Severity:    %s", p.Severity)
	output.Info("Change type: %s", p.ChangeType)
	output.Info("Artifact:    %s", p.ArtifactID)
	output.Info("Trigger:     %s %s", p.TriggeredByType, orDash(p.TriggeredByURL))
	output.Info("Confidence:  %d%%", p.AIConfidence)
	if p.Description != "" {
		output.Info("\n%s", p.Description)
	}
	if p.AIRationale != "" {
		output.Info("\nRationale: %s", p.AIRationale)
	}
	if len(p.ProposedChanges.Sections) > 0 {
		output.Info("\nProposed changes (%d sections): %s", len(p.ProposedChanges.Sections), p.ProposedChanges.Summary)
	}
	if p.ReviewNotes != "" {
		output.Info("Review notes: %s", p.ReviewNotes)
	}
}

func init() {
	rootCmd.AddCommand(proposalsCmd)
	proposalsCmd.AddCommand(proposalsListCmd, proposalsGetCmd, proposalsImpactCmd, proposalsReviewCmd,
		proposalsApproveCmd, proposalsRejectCmd, proposalsSupersedeCmd, proposalsDeleteCmd)

	proposalsListCmd.Flags().String("status", "", "filter by status")
	proposalsListCmd.Flags().String("project", "", "filter by project id")
	proposalsListCmd.Flags().Bool("mine", false, "only proposals assigned to me")
	proposalsListCmd.Flags().Int("page", 1, "page number")
	proposalsListCmd.Flags().Int("limit", 50, "results per page")

	proposalsApproveCmd.Flags().String("notes", "", "review notes")
	proposalsRejectCmd.Flags().String("notes", "", "reason for rejecting (required)")
}
