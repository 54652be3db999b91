package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/engine/internal/output"
)

var jiraCmd = &cobra.Command{
	Use:   "jira",
	Short: "Jira import and push",
	Long:  "Import Jira issues as work items, or push a work item to Jira as a new issue",
}

var jiraImportCmd = &cobra.Command{
	Use:   "import <jql>",
	Short: "Import every issue matching a JQL query",
	Args:  cobra.ExactArgs(1),
	Example: `  merlinctl jira import 'project = OPS AND statusCategory != Done'
  merlinctl jira import 'project = OPS' --max-results 200 --canvas cnv_123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxResults, _ := cmd.Flags().GetInt("max-results")
		canvas, _ := cmd.Flags().GetString("canvas")

		accepted, err := apiClient(cmd).ImportJira(cmd.Context(), args[0], maxResults, canvas)
		if err != nil {
			return fmt.Errorf("failed to start import: %w", err)
		}
		output.Success("Import accepted as event %s", accepted.EventID)
		output.Info("Follow it with: merlinctl events get %s", accepted.EventID)
		return nil
	},
}

var jiraPushCmd = &cobra.Command{
	Use:   "push <work-item-id>",
	Short: "Create a Jira issue from a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		issueType, _ := cmd.Flags().GetString("issue-type")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		accepted, err := apiClient(cmd).PushJira(cmd.Context(), args[0], project, issueType)
		if err != nil {
			return fmt.Errorf("failed to push work item: %w", err)
		}
		output.Success("Push accepted as event %s", accepted.EventID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jiraCmd)
	jiraCmd.AddCommand(jiraImportCmd, jiraPushCmd)

	jiraImportCmd.Flags().Int("max-results", 0, "stop after this many issues (default: engine limit)")
	jiraImportCmd.Flags().String("canvas", "", "canvas to place imported items on")

	jiraPushCmd.Flags().String("project", "", "Jira project key (required)")
	jiraPushCmd.Flags().String("issue-type", "", "Jira issue type (default: Task)")
}
