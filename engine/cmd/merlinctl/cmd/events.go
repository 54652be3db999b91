package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/engine/internal/client"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/output"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect ingested events",
	Long:  "List, inspect and retry webhook and API events recorded by the engine",
}

var eventsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List events",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := apiClient(cmd).ListEvents(cmd.Context(), client.ListOptions{
			Status:     status,
			SourceType: source,
			Page:       page,
			Limit:      limit,
		})
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		return output.Render(outputFormat(cmd), events, func() {
			if len(events) == 0 {
				output.Info("No events found")
				return
			}
			table := output.NewTable("ID", "SOURCE", "TYPE", "STATUS", "RETRIES", "CREATED")
			for _, e := range events {
				table.AddRow(e.ID, e.SourceType, e.EventType, string(e.Status),
					strconv.Itoa(e.RetryCount), e.CreatedAt.Format(time.RFC3339))
			}
			table.Render()
		})
	},
}

var eventsGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one event with its job results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := apiClient(cmd).GetEvent(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}
		return output.Render(outputFormat(cmd), e, func() { printEvent(e) })
	},
}

var eventsRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Reset a finished event and run it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := apiClient(cmd).RetryEvent(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to retry event: %w", err)
		}
		output.Success("Event %s queued (retry %d)", e.ID, e.RetryCount)
		return nil
	},
}

func printEvent(e *models.EventRecord) {
	output.Info("ID:       %s", e.ID)
	output.Info("Tenant:   %s", e.TenantID)
	output.Info("Source:   %s (%s)", e.SourceType, e.EventType)
	output.Info("Status:   %s", e.Status)
	output.Info("Retries:  %d", e.RetryCount)
	if e.Error != "" {
		output.Warn("Error: %s", e.Error)
	}
	if len(e.Results) > 0 {
		table := output.NewTable("JOB", "STATUS", "MESSAGE")
		for _, name := range slices.Sorted(maps.Keys(e.Results)) {
			r := e.Results[name]
			table.AddRow(name, r.Status, output.Truncate(r.Message, 60))
		}
		table.Render()
	}
	if n := len(e.CreatedWorkItemIDs); n > 0 {
		output.Info("Work items created: %d", n)
	}
	if n := len(e.CreatedNodeIDs); n > 0 {
		output.Info("Nodes created: %d", n)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsGetCmd, eventsRetryCmd)

	eventsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	eventsListCmd.Flags().String("source", "", "filter by source (jira, zoom, slack)")
	eventsListCmd.Flags().Int("page", 1, "page number")
	eventsListCmd.Flags().Int("limit", 50, "results per page")
}
