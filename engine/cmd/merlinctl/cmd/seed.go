package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/client"
	"github.com/merlinhq/merlin/engine/internal/output"
	"github.com/merlinhq/merlin/engine/internal/seeder"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send generated webhooks to the engine",
	Long: `Generate realistic Jira, Zoom and Slack webhooks and post them to the engine.

Configuration cascade (priority order):
  1. Command-line flags
  2. ./seeder.yaml (project directory)
  3. ~/.merlin/seeder.yaml (user directory)
  4. Built-in defaults

Set the secrets section to the engine's webhook secrets so requests verify.`,
	Example: `  merlinctl seed --count 50 --sources jira,slack
  merlinctl seed --seeder-config ./seeder.yaml --tenant acme`,
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("seeder-config")
	sc, err := seeder.LoadConfig(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("count") {
		sc.Defaults.Count, _ = cmd.Flags().GetInt("count")
	}
	if cmd.Flags().Changed("sources") {
		sc.Defaults.Sources, _ = cmd.Flags().GetStringSlice("sources")
	}
	if cmd.Flags().Changed("tenant") {
		sc.Defaults.TenantID, _ = cmd.Flags().GetString("tenant")
	}
	if cmd.Flags().Changed("interval") {
		sc.Defaults.Interval, _ = cmd.Flags().GetDuration("interval")
	}
	if cmd.Flags().Changed("seed") {
		sc.Defaults.Seed, _ = cmd.Flags().GetInt64("seed")
	}
	if url, _ := cmd.Flags().GetString("engine-url"); url != "" {
		sc.Defaults.EngineURL = url
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	runner := seeder.NewRunner(sc, client.New(sc.Defaults.EngineURL, ""), logging.Discard())
	res, err := runner.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("seeding stopped: %w", err)
	}

	output.Success("Sent %d webhooks (%d rejected)", res.Sent, res.Failed)
	sources := make([]string, 0, len(res.BySource))
	for s := range res.BySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		output.Info("  %-6s %d", s, res.BySource[s])
	}
	if res.Sent == 0 {
		return fmt.Errorf("no webhooks were accepted")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().String("seeder-config", "", "seeder config file")
	seedCmd.Flags().Int("count", 0, "number of webhooks to send")
	seedCmd.Flags().StringSlice("sources", nil, "sources to generate (jira, zoom, slack)")
	seedCmd.Flags().String("tenant", "", "tenant id passed as ?tenant_id=")
	seedCmd.Flags().Duration("interval", 0, "pause between webhooks")
	seedCmd.Flags().Int64("seed", 0, "random seed for reproducible traffic")
}
