package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/client"
	"github.com/merlinhq/merlin/engine/internal/output"
)

var (
	cfgFile string
	cfg     *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "merlinctl",
	Short: "Merlin engine CLI",
	Long: `merlinctl is the command-line interface for the Merlin engine.

Inspect and retry ingested events, review change proposals, drive Jira
imports and pushes, run database migrations and seed webhook traffic.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.merlin/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().StringP("output", "o", output.FormatTable, "output format: table, json, yaml")
	rootCmd.PersistentFlags().String("engine-url", "", "engine base URL, overrides the profile")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

// apiClient builds an engine client from flags and the selected profile.
func apiClient(cmd *cobra.Command) *client.Client {
	profile, _ := cmd.Flags().GetString("profile")
	url, _ := cmd.Flags().GetString("engine-url")
	if url == "" {
		url = cfg.EngineURL(profile)
	}
	return client.New(url, cfg.AccessToken(profile))
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
