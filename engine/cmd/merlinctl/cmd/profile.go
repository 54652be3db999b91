package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/output"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save an engine URL and token as a profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("engine-url")
		token, _ := cmd.Flags().GetString("token")
		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			profile = cfg.CurrentProfile
		}
		if url == "" {
			url = cfg.EngineURL(profile)
		}
		if token == "" {
			return fmt.Errorf("--token is required (see 'merlinctl token issue')")
		}

		cfg.SetProfile(profile, &config.CLIProfile{EngineURL: url, AccessToken: token})
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' now points at %s", profile, url)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the token of a profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		p, err := cfg.GetProfile(profile)
		if err != nil {
			return err
		}
		p.AccessToken = ""
		if err := cfg.Save(); err != nil {
			return err
		}
		output.Success("Logged out")
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)

		return output.Render(outputFormat(cmd), cfg.Profiles, func() {
			if len(names) == 0 {
				output.Info("No profiles saved, use 'merlinctl login'")
				return
			}
			table := output.NewTable("", "PROFILE", "ENGINE URL", "TOKEN")
			for _, name := range names {
				p := cfg.Profiles[name]
				current, token := "", "no"
				if name == cfg.CurrentProfile {
					current = "*"
				}
				if p.AccessToken != "" {
					token = "yes"
				}
				table.AddRow(current, name, orDash(p.EngineURL), token)
			}
			table.Render()
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health and run counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := apiClient(cmd).Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("engine unreachable: %w", err)
		}
		return output.Render(outputFormat(cmd), health, func() {
			output.Success("%v is %v", health["service"], health["status"])
			if stats, ok := health["stats"].(map[string]any); ok {
				output.Info("Uptime:    %vs", stats["uptime_seconds"])
				output.Info("Processed: %v", stats["processed"])
				output.Info("Failed:    %v", stats["failed"])
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, profilesCmd, statusCmd)

	loginCmd.Flags().String("token", "", "reviewer bearer token")
}
