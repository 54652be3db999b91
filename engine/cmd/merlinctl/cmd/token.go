package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/output"
	"github.com/merlinhq/merlin/engine/internal/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Reviewer token management",
	Long:  "Issue and inspect the bearer tokens the engine API accepts",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a reviewer token with the engine's JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		tenant, _ := cmd.Flags().GetString("tenant")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		secret := jwtSecret(cmd)
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		if user == "" || tenant == "" {
			return fmt.Errorf("--user and --tenant are required")
		}
		if secret == "" {
			return fmt.Errorf("--secret is required (the engine's auth.jwt_secret)")
		}

		token, err := tokens.NewManager(config.AuthConfig{JWTSecret: secret, TokenTTL: ttl}).Issue(user, tenant, roles)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		if save {
			if err := saveToken(cmd, token); err != nil {
				output.Warn("Failed to save token: %v", err)
			} else {
				output.Info("Token saved to profile '%s'", cfg.CurrentProfile)
			}
		}
		fmt.Fprintln(output.Stdout, token)
		return nil
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect [token]",
	Short: "Verify a token and show its claims",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := jwtSecret(cmd)
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		token := ""
		if len(args) == 1 {
			token = args[0]
		} else {
			profile, _ := cmd.Flags().GetString("profile")
			token = cfg.AccessToken(profile)
		}
		if token == "" {
			return fmt.Errorf("no token given and none saved in the profile")
		}

		claims, err := tokens.NewManager(config.AuthConfig{JWTSecret: secret}).Validate(token)
		if err != nil {
			return err
		}
		return output.Render(outputFormat(cmd), claims, func() {
			output.Success("Token is valid")
			output.Info("User:    %s", claims.UserID)
			output.Info("Tenant:  %s", claims.TenantID)
			output.Info("Roles:   %v", claims.Roles)
			if claims.ExpiresAt != nil {
				output.Info("Expires: %s", claims.ExpiresAt.Time.Format(time.RFC3339))
			}
		})
	},
}

func jwtSecret(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("secret"); s != "" {
		return s
	}
	return os.Getenv("MERLIN_AUTH_JWT_SECRET")
}

func saveToken(cmd *cobra.Command, token string) error {
	profile, _ := cmd.Flags().GetString("profile")
	if profile == "" {
		profile = cfg.CurrentProfile
	}
	p, err := cfg.GetProfile(profile)
	if err != nil {
		p = &config.CLIProfile{}
	}
	p.AccessToken = token
	cfg.SetProfile(profile, p)
	return cfg.Save()
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenInspectCmd)

	tokenCmd.PersistentFlags().String("secret", "", "engine JWT secret (or MERLIN_AUTH_JWT_SECRET)")
	tokenIssueCmd.Flags().String("user", "", "reviewer user id (required)")
	tokenIssueCmd.Flags().String("tenant", "", "tenant id (required)")
	tokenIssueCmd.Flags().StringSlice("roles", []string{"reviewer"}, "roles to embed")
	tokenIssueCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	tokenIssueCmd.Flags().Bool("save", false, "store the token in the current profile")
}
