package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/output"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back engine database migrations",
	Long: `Run the engine's PostgreSQL migrations directly, without starting the engine.

Connection settings come from the engine config file (--engine-config) and
MERLIN_DATABASE_* environment variables.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, dir, err := migrationTarget(cmd)
		if err != nil {
			return err
		}
		status, err := repository.MigrateUp(conn, dir)
		if err != nil {
			return err
		}
		output.Success("Database at version %d (dirty=%t)", status.Version, status.Dirty)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		conn, dir, err := migrationTarget(cmd)
		if err != nil {
			return err
		}
		status, err := repository.MigrateDown(conn, dir, steps)
		if err != nil {
			return err
		}
		output.Success("Rolled back %d step(s), database at version %d", steps, status.Version)
		return nil
	},
}

func migrationTarget(cmd *cobra.Command) (string, string, error) {
	path, _ := cmd.Flags().GetString("engine-config")
	engineCfg, err := config.Load(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to load engine config: %w", err)
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = engineCfg.Database.MigrationsDir
	}
	return engineCfg.Database.Postgres.ConnectionString(), dir, nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)

	migrateCmd.PersistentFlags().String("engine-config", "", "engine config file or directory")
	migrateCmd.PersistentFlags().String("dir", "", "migrations directory (default: database.migrations_dir)")
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
}
