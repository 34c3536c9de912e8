package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parchment-ai/parchment/internal/config"
	"github.com/parchment-ai/parchment/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Migrate brings the database schema up to date. Other commands run
migrations automatically at startup; this command exists for deploy
pipelines that migrate before rolling new processes.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := database.Migrate(cfg.PostgresURL()); err != nil {
		return err
	}
	fmt.Println("database schema is up to date")
	return nil
}
