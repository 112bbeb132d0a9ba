package main

import (
	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	migrator *persistence.Migrator
	db       *sql.DB
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back CoverLedger schema migrations",
	Long: `migrate manages the event_log and projections schemas.

Environment:
  COVER_POSTGRES_DSN     - Postgres connection string
  COVER_MIGRATIONS_DIR   - path to migrations directory (default: migrations)`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Decode(config.New(), cfgFile)
		if err != nil {
			return err
		}
		if err := observability.ConfigureLogging(observability.LogOptions{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
			return err
		}
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		migrator = persistence.NewMigrator(db, cfg.Migrations.Dir, observability.NewLogger("migrate"))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			db.Close()
		}
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrator.Up(context.Background())
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrator.Down(context.Background())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := migrator.Status(context.Background())
		if err != nil {
			return err
		}
		for _, m := range list {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, m.Filename)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
