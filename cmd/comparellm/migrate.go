package main

import (
	"fmt"

	"github.com/artpar/comparellm/adapters/sqlite"
	"github.com/artpar/comparellm/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded schema migrations to the configured sqlite database.
The server also migrates on startup; this command is for deploy pipelines
that migrate before rolling out.

Examples:
  comparellm migrate
  comparellm migrate --db /data/comparellm.db`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&dbPath, "db", "", "database file path (bypasses config file)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dsn := dbPath
	if dsn == "" {
		cfg, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Database.Driver != "sqlite" {
			fmt.Printf("Database driver %q needs no migrations.\n", cfg.Database.Driver)
			return nil
		}
		dsn = cfg.Database.DSN
	}

	db, err := sqlite.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	applied, err := db.Migrate()
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if len(applied) == 0 {
		fmt.Printf("%s %s is up to date\n", checkMark, dsn)
		return nil
	}
	for _, v := range applied {
		fmt.Printf("%s Applied %s\n", checkMark, v)
	}
	return nil
}
