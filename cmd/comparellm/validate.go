package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/artpar/comparellm/adapters/sqlite"
	"github.com/artpar/comparellm/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the comparellm configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Model catalog and billing plans are consistent
  - Model gateway is reachable (optional)
  - Database is reachable (optional)

Examples:
  comparellm validate
  comparellm validate --config /etc/comparellm/config.yaml --check-gateway`,
	RunE: runValidate,
}

var (
	validateCheckGateway  bool
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckGateway, "check-gateway", false, "check if the model gateway is reachable")
	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if the database opens")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config valid\n", checkMark)

	catalog, _ := cfg.Catalog()

	// Show config summary
	fmt.Printf("  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Printf("  %s Gateway: %s\n", checkMark, orDefault(cfg.Gateway.BaseURL, "https://api.openai.com/v1"))
	fmt.Printf("  %s Models: %d\n", checkMark, len(catalog))
	fmt.Printf("  %s Billing: %s\n", checkMark, enabledText(cfg.Billing.Enabled()))
	fmt.Printf("  %s Identity directory: %s\n", checkMark, enabledText(cfg.Identity.DirectoryEnabled()))
	fmt.Printf("  %s Admin API: %s\n", checkMark, enabledText(cfg.Admin.TokenHash != ""))
	fmt.Printf("  %s Test accounts: %d\n", checkMark, len(cfg.Ledger.TestAccounts))

	// Optional: check gateway
	if validateCheckGateway {
		if err := checkGatewayReachable(cfg.Gateway.BaseURL); err != nil {
			fmt.Printf("  %s Gateway reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Gateway reachable\n", checkMark)
		}
	}

	// Optional: check database
	if validateCheckDatabase && cfg.Database.Driver == "sqlite" {
		if err := checkDatabaseReachable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func enabledText(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func checkGatewayReachable(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "HEAD", orDefault(url, "https://api.openai.com/v1"), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkDatabaseReachable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.Ping(ctx)
}
