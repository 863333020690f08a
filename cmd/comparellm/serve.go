package main

import (
	"fmt"
	"os"

	"github.com/artpar/comparellm/bootstrap"
	"github.com/artpar/comparellm/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the comparison server",
	Long: `Start the comparellm HTTP server.

The server will:
  - Load configuration from comparellm.yaml (or --config)
  - Or load configuration from COMPARELLM_* environment variables
  - Open the database and apply pending migrations
  - Serve the comparison API, the Stripe webhook and the admin API

Environment variables (for container deployments):
  COMPARELLM_IDENTITY_JWT_SECRET         - Identity provider JWT secret (required)
  COMPARELLM_GATEWAY_BASE_URL            - OpenAI-compatible model gateway
  COMPARELLM_GATEWAY_API_KEY             - Gateway API key
  COMPARELLM_DATABASE_DSN                - Database path (default: comparellm.db)
  COMPARELLM_STRIPE_KEY                  - Stripe secret key
  COMPARELLM_STRIPE_WEBHOOK_SECRET_TEST  - Test-mode webhook secret
  COMPARELLM_STRIPE_WEBHOOK_SECRET_LIVE  - Live-mode webhook secret

Examples:
  comparellm serve
  comparellm serve --config /etc/comparellm/config.yaml
  comparellm serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	// No configuration at all
	if !hasConfigFile && !config.HasEnvConfig() {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Run 'comparellm init' to create %s\n", cfgFile)
		fmt.Printf("Option 2: Set %sIDENTITY_JWT_SECRET and the other COMPARELLM_* variables\n", config.EnvPrefix)
		return nil
	}

	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with config file
		app, err = bootstrap.NewWithHotReload(cfgFile, version)
	} else {
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}
		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}
		app, err = bootstrap.New(cfg, version)
	}
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
