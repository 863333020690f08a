package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/comparellm/adapters/sqlite"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Initialize comparellm with a starter configuration.

This will:
  1. Ask for the model gateway URL and key
  2. Configure database location
  3. Create the configuration file
  4. Create the database and apply migrations
  5. Generate an admin token (optional)

Examples:
  comparellm init
  comparellm init --non-interactive --gateway https://openrouter.ai/api/v1 --jwt-secret "$SECRET"`,
	RunE: runInit,
}

var (
	initGateway        string
	initGatewayKey     string
	initDatabase       string
	initJWTSecret      string
	initAdminToken     bool
	initNonInteractive bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initGateway, "gateway", "", "OpenAI-compatible gateway URL")
	initCmd.Flags().StringVar(&initGatewayKey, "gateway-key", "", "gateway API key (written as ${COMPARELLM_GATEWAY_API_KEY} when empty)")
	initCmd.Flags().StringVar(&initDatabase, "database", "comparellm.db", "database file path")
	initCmd.Flags().StringVar(&initJWTSecret, "jwt-secret", "", "identity provider JWT secret")
	initCmd.Flags().BoolVar(&initAdminToken, "admin-token", false, "generate an admin API token")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "run without prompts (requires --gateway and --jwt-secret)")
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println("Welcome to comparellm!")
	fmt.Println()

	// Check if config already exists
	if _, err := os.Stat(cfgFile); err == nil {
		fmt.Printf("Configuration file already exists: %s\n", cfgFile)
		if initNonInteractive || !confirm("Overwrite?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	reader := bufio.NewReader(os.Stdin)

	gateway := initGateway
	if gateway == "" {
		if initNonInteractive {
			return fmt.Errorf("--gateway is required in non-interactive mode")
		}
		gateway = prompt(reader, "Model gateway URL", "https://openrouter.ai/api/v1")
	}

	jwtSecret := initJWTSecret
	if jwtSecret == "" {
		if initNonInteractive {
			return fmt.Errorf("--jwt-secret is required in non-interactive mode")
		}
		jwtSecret = prompt(reader, "Identity provider JWT secret (empty to read ${COMPARELLM_IDENTITY_JWT_SECRET})", "")
	}

	database := initDatabase
	if !initNonInteractive && initDatabase == "comparellm.db" {
		database = prompt(reader, "Database location", "comparellm.db")
	}

	var token, tokenHash string
	if initAdminToken || (!initNonInteractive && confirm("Generate admin API token?")) {
		var err error
		if token, err = generateToken(); err != nil {
			return err
		}
		hash, err := getHasher().Hash(token)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		tokenHash = string(hash)
	}

	configContent := generateConfig(gateway, initGatewayKey, database, jwtSecret, tokenHash)
	if err := os.WriteFile(cfgFile, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("\n%s Generated %s\n", checkMark, cfgFile)

	// Create database and run migrations
	db, err := sqlite.Open(database)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	if _, err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	fmt.Printf("%s Created database %s\n", checkMark, database)

	if token != "" {
		fmt.Println()
		fmt.Println("Admin token (save this, shown once):")
		fmt.Printf("  %s\n", token)
	}

	fmt.Println()
	fmt.Println("Run 'comparellm serve' to start the server.")
	fmt.Println()
	fmt.Println("Access points:")
	fmt.Println("  Comparison API: http://localhost:8080/api/compare")
	fmt.Println("  Stripe webhook: http://localhost:8080/webhooks/stripe")
	fmt.Println("  Admin API:      http://localhost:8080/admin (requires admin token)")

	return nil
}

func prompt(reader *bufio.Reader, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("? %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("? %s: ", label)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func confirm(message string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("? %s [y/N]: ", message)
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}

func generateConfig(gateway, gatewayKey, database, jwtSecret, tokenHash string) string {
	if gatewayKey == "" {
		gatewayKey = "${COMPARELLM_GATEWAY_API_KEY}"
	}
	if jwtSecret == "" {
		jwtSecret = "${COMPARELLM_IDENTITY_JWT_SECRET}"
	}
	return fmt.Sprintf(`# comparellm configuration
# Generated by 'comparellm init'

server:
  host: "0.0.0.0"
  port: 8080

database:
  driver: sqlite
  dsn: "%s"

logging:
  level: info
  format: json

metrics:
  enabled: true

identity:
  jwt_secret: "%s"

gateway:
  base_url: "%s"
  api_key: "%s"
  timeout: 60s

ledger:
  test_accounts: []

billing:
  # stripe_key: "${COMPARELLM_STRIPE_KEY}"
  # webhook_secrets: ["${STRIPE_WEBHOOK_SECRET_TEST}", "${STRIPE_WEBHOOK_SECRET_LIVE}"]
  # plans:
  #   plus: "price_..."
  #   pro: "price_..."
  dedup_retention: 720h
  sweep_schedule: "@daily"

admin:
  token_hash: '%s'
`, database, jwtSecret, gateway, gatewayKey, tokenHash)
}
