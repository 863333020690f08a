package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"syscall"

	"github.com/artpar/comparellm/adapters/hasher"
	"github.com/artpar/comparellm/ports"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the admin API token",
	Long: `Manage the bearer token of the /admin API.

The server stores only a bcrypt hash of the token (admin.token_hash or
COMPARELLM_ADMIN_TOKEN_HASH). The admin API is disabled while no hash is set.

Examples:
  comparellm admin hash-token
  comparellm admin hash-token --generate`,
}

var adminHashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash an admin token for the configuration",
	Long: `Hash an admin bearer token with bcrypt.

If --token and --generate are not given, you will be prompted to enter it securely.`,
	RunE: runAdminHashToken,
}

var (
	adminToken    string
	adminGenerate bool
)

func init() {
	rootCmd.AddCommand(adminCmd)

	adminCmd.AddCommand(adminHashTokenCmd)

	adminHashTokenCmd.Flags().StringVar(&adminToken, "token", "", "token to hash (will prompt if not provided)")
	adminHashTokenCmd.Flags().BoolVar(&adminGenerate, "generate", false, "generate a random token")
}

func runAdminHashToken(cmd *cobra.Command, args []string) error {
	token := adminToken
	var err error
	switch {
	case adminGenerate:
		token, err = generateToken()
		if err != nil {
			return err
		}
	case token == "":
		token, err = promptPassword("Enter admin token: ")
		if err != nil {
			return err
		}
		confirmed, err := promptPassword("Confirm admin token: ")
		if err != nil {
			return err
		}
		if token != confirmed {
			return fmt.Errorf("tokens do not match")
		}
	}

	if len(token) < 16 {
		return fmt.Errorf("token must be at least 16 characters")
	}

	hash, err := getHasher().Hash(token)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	if adminGenerate {
		fmt.Println("Admin token (save this, shown once):")
		fmt.Printf("  %s\n\n", token)
	}
	fmt.Println("Add to comparellm.yaml:")
	fmt.Println("  admin:")
	fmt.Printf("    token_hash: '%s'\n\n", hash)
	fmt.Println("Or set the environment variable (single quotes keep the $ signs):")
	fmt.Printf("  COMPARELLM_ADMIN_TOKEN_HASH='%s'\n", hash)
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // Print newline after password input
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(password), nil
}

func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// getHasher returns a bcrypt hasher for token operations
func getHasher() ports.Hasher {
	return hasher.NewBcrypt(bcrypt.DefaultCost)
}
