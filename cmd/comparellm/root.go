package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "comparellm",
	Short: "Side-by-side LLM comparison service with credits and billing",
	Long: `comparellm sends one prompt to several language models at once and
returns their answers side by side, optionally with a synthesized summary.
Every question is paid for in credits; paid tiers are billed through Stripe.

Quick start:
  comparellm init      # Write a starter configuration
  comparellm serve     # Start the HTTP server

Management:
  comparellm accounts  # Inspect and adjust accounts
  comparellm usage     # Show usage history
  comparellm validate  # Validate configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "comparellm.yaml", "config file path")
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
