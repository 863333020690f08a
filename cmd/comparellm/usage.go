package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View usage history",
	Long: `View the model calls logged for an account.

Examples:
  comparellm usage history --account=6a1f0c3e-...
  comparellm usage history --email=dev@example.com --limit=50`,
}

var usageHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent model calls and their totals",
	RunE:  runUsageHistory,
}

var (
	usageAccountID string
	usageEmail     string
	usageLimit     int
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageHistoryCmd)

	usageHistoryCmd.Flags().StringVar(&usageAccountID, "account", "", "account ID")
	usageHistoryCmd.Flags().StringVar(&usageEmail, "email", "", "account email")
	usageHistoryCmd.Flags().IntVar(&usageLimit, "limit", 20, "number of calls to show")
	usageHistoryCmd.Flags().StringVar(&dbPath, "db", "", "database file path (bypasses config file)")
}

func runUsageHistory(cmd *cobra.Command, args []string) error {
	identifier := usageAccountID
	if identifier == "" {
		identifier = usageEmail
	}
	if identifier == "" {
		return fmt.Errorf("either --account or --email is required")
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := accountService(db)
	a, err := getAccountByIDOrEmail(sqliteAccounts(db), identifier)
	if err != nil {
		return fmt.Errorf("account not found: %s", identifier)
	}

	events, summary, err := svc.History(context.Background(), a.ID, usageLimit)
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}

	fmt.Printf("Usage for %s (%s)\n\n", a.Email, a.ID)
	if len(events) == 0 {
		fmt.Println("No model calls logged.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMODEL\tPROMPT\tCOMPLETION\tCOST USD")
	fmt.Fprintln(w, "----\t-----\t------\t----------\t--------")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.ModelID,
			e.PromptTokens,
			e.CompletionTokens,
			e.CostUSD.StringFixed(6),
		)
	}
	w.Flush()

	fmt.Println()
	fmt.Printf("Calls:             %d (+%d summaries)\n", summary.Calls, summary.SummaryCalls)
	fmt.Printf("Prompt tokens:     %d\n", summary.PromptTokens)
	fmt.Printf("Completion tokens: %d\n", summary.CompletionTokens)
	fmt.Printf("Cost:              $%s\n", summary.CostUSD.StringFixed(4))
	return nil
}
