package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/artpar/comparellm/adapters/clock"
	"github.com/artpar/comparellm/adapters/sqlite"
	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/config"
	"github.com/artpar/comparellm/domain/account"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and adjust accounts",
	Long: `Inspect accounts and apply manual overrides.

Overrides are for support cases where billing and local state diverged.
Paid tiers are normally set by Stripe webhooks.

Examples:
  comparellm accounts get user@example.com
  comparellm accounts reset 6a1f0c3e-...
  comparellm accounts set-tier user@example.com pro

For local dev without a config file, use --db to specify the database directly:
  comparellm accounts get --db comparellm.db user@example.com`,
}

var accountsGetCmd = &cobra.Command{
	Use:   "get <account-id-or-email>",
	Short: "Show an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsGet,
}

var accountsResetCmd = &cobra.Command{
	Use:   "reset <account-id>",
	Short: "Reset an account to the free tier",
	Long: `Reset an account to the free tier: status active, credits back to the
free allotment, billing references and period end cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsReset,
}

var accountsSetTierCmd = &cobra.Command{
	Use:   "set-tier <email> <tier>",
	Short: "Set the tier of the account with this email",
	Long: `Set the tier (free, plus or pro) of the account registered with exactly
this email. Status becomes active and credits are set to the tier allotment.`,
	Args: cobra.ExactArgs(2),
	RunE: runAccountsSetTier,
}

var (
	dbPath string
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.AddCommand(accountsGetCmd)
	accountsCmd.AddCommand(accountsResetCmd)
	accountsCmd.AddCommand(accountsSetTierCmd)

	// Add --db persistent flag to accounts command (works with all subcommands)
	accountsCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file path (bypasses config file)")
}

func runAccountsGet(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := getAccountByIDOrEmail(sqliteAccounts(db), args[0])
	if err != nil {
		return fmt.Errorf("account not found: %s", args[0])
	}
	printAccount(a)
	return nil
}

func runAccountsReset(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if !confirm(fmt.Sprintf("Reset account %s to the free tier?", args[0])) {
		fmt.Println("Aborted.")
		return nil
	}

	a, err := accountService(db).AdminReset(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to reset account: %w", err)
	}
	fmt.Printf("%s Reset %s to free (%d credits)\n", checkMark, a.ID, a.Credits)
	return nil
}

func runAccountsSetTier(cmd *cobra.Command, args []string) error {
	tier, err := account.ParseTier(args[1])
	if err != nil {
		return err
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := accountService(db).AdminSetTier(context.Background(), args[0], tier)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	fmt.Printf("%s %s is now %s (%d credits)\n", checkMark, a.Email, a.Tier, a.Credits)
	return nil
}

func accountService(db *sqlite.DB) *app.AccountService {
	return app.NewAccountService(sqliteAccounts(db), sqlite.NewUsageStore(db), clock.Real{}, zerolog.Nop())
}

func sqliteAccounts(db *sqlite.DB) *sqlite.AccountStore {
	return sqlite.NewAccountStore(db)
}

// getAccountByIDOrEmail retrieves an account by id or email address
func getAccountByIDOrEmail(store *sqlite.AccountStore, identifier string) (account.Account, error) {
	ctx := context.Background()

	// If it contains @, treat as email
	if strings.Contains(identifier, "@") {
		return store.GetByEmail(ctx, account.NormalizeEmail(identifier))
	}
	return store.Get(ctx, identifier)
}

func printAccount(a account.Account) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", a.ID)
	fmt.Fprintf(w, "Email:\t%s\n", a.Email)
	fmt.Fprintf(w, "Tier:\t%s\n", a.Tier)
	fmt.Fprintf(w, "Status:\t%s\n", a.Status)
	fmt.Fprintf(w, "Credits:\t%d / %d\n", a.Credits, a.Tier.Allotment())
	if a.CustomerRef != "" {
		fmt.Fprintf(w, "Customer:\t%s\n", a.CustomerRef)
	}
	if a.SubscriptionRef != "" {
		fmt.Fprintf(w, "Subscription:\t%s\n", a.SubscriptionRef)
	}
	if a.CurrentPeriodEnd != nil {
		fmt.Fprintf(w, "Period end:\t%s\n", a.CurrentPeriodEnd.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(w, "Created:\t%s\n", a.CreatedAt.Format("2006-01-02 15:04"))
	w.Flush()
}

// openDatabase opens the sqlite database named by --db or the config file
// and applies pending migrations.
func openDatabase() (*sqlite.DB, error) {
	dsn := dbPath
	if dsn == "" {
		cfg, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Database.Driver != "sqlite" {
			return nil, fmt.Errorf("database driver %q has no persistent data to manage", cfg.Database.Driver)
		}
		dsn = cfg.Database.DSN
	}

	db, err := sqlite.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}
