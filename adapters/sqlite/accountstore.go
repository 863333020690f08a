package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/ports"
)

const accountColumns = `id, email, tier, status, credits, customer_ref, subscription_ref,
	current_period_end, created_at, updated_at`

// AccountStore implements ports.AccountStore using SQLite.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates a new SQLite account store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get retrieves an account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

// GetByEmail matches the normalized email exactly.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, account.NormalizeEmail(email)))
}

// GetByBaseEmail matches accounts whose stored base email equals base.
func (s *AccountStore) GetByBaseEmail(ctx context.Context, base string) (account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE base_email = ? ORDER BY created_at ASC LIMIT 1`,
		account.BaseEmail(base)))
}

// GetByCustomerRef retrieves the account linked to a billing customer.
func (s *AccountStore) GetByCustomerRef(ctx context.Context, ref string) (account.Account, error) {
	if ref == "" {
		return account.Account{}, ErrNotFound
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE customer_ref = ? ORDER BY updated_at DESC LIMIT 1`, ref))
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, a account.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	email := account.NormalizeEmail(a.Email)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, base_email, tier, status, credits, customer_ref,
			subscription_ref, current_period_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, email, account.BaseEmail(email), a.Tier, a.Status, a.Credits,
		nullString(a.CustomerRef), nullString(a.SubscriptionRef), nullTime(a.CurrentPeriodEnd),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// Update overwrites the subscription and credit state of an account.
func (s *AccountStore) Update(ctx context.Context, a account.Account) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET tier = ?, status = ?, credits = ?, customer_ref = ?, subscription_ref = ?,
			current_period_end = ?, updated_at = ?
		WHERE id = ?
	`, a.Tier, a.Status, a.Credits, nullString(a.CustomerRef), nullString(a.SubscriptionRef),
		nullTime(a.CurrentPeriodEnd), a.UpdatedAt.UTC(), a.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus changes the status without rewriting credits.
func (s *AccountStore) SetStatus(ctx context.Context, id string, status account.Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?
	`, status, at.UTC(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Debit subtracts amount in a single conditional UPDATE, so concurrent
// debits on one account can never overdraw it.
func (s *AccountStore) Debit(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit %d: amount must not be negative", amount)
	}

	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET credits = credits - ?, updated_at = ?
		WHERE id = ? AND credits >= ?
		RETURNING credits
	`, amount, time.Now().UTC(), id, amount).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing updated: tell a missing account from a short balance.
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM accounts WHERE id = ?`, id).Scan(&remaining); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return remaining, ports.ErrInsufficientCredits
}

// List returns accounts, newest first.
func (s *AccountStore) List(ctx context.Context, limit int) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var a account.Account
	var customerRef, subscriptionRef sql.NullString
	var periodEnd sql.NullTime

	err := row.Scan(&a.ID, &a.Email, &a.Tier, &a.Status, &a.Credits, &customerRef, &subscriptionRef,
		&periodEnd, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, ErrNotFound
	}
	if err != nil {
		return account.Account{}, err
	}

	a.CustomerRef = customerRef.String
	a.SubscriptionRef = subscriptionRef.String
	if periodEnd.Valid {
		t := periodEnd.Time
		a.CurrentPeriodEnd = &t
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Ensure interface compliance.
var _ ports.AccountStore = (*AccountStore)(nil)
