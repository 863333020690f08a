// Package memory provides in-memory implementations of storage ports,
// for tests and for running without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/ports"
)

// Store errors, shared with the other storage adapters.
var (
	ErrNotFound  = ports.ErrNotFound
	ErrDuplicate = ports.ErrDuplicate
)

// AccountStore is an in-memory implementation of ports.AccountStore.
// A single mutex serializes debits, which makes them atomic.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]account.Account // by ID
	byEmail  map[string]string          // normalized email -> ID
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]account.Account),
		byEmail:  make(map[string]string),
	}
}

// Get retrieves an account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	return a, nil
}

// GetByEmail matches the normalized email exactly.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[account.NormalizeEmail(email)]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	return s.accounts[id], nil
}

// GetByBaseEmail returns the oldest account whose base email equals base.
func (s *AccountStore) GetByBaseEmail(ctx context.Context, base string) (account.Account, error) {
	base = account.BaseEmail(base)
	return s.oldest(func(a account.Account) bool { return account.BaseEmail(a.Email) == base })
}

// GetByCustomerRef retrieves the account linked to a billing customer.
func (s *AccountStore) GetByCustomerRef(ctx context.Context, ref string) (account.Account, error) {
	if ref == "" {
		return account.Account{}, ErrNotFound
	}
	return s.oldest(func(a account.Account) bool { return a.CustomerRef == ref })
}

func (s *AccountStore) oldest(match func(account.Account) bool) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []account.Account
	for _, a := range s.accounts {
		if match(a) {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return account.Account{}, ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID < found[j].ID
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found[0], nil
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Email = account.NormalizeEmail(a.Email)
	if _, exists := s.accounts[a.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := s.byEmail[a.Email]; exists {
		return ErrDuplicate
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	s.accounts[a.ID] = a
	s.byEmail[a.Email] = a.ID
	return nil
}

// Update overwrites the subscription and credit state of an account.
func (s *AccountStore) Update(ctx context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Tier = a.Tier
	existing.Status = a.Status
	existing.Credits = a.Credits
	existing.CustomerRef = a.CustomerRef
	existing.SubscriptionRef = a.SubscriptionRef
	existing.CurrentPeriodEnd = a.CurrentPeriodEnd
	existing.UpdatedAt = a.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = existing
	return nil
}

// SetStatus changes the status without rewriting credits.
func (s *AccountStore) SetStatus(ctx context.Context, id string, status account.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	existing.Status = status
	existing.UpdatedAt = at
	s.accounts[id] = existing
	return nil
}

// Debit subtracts amount if the balance covers it.
func (s *AccountStore) Debit(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit %d: amount must not be negative", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return 0, ErrNotFound
	}
	if a.Credits < amount {
		return a.Credits, ports.ErrInsufficientCredits
	}
	a.Credits -= amount
	a.UpdatedAt = time.Now().UTC()
	s.accounts[id] = a
	return a.Credits, nil
}

// List returns accounts, newest first.
func (s *AccountStore) List(ctx context.Context, limit int) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.AccountStore = (*AccountStore)(nil)
