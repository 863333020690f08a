package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// ErrMissingEmail is returned when an identity carries no email address.
var ErrMissingEmail = errors.New("identity has no email")

// ErrEmailTaken is returned when an identity's email already belongs to the
// account of another subject.
var ErrEmailTaken = errors.New("email belongs to another account")

// AccountService provisions accounts and serves account reads and
// administrative overrides.
type AccountService struct {
	accounts ports.AccountStore
	usage    ports.UsageStore
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewAccountService creates an account service.
func NewAccountService(accounts ports.AccountStore, usageStore ports.UsageStore, clock ports.Clock, logger zerolog.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		usage:    usageStore,
		clock:    clock,
		logger:   logger,
	}
}

// Provision returns the account of an authenticated identity, creating it
// in the signup state on first sight. The account id is the identity subject.
func (s *AccountService) Provision(ctx context.Context, id ports.Identity) (account.Account, error) {
	a, err := s.accounts.Get(ctx, id.Subject)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return account.Account{}, err
	}
	if id.Email == "" {
		return account.Account{}, ErrMissingEmail
	}

	a = account.New(id.Subject, id.Email, s.clock.Now())
	if err := s.accounts.Create(ctx, a); err != nil {
		if !errors.Is(err, ports.ErrDuplicate) {
			return account.Account{}, fmt.Errorf("create account: %w", err)
		}
		// Lost a race with a concurrent first request for the same subject.
		if a, err := s.accounts.Get(ctx, id.Subject); err == nil {
			return a, nil
		}
		s.logger.Warn().
			Str("account_id", id.Subject).
			Str("email", a.Email).
			Msg("email already registered to another account")
		return account.Account{}, ErrEmailTaken
	}

	s.logger.Info().
		Str("account_id", a.ID).
		Str("email", a.Email).
		Msg("account provisioned")
	return a, nil
}

// Get returns an account by id.
func (s *AccountService) Get(ctx context.Context, id string) (account.Account, error) {
	return s.accounts.Get(ctx, id)
}

// History returns the newest usage events of an account and their totals.
func (s *AccountService) History(ctx context.Context, accountID string, limit int) ([]usage.Event, usage.Summary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := s.usage.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, usage.Summary{}, err
	}
	return events, usage.Aggregate(events), nil
}

// AdminReset puts an account back on the free tier.
func (s *AccountService) AdminReset(ctx context.Context, accountID string) (account.Account, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return account.Account{}, err
	}
	a = account.ResetToFree(a, s.clock.Now())
	if err := s.accounts.Update(ctx, a); err != nil {
		return account.Account{}, err
	}
	s.logger.Info().Str("account_id", a.ID).Msg("account reset to free by admin")
	return a, nil
}

// AdminSetTier fixes the tier of the account with exactly this email.
func (s *AccountService) AdminSetTier(ctx context.Context, email string, tier account.Tier) (account.Account, error) {
	if !tier.Valid() {
		return account.Account{}, fmt.Errorf("%w %q", ErrInvalidTier, tier)
	}
	a, err := s.accounts.GetByEmail(ctx, account.NormalizeEmail(email))
	if err != nil {
		return account.Account{}, err
	}
	a = account.SetTier(a, tier, s.clock.Now())
	if err := s.accounts.Update(ctx, a); err != nil {
		return account.Account{}, err
	}
	s.logger.Info().
		Str("account_id", a.ID).
		Str("tier", string(tier)).
		Msg("account tier set by admin")
	return a, nil
}
