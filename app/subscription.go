package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// SubscriptionConfig holds the billing URLs and per-tier prices.
type SubscriptionConfig struct {
	Prices          map[account.Tier]string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// SubscriptionService handles user-initiated subscription changes.
type SubscriptionService struct {
	provider ports.PaymentProvider
	accounts ports.AccountStore
	clock    ports.Clock
	logger   zerolog.Logger

	mu  sync.RWMutex
	cfg SubscriptionConfig
}

// NewSubscriptionService creates a subscription service.
func NewSubscriptionService(provider ports.PaymentProvider, accounts ports.AccountStore, clock ports.Clock, cfg SubscriptionConfig, logger zerolog.Logger) *SubscriptionService {
	return &SubscriptionService{
		provider: provider,
		accounts: accounts,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// SetConfig replaces prices and URLs.
func (s *SubscriptionService) SetConfig(cfg SubscriptionConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *SubscriptionService) config() SubscriptionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Checkout starts a hosted checkout for a paid tier and returns its URL.
// The tier the account ends up on is decided by the webhook, not here.
func (s *SubscriptionService) Checkout(ctx context.Context, a account.Account, tier account.Tier) (string, error) {
	if tier != account.TierPlus && tier != account.TierPro {
		return "", fmt.Errorf("%w %q: must be plus or pro", ErrInvalidTier, tier)
	}
	cfg := s.config()
	price := cfg.Prices[tier]
	if price == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPrice, tier)
	}

	url, err := s.provider.CreateCheckout(ctx, ports.CheckoutParams{
		AccountID:   a.ID,
		Email:       a.Email,
		CustomerRef: a.CustomerRef,
		PriceID:     price,
		SuccessURL:  cfg.SuccessURL,
		CancelURL:   cfg.CancelURL,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("account_id", a.ID).Str("tier", string(tier)).Msg("checkout session created")
	return url, nil
}

// Cancel schedules cancellation at period end. The tier is kept until the
// provider ends the subscription.
func (s *SubscriptionService) Cancel(ctx context.Context, a account.Account) (account.Account, error) {
	if a.SubscriptionRef == "" {
		return account.Account{}, ErrNoSubscription
	}
	if err := s.provider.CancelAtPeriodEnd(ctx, a.SubscriptionRef); err != nil {
		return account.Account{}, err
	}
	// Status only: the snapshot's credits may be stale by now.
	if err := s.accounts.SetStatus(ctx, a.ID, account.StatusCancelAtPeriodEnd, s.clock.Now()); err != nil {
		return account.Account{}, err
	}
	s.logger.Info().Str("account_id", a.ID).Msg("subscription set to cancel at period end")
	return s.accounts.Get(ctx, a.ID)
}

// Portal returns a billing portal URL for the account's customer.
func (s *SubscriptionService) Portal(ctx context.Context, a account.Account) (string, error) {
	if a.CustomerRef == "" {
		return "", ErrNoCustomer
	}
	return s.provider.CreatePortal(ctx, a.CustomerRef, s.config().PortalReturnURL)
}
