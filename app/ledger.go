// Package app contains the application services: credit ledger, comparison
// orchestration, billing reconciliation and subscription management.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/compare"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LedgerService prices requests, checks and debits credits, and records usage.
type LedgerService struct {
	accounts ports.AccountStore
	recorder ports.UsageRecorder
	registry *model.Registry
	idGen    ports.IDGenerator
	clock    ports.Clock
	metrics  ports.Metrics
	logger   zerolog.Logger

	mu           sync.RWMutex
	testAccounts map[string]bool
	testCount    int
}

// NewLedgerService creates a ledger service.
func NewLedgerService(
	accounts ports.AccountStore,
	recorder ports.UsageRecorder,
	registry *model.Registry,
	idGen ports.IDGenerator,
	clock ports.Clock,
	metrics ports.Metrics,
	logger zerolog.Logger,
) *LedgerService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &LedgerService{
		accounts:     accounts,
		recorder:     recorder,
		registry:     registry,
		idGen:        idGen,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
		testAccounts: map[string]bool{},
	}
}

// SetTestAccounts replaces the allow-list of accounts that bypass credit
// checks. Entries are account ids or emails.
func (l *LedgerService) SetTestAccounts(entries []string) {
	m := make(map[string]bool, len(entries))
	n := 0
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		n++
		m[e] = true
		if strings.Contains(e, "@") {
			m[account.NormalizeEmail(e)] = true
		}
	}

	l.mu.Lock()
	l.testAccounts = m
	l.testCount = n
	l.mu.Unlock()
}

// TestAccountCount returns the size of the allow-list.
func (l *LedgerService) TestAccountCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.testCount
}

// IsTestAccount reports whether a is on the allow-list.
func (l *LedgerService) IsTestAccount(a account.Account) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.testAccounts[a.ID] || (a.Email != "" && l.testAccounts[account.NormalizeEmail(a.Email)])
}

// EstimateCost prices a request before execution. The synthesis fee is
// included whenever synthesis is requested over two or more models.
func (l *LedgerService) EstimateCost(req compare.Request) (int64, error) {
	total, unknown := l.registry.CreditsFor(req.Models)
	if len(unknown) > 0 {
		return total, fmt.Errorf("%w: %s", model.ErrUnknownModel, strings.Join(unknown, ", "))
	}
	if req.WantsSynthesis() {
		total += compare.SynthesisCredits
	}
	return total, nil
}

// CheckSufficiency decides whether a may spend needed credits.
// Test accounts always pass.
func (l *LedgerService) CheckSufficiency(a account.Account, needed int64) account.Sufficiency {
	if l.IsTestAccount(a) {
		return account.Sufficiency{Allowed: true, RemainingCredits: a.Credits}
	}
	return account.CheckSufficiency(a, needed)
}

// Debit subtracts amount in one atomic storage operation and returns the new
// balance. Test accounts are not debited.
func (l *LedgerService) Debit(ctx context.Context, a account.Account, amount int64) (int64, error) {
	if l.IsTestAccount(a) || amount == 0 {
		return a.Credits, nil
	}
	remaining, err := l.accounts.Debit(ctx, a.ID, amount)
	if err != nil {
		if !errors.Is(err, ports.ErrInsufficientCredits) {
			l.logger.Error().Err(err).
				Str("account_id", a.ID).
				Int64("amount", amount).
				Msg("failed to deduct credits")
		}
		return remaining, err
	}
	l.metrics.CreditsDebited(amount)
	l.logger.Debug().
		Str("account_id", a.ID).
		Int64("amount", amount).
		Int64("remaining", remaining).
		Msg("credits debited")
	return remaining, nil
}

// RecordUsage appends one usage event. It never fails the caller.
func (l *LedgerService) RecordUsage(accountID, modelID string, tokens usage.TokenUsage, cost decimal.Decimal) {
	l.recorder.Record(usage.Event{
		ID:               l.idGen.New(),
		AccountID:        accountID,
		ModelID:          modelID,
		PromptTokens:     tokens.PromptTokens,
		CompletionTokens: tokens.CompletionTokens,
		CostUSD:          cost,
		CreatedAt:        l.clock.Now(),
	})
}

type nopMetrics struct{}

func (nopMetrics) ModelCall(string, string, time.Duration) {}
func (nopMetrics) CreditsDebited(int64)                    {}
func (nopMetrics) Rejection(string)                        {}
func (nopMetrics) BillingEvent(string, billing.Outcome)    {}
