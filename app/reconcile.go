package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// ReconcileService applies billing provider events to accounts.
// Every attempt, successful or not, leaves one audit entry.
type ReconcileService struct {
	provider  ports.PaymentProvider
	accounts  ports.AccountStore
	audit     ports.AuditStore
	processed ports.ProcessedEventStore
	resolvers []Resolver
	idGen     ports.IDGenerator
	clock     ports.Clock
	metrics   ports.Metrics
	logger    zerolog.Logger

	mu    sync.RWMutex
	plans billing.PlanPrices
}

// NewReconcileService creates a reconciliation service.
func NewReconcileService(
	provider ports.PaymentProvider,
	accounts ports.AccountStore,
	audit ports.AuditStore,
	processed ports.ProcessedEventStore,
	resolvers []Resolver,
	idGen ports.IDGenerator,
	clock ports.Clock,
	metrics ports.Metrics,
	logger zerolog.Logger,
) *ReconcileService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ReconcileService{
		provider:  provider,
		accounts:  accounts,
		audit:     audit,
		processed: processed,
		resolvers: resolvers,
		idGen:     idGen,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		plans:     billing.PlanPrices{},
	}
}

// SetPlans replaces the price id fallback table.
func (s *ReconcileService) SetPlans(plans billing.PlanPrices) {
	s.mu.Lock()
	s.plans = plans
	s.mu.Unlock()
}

func (s *ReconcileService) planPrices() billing.PlanPrices {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plans
}

// HandleWebhook verifies and applies one delivery. It returns an error only
// when the payload cannot be verified or parsed; reconciliation failures are
// recorded in the audit log instead.
func (s *ReconcileService) HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.AuditEntry, error) {
	e, err := s.provider.ParseEvent(payload, signature)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejected billing webhook")
		return billing.AuditEntry{}, err
	}
	return s.Reconcile(ctx, e), nil
}

// Reconcile applies a verified event and returns its audit entry.
func (s *ReconcileService) Reconcile(ctx context.Context, e billing.Event) billing.AuditEntry {
	entry := billing.AuditEntry{
		ID:        s.idGen.New(),
		EventID:   e.ID,
		EventType: e.RawType,
		Livemode:  e.Livemode,
		Payload:   e.Payload,
		CreatedAt: s.clock.Now(),
	}
	if entry.EventType == "" {
		entry.EventType = string(e.Type)
	}
	log := s.logger.With().
		Str("event_id", e.ID).
		Str("event_type", entry.EventType).
		Logger()

	if e.Type == billing.EventUnhandled {
		entry.Outcome = billing.OutcomeIgnored
		entry.Success = true
		return s.finish(ctx, log, entry)
	}

	claimed, err := s.processed.Claim(ctx, e.ID, entry.CreatedAt)
	if err != nil {
		// Applying twice is an overwrite, so proceed without the dedup record.
		log.Warn().Err(err).Msg("failed to claim billing event")
		claimed = true
	}
	if !claimed {
		entry.Outcome = billing.OutcomeDuplicate
		entry.Success = true
		return s.finish(ctx, log, entry)
	}

	e = s.enrich(ctx, log, e)

	a, via, err := s.resolve(ctx, log, &e)
	if err != nil {
		s.release(ctx, log, e.ID)
		entry.Error = err.Error()
		entry.Outcome = billing.OutcomeFailed
		if errors.Is(err, ErrUnresolved) {
			entry.Outcome = billing.OutcomeUnresolved
		}
		return s.finish(ctx, log, entry)
	}
	entry.AccountID = a.ID
	log = log.With().Str("account_id", a.ID).Str("resolved_by", via).Logger()

	var tier account.Tier
	if e.NeedsTier() {
		tier = billing.DeriveTier(e.AmountMinor, e.PriceID, s.planPrices())
		entry.Tier = tier
	}

	updated, transition := billing.Apply(a, e, tier, s.clock.Now())
	if transition == billing.TransitionNone {
		entry.Outcome = billing.OutcomeIgnored
		entry.Success = true
		return s.finish(ctx, log, entry)
	}
	if transition != billing.TransitionSubscribe {
		entry.Tier = updated.Tier
	}

	if err := s.accounts.Update(ctx, updated); err != nil {
		s.release(ctx, log, e.ID)
		entry.Outcome = billing.OutcomeFailed
		entry.Error = fmt.Sprintf("update account: %v", err)
		entry.AttemptedUpdate = attemptedUpdate(updated)
		return s.finish(ctx, log, entry)
	}

	entry.Outcome = billing.OutcomeApplied
	entry.Success = true
	log.Info().
		Str("transition", string(transition)).
		Str("tier", string(updated.Tier)).
		Str("status", string(updated.Status)).
		Int64("credits", updated.Credits).
		Msg("billing event applied")
	return s.finish(ctx, log, entry)
}

// enrich re-fetches subscription detail when the event lacks price data.
func (s *ReconcileService) enrich(ctx context.Context, log zerolog.Logger, e billing.Event) billing.Event {
	if !e.NeedsTier() || e.SubscriptionRef == "" || e.PriceID != "" {
		return e
	}
	sub, err := s.provider.GetSubscription(ctx, e.SubscriptionRef)
	if err != nil {
		log.Warn().Err(err).Str("subscription_ref", e.SubscriptionRef).Msg("failed to fetch subscription detail")
		return e
	}
	return e.Enrich(sub)
}

// resolve walks the resolver chain. The customer email is fetched from the
// provider the first time an email-based resolver needs it.
func (s *ReconcileService) resolve(ctx context.Context, log zerolog.Logger, e *billing.Event) (account.Account, string, error) {
	fetched := false
	for _, r := range s.resolvers {
		if _, ok := r.(emailResolver); ok && e.Email == "" && !fetched {
			fetched = true
			if e.CustomerRef != "" {
				email, err := s.provider.GetCustomerEmail(ctx, e.CustomerRef)
				if err != nil {
					log.Warn().Err(err).Str("customer_ref", e.CustomerRef).Msg("failed to fetch customer email")
				}
				e.Email = email
			}
		}

		a, err := r.Resolve(ctx, *e)
		if err == nil {
			return a, r.Name(), nil
		}
		if !errors.Is(err, ports.ErrNotFound) {
			return account.Account{}, r.Name(), fmt.Errorf("resolve via %s: %w", r.Name(), err)
		}
	}
	return account.Account{}, "", ErrUnresolved
}

func (s *ReconcileService) release(ctx context.Context, log zerolog.Logger, eventID string) {
	if err := s.processed.Release(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("failed to release billing event claim")
	}
}

func (s *ReconcileService) finish(ctx context.Context, log zerolog.Logger, entry billing.AuditEntry) billing.AuditEntry {
	s.metrics.BillingEvent(entry.EventType, entry.Outcome)

	switch entry.Outcome {
	case billing.OutcomeApplied, billing.OutcomeIgnored, billing.OutcomeDuplicate:
		log.Debug().Str("outcome", string(entry.Outcome)).Msg("billing event reconciled")
	default:
		log.Error().Str("outcome", string(entry.Outcome)).Str("error", entry.Error).Msg("billing event not applied")
	}

	if err := s.audit.Append(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to write billing audit entry")
	}
	return entry
}

func attemptedUpdate(a account.Account) string {
	data, err := json.Marshal(struct {
		ID               string     `json:"id"`
		Tier             string     `json:"tier"`
		Status           string     `json:"status"`
		Credits          int64      `json:"credits"`
		CustomerRef      string     `json:"customerRef,omitempty"`
		SubscriptionRef  string     `json:"subscriptionRef,omitempty"`
		CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	}{a.ID, string(a.Tier), string(a.Status), a.Credits, a.CustomerRef, a.SubscriptionRef, a.CurrentPeriodEnd})
	if err != nil {
		return ""
	}
	return string(data)
}
