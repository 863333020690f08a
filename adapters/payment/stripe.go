// Package payment provides payment provider adapters.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrInvalidSignature is returned when no configured secret verifies an event.
var ErrInvalidSignature = ports.ErrInvalidSignature

// MetadataAccountID is the metadata key carrying our account id on Stripe objects.
const MetadataAccountID = "account_id"

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey string

	// WebhookSecrets are tried in order; typically [test, live].
	WebhookSecrets []string

	// APIURL overrides the API endpoint (tests).
	APIURL string
}

// StripeProvider implements ports.PaymentProvider for Stripe.
// It uses per-call clients rather than the package-global stripe.Key.
type StripeProvider struct {
	secrets      []string
	subscription subscription.Client
	customer     customer.Client
	checkout     checkoutsession.Client
	portal       portalsession.Client
	logger       zerolog.Logger
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(cfg StripeConfig, logger zerolog.Logger) *StripeProvider {
	logger = logger.With().Str("component", "stripe").Logger()

	bc := &stripe.BackendConfig{
		LeveledLogger:     leveledLogger{logger},
		MaxNetworkRetries: stripe.Int64(1),
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(cfg.APIURL)
		bc.MaxNetworkRetries = stripe.Int64(0)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	var secrets []string
	for _, s := range cfg.WebhookSecrets {
		if s != "" {
			secrets = append(secrets, s)
		}
	}

	return &StripeProvider{
		secrets:      secrets,
		subscription: subscription.Client{B: backend, Key: cfg.SecretKey},
		customer:     customer.Client{B: backend, Key: cfg.SecretKey},
		checkout:     checkoutsession.Client{B: backend, Key: cfg.SecretKey},
		portal:       portalsession.Client{B: backend, Key: cfg.SecretKey},
		logger:       logger,
	}
}

// ParseEvent verifies the signature with each secret in order, then
// normalizes the event payload.
func (p *StripeProvider) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	event, err := p.verify(payload, signature)
	if err != nil {
		return billing.Event{}, err
	}
	return parseEvent(event, payload)
}

func (p *StripeProvider) verify(payload []byte, signature string) (stripe.Event, error) {
	if len(p.secrets) == 0 {
		return stripe.Event{}, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	var lastErr error
	for i, secret := range p.secrets {
		event, err := webhook.ConstructEventWithOptions(payload, signature, secret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err == nil {
			return event, nil
		}
		p.logger.Debug().Int("secret_index", i).Err(err).Msg("webhook secret did not verify")
		lastErr = err
	}
	return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

// GetSubscription re-fetches subscription and price detail.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionRef string) (billing.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := p.subscription.Get(subscriptionRef, params)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("get subscription %s: %w", subscriptionRef, err)
	}
	return subscriptionDetail(s), nil
}

// GetCustomerEmail returns the email on file for a customer.
func (p *StripeProvider) GetCustomerEmail(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.customer.Get(customerRef, params)
	if err != nil {
		return "", fmt.Errorf("get customer %s: %w", customerRef, err)
	}
	if c.Deleted {
		return "", fmt.Errorf("customer %s is deleted", customerRef)
	}
	return c.Email, nil
}

// CreateCheckout creates a subscription-mode Checkout session. The account id
// travels as client_reference_id and as subscription metadata.
func (p *StripeProvider) CreateCheckout(ctx context.Context, cp ports.CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(cp.AccountID),
		SuccessURL:        stripe.String(cp.SuccessURL),
		CancelURL:         stripe.String(cp.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(cp.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataAccountID: cp.AccountID},
		},
	}
	if cp.CustomerRef != "" {
		params.Customer = stripe.String(cp.CustomerRef)
	} else if cp.Email != "" {
		params.CustomerEmail = stripe.String(cp.Email)
	}
	params.AddMetadata(MetadataAccountID, cp.AccountID)
	params.Context = ctx

	s, err := p.checkout.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.URL, nil
}

// CreatePortal creates a customer portal session.
func (p *StripeProvider) CreatePortal(ctx context.Context, customerRef, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := p.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}

// CancelAtPeriodEnd schedules cancellation at the end of the current period.
func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := p.subscription.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionRef, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Event normalization
// -----------------------------------------------------------------------------

func eventType(t stripe.EventType) billing.EventType {
	switch t {
	case "checkout.session.completed":
		return billing.EventCheckoutCompleted
	case "customer.subscription.created":
		return billing.EventSubscriptionCreated
	case "customer.subscription.updated":
		return billing.EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return billing.EventSubscriptionDeleted
	case "invoice.paid", "invoice.payment_succeeded":
		return billing.EventInvoicePaid
	case "invoice.payment_failed":
		return billing.EventInvoicePaymentFailed
	}
	return billing.EventUnhandled
}

func parseEvent(event stripe.Event, payload []byte) (billing.Event, error) {
	e := billing.Event{
		ID:       event.ID,
		Type:     eventType(event.Type),
		RawType:  string(event.Type),
		Livemode: event.Livemode,
		Payload:  payload,
	}
	if event.Data == nil || e.Type == billing.EventUnhandled {
		return e, nil
	}

	switch e.Type {
	case billing.EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return e, fmt.Errorf("parse checkout session: %w", err)
		}
		e.ClientReferenceID = s.ClientReferenceID
		if e.ClientReferenceID == "" {
			e.ClientReferenceID = s.Metadata[MetadataAccountID]
		}
		if s.Customer != nil {
			e.CustomerRef = s.Customer.ID
		}
		if s.Subscription != nil {
			e.SubscriptionRef = s.Subscription.ID
		}
		e.Email = s.CustomerEmail
		if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
			e.Email = s.CustomerDetails.Email
		}
		e.AmountMinor = s.AmountTotal

	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return e, fmt.Errorf("parse subscription: %w", err)
		}
		d := subscriptionDetail(&s)
		e.SubscriptionRef = d.ID
		e.CustomerRef = d.CustomerRef
		e.ClientReferenceID = d.AccountID
		e.PriceID = d.PriceID
		e.AmountMinor = d.UnitAmount
		e.ProviderStatus = d.Status
		e.CancelAtPeriodEnd = d.CancelAtPeriodEnd
		e.CurrentPeriodEnd = d.CurrentPeriodEnd
		if s.Customer != nil {
			e.Email = s.Customer.Email
		}

	case billing.EventInvoicePaid, billing.EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return e, fmt.Errorf("parse invoice: %w", err)
		}
		if inv.Customer != nil {
			e.CustomerRef = inv.Customer.ID
		}
		if inv.Subscription != nil {
			e.SubscriptionRef = inv.Subscription.ID
		}
		e.Email = inv.CustomerEmail
		e.AmountMinor = inv.AmountPaid
		if e.AmountMinor == 0 {
			e.AmountMinor = inv.AmountDue
		}
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line.Price != nil && e.PriceID == "" {
					e.PriceID = line.Price.ID
					if line.Price.UnitAmount > 0 {
						e.AmountMinor = line.Price.UnitAmount
					}
				}
				if line.Period != nil && line.Period.End > 0 {
					end := time.Unix(line.Period.End, 0).UTC()
					e.CurrentPeriodEnd = &end
				}
			}
		}
	}
	return e, nil
}

func subscriptionDetail(s *stripe.Subscription) billing.Subscription {
	d := billing.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		AccountID:         s.Metadata[MetadataAccountID],
	}
	if s.Customer != nil {
		d.CustomerRef = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		end := time.Unix(s.CurrentPeriodEnd, 0).UTC()
		d.CurrentPeriodEnd = &end
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item.Price != nil {
				d.PriceID = item.Price.ID
				d.UnitAmount = item.Price.UnitAmount
				break
			}
		}
	}
	return d
}

// leveledLogger routes stripe-go's client logging through zerolog.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Debugf(format string, v ...interface{}) { z.l.Debug().Msgf(format, v...) }
func (z leveledLogger) Infof(format string, v ...interface{})  { z.l.Debug().Msgf(format, v...) }
func (z leveledLogger) Warnf(format string, v ...interface{})  { z.l.Warn().Msgf(format, v...) }
func (z leveledLogger) Errorf(format string, v ...interface{}) { z.l.Error().Msgf(format, v...) }

// Ensure interface compliance.
var _ ports.PaymentProvider = (*StripeProvider)(nil)
