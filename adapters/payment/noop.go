package payment

import (
	"context"
	"errors"

	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
)

// ErrPaymentsDisabled is returned when no payment provider is configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// NoopProvider is used when billing is not configured. Webhooks are
// rejected as unverifiable and every API call fails.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (NoopProvider) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	return billing.Event{}, ErrInvalidSignature
}

func (NoopProvider) GetSubscription(ctx context.Context, subscriptionRef string) (billing.Subscription, error) {
	return billing.Subscription{}, ErrPaymentsDisabled
}

func (NoopProvider) GetCustomerEmail(ctx context.Context, customerRef string) (string, error) {
	return "", ErrPaymentsDisabled
}

func (NoopProvider) CreateCheckout(ctx context.Context, p ports.CheckoutParams) (string, error) {
	return "", ErrPaymentsDisabled
}

func (NoopProvider) CreatePortal(ctx context.Context, customerRef, returnURL string) (string, error) {
	return "", ErrPaymentsDisabled
}

func (NoopProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error {
	return ErrPaymentsDisabled
}

// Ensure interface compliance.
var _ ports.PaymentProvider = NoopProvider{}
