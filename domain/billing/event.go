// Package billing provides billing-provider event types, tier derivation and
// the pure mapping from events to account transitions.
package billing

import (
	"time"

	"github.com/artpar/comparellm/domain/account"
)

// EventType is the normalized kind of a billing-provider event.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventUnhandled            EventType = "unhandled"
)

// Event is a verified, parsed billing-provider delivery (value type).
// Empty strings and zero amounts mean the provider did not carry the field.
type Event struct {
	ID       string
	Type     EventType
	RawType  string // provider event type, e.g. "invoice.paid"
	Livemode bool
	Payload  []byte

	ClientReferenceID string // account id embedded at checkout time
	CustomerRef       string
	SubscriptionRef   string
	Email             string

	PriceID     string
	AmountMinor int64 // price amount in minor currency units

	ProviderStatus    string // subscription status as reported by the provider
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
}

// Subscription is subscription detail re-fetched from the provider (value type).
type Subscription struct {
	ID                string
	CustomerRef       string
	Status            string
	PriceID           string
	UnitAmount        int64
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	AccountID         string // metadata account id, "" when absent
}

// NeedsTier reports whether applying the event grants a tier.
func (e Event) NeedsTier() bool {
	switch e.Type {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventInvoicePaid:
		return true
	case EventSubscriptionUpdated:
		return !e.endsSubscription() && !e.failsPayment()
	}
	return false
}

// Enrich fills fields the event did not carry from re-fetched subscription detail.
func (e Event) Enrich(s Subscription) Event {
	if e.SubscriptionRef == "" {
		e.SubscriptionRef = s.ID
	}
	if e.CustomerRef == "" {
		e.CustomerRef = s.CustomerRef
	}
	if e.ClientReferenceID == "" {
		e.ClientReferenceID = s.AccountID
	}
	if e.PriceID == "" {
		e.PriceID = s.PriceID
	}
	if s.UnitAmount > 0 {
		e.AmountMinor = s.UnitAmount
	}
	if e.ProviderStatus == "" {
		e.ProviderStatus = s.Status
	}
	if e.CurrentPeriodEnd == nil {
		e.CurrentPeriodEnd = s.CurrentPeriodEnd
	}
	if s.CancelAtPeriodEnd {
		e.CancelAtPeriodEnd = true
	}
	return e
}

func (e Event) endsSubscription() bool {
	return e.ProviderStatus == "canceled" || e.ProviderStatus == "incomplete_expired"
}

func (e Event) failsPayment() bool {
	return e.ProviderStatus == "past_due" || e.ProviderStatus == "unpaid"
}

// Transition names the account change an event causes.
type Transition string

const (
	TransitionNone                Transition = "none"
	TransitionSubscribe           Transition = "subscribe"
	TransitionPaymentFailed       Transition = "payment_failed"
	TransitionSubscriptionDeleted Transition = "subscription_deleted"
)

// Apply computes the account state after the event. tier is only consulted
// for events where NeedsTier is true.
// This is a PURE function.
func Apply(a account.Account, e Event, tier account.Tier, now time.Time) (account.Account, Transition) {
	switch e.Type {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventInvoicePaid:
		return account.Subscribe(a, tier, e.CustomerRef, e.SubscriptionRef, e.CurrentPeriodEnd, now), TransitionSubscribe

	case EventSubscriptionUpdated:
		switch {
		case e.endsSubscription():
			return account.SubscriptionDeleted(a, now), TransitionSubscriptionDeleted
		case e.failsPayment():
			return account.PaymentFailed(a, now), TransitionPaymentFailed
		}
		a = account.Subscribe(a, tier, e.CustomerRef, e.SubscriptionRef, e.CurrentPeriodEnd, now)
		if e.CancelAtPeriodEnd {
			a = account.RequestCancel(a, now)
		}
		return a, TransitionSubscribe

	case EventSubscriptionDeleted:
		return account.SubscriptionDeleted(a, now), TransitionSubscriptionDeleted

	case EventInvoicePaymentFailed:
		return account.PaymentFailed(a, now), TransitionPaymentFailed
	}
	return a, TransitionNone
}
