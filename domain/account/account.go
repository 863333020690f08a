// Package account provides the account value type and its subscription state machine.
// All functions are pure - they return a new Account and never mutate the input.
package account

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the account-level subscription plan.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// FreeAllotment is the credit balance of every free account.
const FreeAllotment int64 = 500

// ParseTier validates s as a tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier %q: must be free, plus or pro", s)
	}
	return t, nil
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPlus || t == TierPro
}

// Allotment is the full credit balance granted for the tier.
func (t Tier) Allotment() int64 {
	switch t {
	case TierPlus:
		return 10000
	case TierPro:
		return 30000
	}
	return FreeAllotment
}

// Status is the subscription status of an account.
type Status string

const (
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusCancelAtPeriodEnd Status = "cancel_at_period_end"
)

// Account is one end user's metering and subscription state (value type).
type Account struct {
	ID               string
	Email            string
	Tier             Tier
	Status           Status
	Credits          int64
	CustomerRef      string // billing-provider customer id, "" when unset
	SubscriptionRef  string // billing-provider subscription id, "" when unset
	CurrentPeriodEnd *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// New creates an account in its signup state.
func New(id, email string, now time.Time) Account {
	return Account{
		ID:        id,
		Email:     NormalizeEmail(email),
		Tier:      TierFree,
		Status:    StatusActive,
		Credits:   FreeAllotment,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive reports whether the account may spend credits.
func (a Account) IsActive() bool {
	return a.Status == StatusActive
}

// Sufficiency is the outcome of a credit check (value type).
type Sufficiency struct {
	Allowed          bool
	Reason           string
	RemainingCredits int64
}

// CheckSufficiency decides whether a spends needed credits. It fails closed.
func CheckSufficiency(a Account, needed int64) Sufficiency {
	if a.Status != StatusActive {
		return Sufficiency{
			Reason:           "subscription not active",
			RemainingCredits: a.Credits,
		}
	}
	if a.Credits < needed {
		return Sufficiency{
			Reason:           fmt.Sprintf("insufficient credits: need %d, have %d", needed, a.Credits),
			RemainingCredits: a.Credits,
		}
	}
	return Sufficiency{Allowed: true, RemainingCredits: a.Credits}
}

// Subscribe applies a paid (or free) tier from the billing provider.
// Credits are overwritten to the tier's full allotment.
func Subscribe(a Account, tier Tier, customerRef, subscriptionRef string, periodEnd *time.Time, now time.Time) Account {
	a.Tier = tier
	a.Status = StatusActive
	a.Credits = tier.Allotment()
	if customerRef != "" {
		a.CustomerRef = customerRef
	}
	if subscriptionRef != "" {
		a.SubscriptionRef = subscriptionRef
	}
	if periodEnd != nil {
		a.CurrentPeriodEnd = periodEnd
	}
	a.UpdatedAt = now
	return a
}

// PaymentFailed downgrades to free/past_due. The customer reference is kept.
func PaymentFailed(a Account, now time.Time) Account {
	a = toFree(a, now)
	a.Status = StatusPastDue
	a.SubscriptionRef = ""
	return a
}

// SubscriptionDeleted downgrades to free/canceled and drops both billing references.
func SubscriptionDeleted(a Account, now time.Time) Account {
	a = toFree(a, now)
	a.Status = StatusCanceled
	a.SubscriptionRef = ""
	a.CustomerRef = ""
	a.CurrentPeriodEnd = nil
	return a
}

// RequestCancel records a user cancellation. The tier stays until the provider ends it.
func RequestCancel(a Account, now time.Time) Account {
	a.Status = StatusCancelAtPeriodEnd
	a.UpdatedAt = now
	return a
}

// ResetToFree is the administrative reset.
func ResetToFree(a Account, now time.Time) Account {
	a = toFree(a, now)
	a.Status = StatusActive
	a.SubscriptionRef = ""
	a.CurrentPeriodEnd = nil
	return a
}

// SetTier is the administrative tier fix.
func SetTier(a Account, tier Tier, now time.Time) Account {
	if tier == TierFree {
		return ResetToFree(a, now)
	}
	a.Tier = tier
	a.Status = StatusActive
	a.Credits = tier.Allotment()
	a.UpdatedAt = now
	return a
}

func toFree(a Account, now time.Time) Account {
	a.Tier = TierFree
	a.Credits = FreeAllotment
	a.UpdatedAt = now
	return a
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BaseEmail removes a "+suffix" alias from the local part:
// "User+promo@x.com" becomes "user@x.com".
func BaseEmail(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	return local + domain
}
