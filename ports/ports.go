// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
)

// Store errors shared by every storage adapter.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ErrInvalidSignature is returned when a billing webhook cannot be verified.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher handles secret hashing.
type Hasher interface {
	// Hash creates a hash of the secret.
	Hash(secret string) ([]byte, error)

	// Compare checks if secret matches hash.
	Compare(hash []byte, secret string) bool
}

// Metrics receives service-level measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ModelCall(modelID, outcome string, d time.Duration)
	CreditsDebited(n int64)
	Rejection(reason string)
	BillingEvent(eventType string, outcome billing.Outcome)
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// AccountStore persists accounts.
type AccountStore interface {
	// Get retrieves an account by id.
	Get(ctx context.Context, id string) (account.Account, error)

	// GetByEmail matches the normalized email exactly.
	GetByEmail(ctx context.Context, email string) (account.Account, error)

	// GetByBaseEmail matches accounts whose own base email equals base.
	// The oldest match wins.
	GetByBaseEmail(ctx context.Context, base string) (account.Account, error)

	// GetByCustomerRef retrieves the account linked to a billing customer.
	GetByCustomerRef(ctx context.Context, ref string) (account.Account, error)

	// Create stores a new account.
	Create(ctx context.Context, a account.Account) error

	// Update overwrites tier, status, credits, references and period end.
	Update(ctx context.Context, a account.Account) error

	// SetStatus changes only the subscription status. Credits are untouched.
	SetStatus(ctx context.Context, id string, status account.Status, at time.Time) error

	// Debit atomically subtracts amount if the balance covers it and
	// returns the new balance. It never drives credits below zero.
	Debit(ctx context.Context, id string, amount int64) (int64, error)
}

// UsageStore persists usage events. Events are append-only.
type UsageStore interface {
	// RecordBatch stores multiple usage events.
	RecordBatch(ctx context.Context, events []usage.Event) error

	// ListByAccount returns the newest events of an account.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]usage.Event, error)
}

// AuditStore persists reconciliation audit entries. Entries are append-only.
type AuditStore interface {
	Append(ctx context.Context, e billing.AuditEntry) error
	List(ctx context.Context, limit int) ([]billing.AuditEntry, error)
}

// ProcessedEventStore tracks billing events already applied.
type ProcessedEventStore interface {
	// Claim records the event id. It returns false if the id was already claimed.
	Claim(ctx context.Context, eventID string, at time.Time) (bool, error)

	// Release forgets a claim so a redelivery can be applied.
	Release(ctx context.Context, eventID string) error

	// Prune deletes claims older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// Completion is the final text and token usage of one model call.
type Completion struct {
	Text  string
	Usage usage.TokenUsage
}

// ModelBackend invokes LLM inference backends.
type ModelBackend interface {
	// Complete runs a prompt and waits for the whole answer.
	Complete(ctx context.Context, m model.Descriptor, prompt string) (Completion, error)

	// Stream runs a prompt, calling onChunk for every text delta in order.
	Stream(ctx context.Context, m model.Descriptor, prompt string, onChunk func(string)) (Completion, error)
}

// AccessPolicy decides whether an account may use a model.
type AccessPolicy interface {
	Allowed(a account.Account, m model.Descriptor) bool
}

// CheckoutParams describes a hosted checkout session.
type CheckoutParams struct {
	AccountID   string
	Email       string
	CustomerRef string
	PriceID     string
	SuccessURL  string
	CancelURL   string
}

// PaymentProvider interfaces with the payment processor (Stripe).
type PaymentProvider interface {
	// ParseEvent verifies the signature against every configured secret in
	// order and returns the normalized event.
	ParseEvent(payload []byte, signature string) (billing.Event, error)

	// GetSubscription re-fetches subscription and price detail.
	GetSubscription(ctx context.Context, subscriptionRef string) (billing.Subscription, error)

	// GetCustomerEmail returns the email on file for a customer.
	GetCustomerEmail(ctx context.Context, customerRef string) (string, error)

	// CreateCheckout creates a checkout session and returns its URL.
	CreateCheckout(ctx context.Context, p CheckoutParams) (string, error)

	// CreatePortal creates a billing portal session and returns its URL.
	CreatePortal(ctx context.Context, customerRef, returnURL string) (string, error)

	// CancelAtPeriodEnd schedules cancellation of a subscription.
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error
}

// Identity is a user known to the external identity provider.
type Identity struct {
	Subject string
	Email   string
}

// IdentityVerifier validates access tokens issued by the identity provider.
type IdentityVerifier interface {
	Verify(token string) (Identity, error)
}

// IdentityDirectory lists the identity provider's users.
type IdentityDirectory interface {
	ListUsers(ctx context.Context) ([]Identity, error)
}

// UsageRecorder records usage events asynchronously.
type UsageRecorder interface {
	// Record queues a usage event. Never blocks the caller on storage.
	Record(e usage.Event)

	// Flush forces pending events to be written.
	Flush(ctx context.Context) error

	// Close flushes and stops the recorder.
	Close() error
}
