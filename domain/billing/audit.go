package billing

import (
	"time"

	"github.com/artpar/comparellm/domain/account"
)

// Outcome classifies a reconciliation attempt.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeFailed     Outcome = "failed"
	OutcomeIgnored    Outcome = "ignored"
)

// AuditEntry is one immutable reconciliation record (value type).
type AuditEntry struct {
	ID              string
	EventID         string
	EventType       string
	Livemode        bool
	AccountID       string
	Tier            account.Tier
	Outcome         Outcome
	Success         bool
	Error           string
	AttemptedUpdate string // JSON of the account update that was tried
	Payload         []byte
	CreatedAt       time.Time
}
