package app

import (
	"errors"

	"github.com/artpar/comparellm/domain/compare"
	"github.com/artpar/comparellm/domain/model"
)

var (
	// ErrAccessDenied is returned when the access policy refuses a model.
	ErrAccessDenied = errors.New("model access denied")

	// ErrNoSubscription is returned when an account has no billing subscription.
	ErrNoSubscription = errors.New("no active billing subscription")

	// ErrNoCustomer is returned when an account has no billing customer.
	ErrNoCustomer = errors.New("no billing customer")

	// ErrNoPrice is returned when no price is configured for a tier.
	ErrNoPrice = errors.New("no price configured for tier")

	// ErrInvalidTier is returned for unknown tiers or tiers that cannot be bought.
	ErrInvalidTier = errors.New("invalid tier")
)

// RejectionError is a user-facing refusal to run a request: inactive
// subscription or too few credits. Nothing was charged.
type RejectionError struct {
	Reason           string
	RemainingCredits int64
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// IsValidationError reports whether err is a malformed comparison request.
func IsValidationError(err error) bool {
	return errors.Is(err, compare.ErrEmptyPrompt) ||
		errors.Is(err, compare.ErrNoModels) ||
		errors.Is(err, compare.ErrDuplicateModel) ||
		errors.Is(err, model.ErrUnknownModel)
}
