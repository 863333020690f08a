// Package usage provides usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SummarySuffix marks the usage row of a synthesis call.
const SummarySuffix = "_summary"

// TokenUsage is the token accounting reported by a model backend (value type).
type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// NewTokenUsage builds a TokenUsage, filling in the total.
func NewTokenUsage(prompt, completion int64) TokenUsage {
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Event is one model invocation attempt (immutable value type).
// Failed invocations are recorded with zero tokens and zero cost.
type Event struct {
	ID               string
	AccountID        string
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          decimal.Decimal
	CreatedAt        time.Time
}

// IsSummary reports whether the event belongs to a synthesis call.
func (e Event) IsSummary() bool {
	n := len(e.ModelID) - len(SummarySuffix)
	return n > 0 && e.ModelID[n:] == SummarySuffix
}

// SummaryModelID is the model id under which synthesis usage is logged.
func SummaryModelID(modelID string) string {
	return modelID + SummarySuffix
}

// Cost computes the USD cost of a call from per-million-token rates.
// cost = prompt/1e6 * inputRate + completion/1e6 * outputRate
func Cost(promptTokens, completionTokens int64, inputPerMillion, outputPerMillion decimal.Decimal) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)
	in := decimal.NewFromInt(promptTokens).Mul(inputPerMillion).Div(million)
	out := decimal.NewFromInt(completionTokens).Mul(outputPerMillion).Div(million)
	return in.Add(out)
}
