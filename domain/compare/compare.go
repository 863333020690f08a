// Package compare provides the request, result and stream event types of a
// multi-model comparison, plus the synthesis prompt template.
// All functions are pure - no side effects.
package compare

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
)

// SynthesisCredits is the flat fee for a synthesis pass.
const SynthesisCredits int64 = 1

// MinSynthesisInputs is the number of successful answers synthesis needs.
const MinSynthesisInputs = 2

var (
	ErrEmptyPrompt    = errors.New("prompt is required")
	ErrNoModels       = errors.New("at least one model is required")
	ErrDuplicateModel = errors.New("duplicate model")
)

// Request is one comparison (ephemeral value type).
type Request struct {
	Prompt         string   `json:"prompt"`
	Models         []string `json:"models"`
	Synthesize     bool     `json:"enableSummarization,omitempty"`
	SynthesisModel string   `json:"summarizationModel,omitempty"`
}

// Validate checks the request against the catalog.
func (r Request) Validate(reg *model.Registry) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if len(r.Models) == 0 {
		return ErrNoModels
	}
	seen := make(map[string]bool, len(r.Models))
	for _, id := range r.Models {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, id)
		}
		seen[id] = true
	}
	if _, unknown := reg.CreditsFor(r.Models); len(unknown) > 0 {
		return fmt.Errorf("%w: %s", model.ErrUnknownModel, strings.Join(unknown, ", "))
	}
	if r.WantsSynthesis() && r.SynthesisModel != "" {
		if _, err := reg.Lookup(r.SynthesisModel); err != nil {
			return err
		}
	}
	return nil
}

// WantsSynthesis reports whether synthesis is requested and could run.
func (r Request) WantsSynthesis() bool {
	return r.Synthesize && len(r.Models) >= MinSynthesisInputs
}

// ModelResult is the settled outcome of one model call.
type ModelResult struct {
	ModelID    string           `json:"modelId"`
	ModelName  string           `json:"modelName"`
	Response   string           `json:"response"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	TokenUsage usage.TokenUsage `json:"tokenUsage"`
}

// Result is the batch-mode response.
type Result struct {
	Results      []ModelResult `json:"results"`
	Summary      string        `json:"summary,omitempty"`
	SummaryError string        `json:"summaryError,omitempty"`
}

// Successful returns the successful results in request order.
func Successful(results []ModelResult) []ModelResult {
	var ok []ModelResult
	for _, r := range results {
		if r.Success {
			ok = append(ok, r)
		}
	}
	return ok
}

// SynthesisPrompt builds the deterministic prompt for the synthesis pass.
func SynthesisPrompt(prompt string, answers []ModelResult) string {
	var b strings.Builder
	b.WriteString("Several AI models answered the same question. ")
	b.WriteString("Compare their answers and write one integrated response.\n\n")
	b.WriteString("Original question:\n")
	b.WriteString(prompt)
	b.WriteString("\n\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "Answer %d (%s):\n%s\n\n", i+1, a.ModelName, a.Response)
	}
	b.WriteString("Instructions:\n")
	b.WriteString("1. Identify where the answers agree, where they disagree, and any insight only one of them offers.\n")
	b.WriteString("2. Write a single integrated answer to the original question that keeps the strongest points.\n")
	b.WriteString("3. End with a short rationale explaining how you reconciled the answers.\n")
	return b.String()
}
