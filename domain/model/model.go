// Package model provides the static catalog of model backends and their credit pricing.
// All functions are pure - no side effects.
package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned when a model id is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Bucket is a coarse pricing class for a model.
// It is unrelated to the account's subscription tier.
type Bucket string

const (
	BucketPerformance Bucket = "performance"
	BucketMedium      Bucket = "medium"
	BucketQuick       Bucket = "quick"
)

// Buckets returns all buckets, most expensive first.
func Buckets() []Bucket {
	return []Bucket{BucketPerformance, BucketMedium, BucketQuick}
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketPerformance, BucketMedium, BucketQuick:
		return true
	}
	return false
}

// Credits returns the flat per-question credit price of the bucket.
func (b Bucket) Credits() int64 {
	switch b {
	case BucketPerformance:
		return 25
	case BucketMedium:
		return 5
	case BucketQuick:
		return 1
	}
	return 0
}

// Descriptor describes one model backend (immutable value type).
type Descriptor struct {
	ID                   string
	DisplayName          string
	Bucket               Bucket
	InputCostPerMillion  decimal.Decimal // USD per 1M prompt tokens
	OutputCostPerMillion decimal.Decimal // USD per 1M completion tokens
	BackendRef           string          // model name sent to the gateway
}

// CreditsPerQuestion is the flat credit fee for one invocation.
func (d Descriptor) CreditsPerQuestion() int64 {
	return d.Bucket.Credits()
}

// Backend returns the gateway model name, defaulting to the id.
func (d Descriptor) Backend() string {
	if d.BackendRef != "" {
		return d.BackendRef
	}
	return d.ID
}

// Registry is a read-only lookup over a catalog.
// Safe for concurrent use once built.
type Registry struct {
	models []Descriptor
	byID   map[string]int
}

// NewRegistry validates the catalog and builds a registry.
func NewRegistry(models []Descriptor) (*Registry, error) {
	r := &Registry{
		models: make([]Descriptor, 0, len(models)),
		byID:   make(map[string]int, len(models)),
	}
	for i, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("models[%d]: id is required", i)
		}
		if !m.Bucket.Valid() {
			return nil, fmt.Errorf("model %q: invalid bucket %q", m.ID, m.Bucket)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("model %q: duplicate id", m.ID)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on an invalid catalog.
func MustRegistry(models []Descriptor) *Registry {
	r, err := NewRegistry(models)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return r.models[i], nil
}

// All returns the catalog in declaration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.models))
	copy(out, r.models)
	return out
}

// ListByBucket returns the models in bucket b, sorted by display name.
func (r *Registry) ListByBucket(b Bucket) []Descriptor {
	var out []Descriptor
	for _, m := range r.models {
		if m.Bucket == b {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// CreditsFor sums the per-question credits of ids.
// Unknown ids cost 0 and are returned so the caller can reject the request.
func (r *Registry) CreditsFor(ids []string) (total int64, unknown []string) {
	for _, id := range ids {
		i, ok := r.byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		total += r.models[i].CreditsPerQuestion()
	}
	return total, unknown
}

// DefaultCatalog is the built-in model list used when configuration does not override it.
func DefaultCatalog() []Descriptor {
	d := decimal.RequireFromString
	return []Descriptor{
		{ID: "gpt-4o", DisplayName: "GPT-4o", Bucket: BucketPerformance, InputCostPerMillion: d("2.50"), OutputCostPerMillion: d("10.00"), BackendRef: "openai/gpt-4o"},
		{ID: "claude-3.5-sonnet", DisplayName: "Claude 3.5 Sonnet", Bucket: BucketPerformance, InputCostPerMillion: d("3.00"), OutputCostPerMillion: d("15.00"), BackendRef: "anthropic/claude-3.5-sonnet"},
		{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Bucket: BucketPerformance, InputCostPerMillion: d("1.25"), OutputCostPerMillion: d("5.00"), BackendRef: "google/gemini-pro-1.5"},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Bucket: BucketMedium, InputCostPerMillion: d("0.15"), OutputCostPerMillion: d("0.60"), BackendRef: "openai/gpt-4o-mini"},
		{ID: "claude-3-haiku", DisplayName: "Claude 3 Haiku", Bucket: BucketMedium, InputCostPerMillion: d("0.25"), OutputCostPerMillion: d("1.25"), BackendRef: "anthropic/claude-3-haiku"},
		{ID: "llama-3.1-70b", DisplayName: "Llama 3.1 70B", Bucket: BucketMedium, InputCostPerMillion: d("0.52"), OutputCostPerMillion: d("0.75"), BackendRef: "meta-llama/llama-3.1-70b-instruct"},
		{ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", Bucket: BucketQuick, InputCostPerMillion: d("0.075"), OutputCostPerMillion: d("0.30"), BackendRef: "google/gemini-flash-1.5"},
		{ID: "llama-3.1-8b", DisplayName: "Llama 3.1 8B", Bucket: BucketQuick, InputCostPerMillion: d("0.055"), OutputCostPerMillion: d("0.055"), BackendRef: "meta-llama/llama-3.1-8b-instruct"},
		{ID: "mistral-7b", DisplayName: "Mistral 7B", Bucket: BucketQuick, InputCostPerMillion: d("0.055"), OutputCostPerMillion: d("0.055"), BackendRef: "mistralai/mistral-7b-instruct"},
	}
}
