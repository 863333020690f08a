package model_test

import (
	"errors"
	"testing"

	"github.com/artpar/comparellm/domain/model"
	"github.com/shopspring/decimal"
)

func testRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r, err := model.NewRegistry([]model.Descriptor{
		{ID: "big", Bucket: model.BucketPerformance, InputCostPerMillion: decimal.NewFromInt(3)},
		{ID: "mid", DisplayName: "Mid", Bucket: model.BucketMedium},
		{ID: "small", DisplayName: "Small", Bucket: model.BucketQuick},
		{ID: "small-2", DisplayName: "Another Small", Bucket: model.BucketQuick},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestBucket_Credits(t *testing.T) {
	tests := []struct {
		bucket model.Bucket
		want   int64
	}{
		{model.BucketPerformance, 25},
		{model.BucketMedium, 5},
		{model.BucketQuick, 1},
		{model.Bucket("gold"), 0},
	}
	for _, tt := range tests {
		if got := tt.bucket.Credits(); got != tt.want {
			t.Errorf("%s.Credits() = %d, want %d", tt.bucket, got, tt.want)
		}
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := testRegistry(t)

	d, err := r.Lookup("big")
	if err != nil {
		t.Fatalf("Lookup(big) error = %v", err)
	}
	if d.DisplayName != "big" {
		t.Errorf("DisplayName = %q, want id fallback", d.DisplayName)
	}
	if d.CreditsPerQuestion() != 25 {
		t.Errorf("CreditsPerQuestion() = %d, want 25", d.CreditsPerQuestion())
	}
	if d.Backend() != "big" {
		t.Errorf("Backend() = %q, want big", d.Backend())
	}

	_, err = r.Lookup("nope")
	if !errors.Is(err, model.ErrUnknownModel) {
		t.Errorf("Lookup(nope) error = %v, want ErrUnknownModel", err)
	}
}

func TestRegistry_ListByBucket(t *testing.T) {
	r := testRegistry(t)

	quick := r.ListByBucket(model.BucketQuick)
	if len(quick) != 2 {
		t.Fatalf("len = %d, want 2", len(quick))
	}
	if quick[0].ID != "small-2" {
		t.Errorf("first = %s, want small-2 (sorted by display name)", quick[0].ID)
	}
	if got := r.ListByBucket(model.BucketPerformance); len(got) != 1 {
		t.Errorf("performance len = %d, want 1", len(got))
	}
}

func TestRegistry_CreditsFor(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name        string
		ids         []string
		wantTotal   int64
		wantUnknown int
	}{
		{"empty", nil, 0, 0},
		{"single", []string{"mid"}, 5, 0},
		{"mixed buckets", []string{"big", "mid", "small"}, 31, 0},
		{"repeated id", []string{"small", "small"}, 2, 0},
		{"unknown costs zero", []string{"big", "ghost"}, 25, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, unknown := r.CreditsFor(tt.ids)
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if len(unknown) != tt.wantUnknown {
				t.Errorf("unknown = %v, want %d entries", unknown, tt.wantUnknown)
			}
		})
	}
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		models []model.Descriptor
	}{
		{"missing id", []model.Descriptor{{Bucket: model.BucketQuick}}},
		{"bad bucket", []model.Descriptor{{ID: "x", Bucket: "gold"}}},
		{"duplicate", []model.Descriptor{{ID: "x", Bucket: model.BucketQuick}, {ID: "x", Bucket: model.BucketMedium}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := model.NewRegistry(tt.models); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultCatalog_Valid(t *testing.T) {
	r, err := model.NewRegistry(model.DefaultCatalog())
	if err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	for _, b := range model.Buckets() {
		if len(r.ListByBucket(b)) == 0 {
			t.Errorf("bucket %s has no models", b)
		}
	}
}
