package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
type UsageStore struct {
	mu     sync.RWMutex
	events []usage.Event
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

// RecordBatch appends events.
func (s *UsageStore) RecordBatch(ctx context.Context, events []usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// ListByAccount returns the newest events of an account.
func (s *UsageStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].AccountID == accountID {
			out = append(out, s.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every recorded event in insertion order.
func (s *UsageStore) All() []usage.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Event(nil), s.events...)
}

// AuditStore is an in-memory implementation of ports.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []billing.AuditEntry
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append records an entry.
func (s *AuditStore) Append(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// List returns the newest entries first.
func (s *AuditStore) List(ctx context.Context, limit int) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.AuditEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// ProcessedEventStore is an in-memory implementation of ports.ProcessedEventStore.
type ProcessedEventStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

// NewProcessedEventStore creates a new in-memory processed-event store.
func NewProcessedEventStore() *ProcessedEventStore {
	return &ProcessedEventStore{claims: make(map[string]time.Time)}
}

// Claim records eventID unless it is already present.
func (s *ProcessedEventStore) Claim(ctx context.Context, eventID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[eventID]; ok {
		return false, nil
	}
	s.claims[eventID] = at
	return true, nil
}

// Release removes a claim.
func (s *ProcessedEventStore) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, eventID)
	return nil
}

// Prune deletes claims older than before.
func (s *ProcessedEventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.claims {
		if at.Before(before) {
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}

// Ensure interface compliance.
var (
	_ ports.UsageStore          = (*UsageStore)(nil)
	_ ports.AuditStore          = (*AuditStore)(nil)
	_ ports.ProcessedEventStore = (*ProcessedEventStore)(nil)
)
