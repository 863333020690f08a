package sqlite

import (
	"context"

	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordBatch stores multiple usage events in one transaction.
func (s *UsageStore) RecordBatch(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			id, account_id, model_id, prompt_tokens, completion_tokens, cost_usd, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.AccountID, e.ModelID, e.PromptTokens, e.CompletionTokens, e.CostUSD, e.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByAccount returns the newest events of an account.
func (s *UsageStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, model_id, prompt_tokens, completion_tokens, cost_usd, created_at
		FROM usage_events
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ModelID, &e.PromptTokens, &e.CompletionTokens,
			&e.CostUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
