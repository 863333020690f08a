package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/billing"
	"github.com/artpar/comparellm/ports"
)

// AuditStore implements ports.AuditStore using SQLite.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new SQLite audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one audit entry.
func (s *AuditStore) Append(ctx context.Context, e billing.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_audit (id, event_id, event_type, livemode, account_id, tier, outcome,
			success, error, attempted_update, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventID, e.EventType, e.Livemode, nullString(e.AccountID), nullString(string(e.Tier)),
		e.Outcome, e.Success, nullString(e.Error), nullString(e.AttemptedUpdate), e.Payload, e.CreatedAt.UTC())
	if isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// List returns the newest audit entries.
func (s *AuditStore) List(ctx context.Context, limit int) ([]billing.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, livemode, account_id, tier, outcome, success, error,
			attempted_update, payload, created_at
		FROM billing_audit
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var accountID, tier, errText, attempted sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Livemode, &accountID, &tier, &e.Outcome,
			&e.Success, &errText, &attempted, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AccountID = accountID.String
		e.Tier = account.Tier(tier.String)
		e.Error = errText.String
		e.AttemptedUpdate = attempted.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ProcessedEventStore implements ports.ProcessedEventStore using SQLite.
type ProcessedEventStore struct {
	db *DB
}

// NewProcessedEventStore creates a new SQLite processed-event store.
func NewProcessedEventStore(db *DB) *ProcessedEventStore {
	return &ProcessedEventStore{db: db}
}

// Claim inserts the event id; the primary key makes check-and-insert one statement.
func (s *ProcessedEventStore) Claim(ctx context.Context, eventID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_billing_events (event_id, processed_at) VALUES (?, ?)`,
		eventID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release removes a claim.
func (s *ProcessedEventStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_billing_events WHERE event_id = ?`, eventID)
	return err
}

// Prune deletes claims older than before.
func (s *ProcessedEventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_billing_events WHERE processed_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var (
	_ ports.AuditStore          = (*AuditStore)(nil)
	_ ports.ProcessedEventStore = (*ProcessedEventStore)(nil)
)
