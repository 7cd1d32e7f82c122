package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresTracker stores records in the webhook_dedup table so every replica
// shares one view of processed deliveries
type PostgresTracker struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgresTracker creates a tracker over an open database
func NewPostgresTracker(db *sql.DB, ttl time.Duration) *PostgresTracker {
	return &PostgresTracker{
		db:  db,
		ttl: ClampTTL(ttl),
		now: time.Now,
	}
}

// CheckAndRecord inserts the key, or takes over an expired row. The upsert
// affects no row when a live record exists, which is reported as Duplicate.
func (t *PostgresTracker) CheckAndRecord(ctx context.Context, workspaceID, key string) (Verdict, error) {
	now := t.now().UTC()
	result, err := t.db.ExecContext(ctx, `
		INSERT INTO webhook_dedup (workspace_id, dedup_key, outcome, recorded_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, dedup_key) DO UPDATE
		SET outcome = EXCLUDED.outcome,
		    recorded_at = EXCLUDED.recorded_at,
		    expires_at = EXCLUDED.expires_at
		WHERE webhook_dedup.expires_at <= EXCLUDED.recorded_at
	`, workspaceID, key, OutcomePending, now, now.Add(t.ttl))
	if err != nil {
		return Fresh, fmt.Errorf("failed to record event key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Fresh, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

func (t *PostgresTracker) Complete(ctx context.Context, workspaceID, key, outcome string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE webhook_dedup SET outcome = $3
		WHERE workspace_id = $1 AND dedup_key = $2
	`, workspaceID, key, outcome)
	if err != nil {
		return fmt.Errorf("failed to complete event key: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Release(ctx context.Context, workspaceID, key string) error {
	_, err := t.db.ExecContext(ctx, `
		DELETE FROM webhook_dedup WHERE workspace_id = $1 AND dedup_key = $2
	`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("failed to release event key: %w", err)
	}
	return nil
}

// Lookup returns the live record for a key
func (t *PostgresTracker) Lookup(ctx context.Context, workspaceID, key string) (Record, bool, error) {
	rec := Record{WorkspaceID: workspaceID, Key: key}
	err := t.db.QueryRowContext(ctx, `
		SELECT outcome, recorded_at, expires_at
		FROM webhook_dedup
		WHERE workspace_id = $1 AND dedup_key = $2 AND expires_at > $3
	`, workspaceID, key, t.now().UTC()).Scan(&rec.Outcome, &rec.RecordedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to look up event key: %w", err)
	}
	return rec, true, nil
}

// PurgeExpired deletes expired rows
func (t *PostgresTracker) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := t.db.ExecContext(ctx, `DELETE FROM webhook_dedup WHERE expires_at <= $1`, t.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge event keys: %w", err)
	}
	return result.RowsAffected()
}
