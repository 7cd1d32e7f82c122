package installation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on the installations table
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID string) (*Installation, error) {
	inst := Installation{WorkspaceID: workspaceID}
	err := s.db.QueryRowContext(ctx, `
		SELECT addon_id, token, api_base_url, installed_at
		FROM installations
		WHERE workspace_id = $1
	`, workspaceID).Scan(&inst.AddonID, &inst.Token, &inst.APIBaseURL, &inst.InstalledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstallationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return &inst, nil
}

// Save upserts; a reinstall replaces the token
func (s *PostgresStore) Save(ctx context.Context, inst *Installation) error {
	if err := validate(inst); err != nil {
		return err
	}
	installedAt := inst.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installations (workspace_id, addon_id, token, api_base_url, installed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id) DO UPDATE
		SET addon_id = EXCLUDED.addon_id,
		    token = EXCLUDED.token,
		    api_base_url = EXCLUDED.api_base_url,
		    installed_at = EXCLUDED.installed_at
	`, inst.WorkspaceID, inst.AddonID, inst.Token, inst.APIBaseURL, installedAt)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, workspaceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installations WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete installation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
