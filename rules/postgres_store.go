package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Conditions,
// actions and trigger are stored as JSONB; seq keeps insertion order.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, enabled, combinator, conditions, actions, trigger, priority, created_at, updated_at`

// Save inserts or overwrites a rule. On conflict the row keeps its seq and created_at.
func (s *PostgresRuleStore) Save(ctx context.Context, workspaceID string, rule *Rule) (*Rule, error) {
	r, err := prepareForSave(rule)
	if err != nil {
		return nil, err
	}

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	var trigger []byte
	if len(r.Trigger) > 0 {
		if trigger, err = json.Marshal(r.Trigger); err != nil {
			return nil, fmt.Errorf("failed to encode trigger: %w", err)
		}
	}

	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rules (workspace_id, id, name, enabled, combinator, conditions, actions, trigger, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (workspace_id, id) DO UPDATE
		SET name = EXCLUDED.name,
		    enabled = EXCLUDED.enabled,
		    combinator = EXCLUDED.combinator,
		    conditions = EXCLUDED.conditions,
		    actions = EXCLUDED.actions,
		    trigger = EXCLUDED.trigger,
		    priority = EXCLUDED.priority,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`, workspaceID, r.ID, r.Name, r.Enabled, string(r.Combinator), string(conditions), string(actions),
		nullableJSON(trigger), r.Priority, createdAt, now).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save rule: %w", err)
	}
	return r, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                   Rule
		combinator          string
		conditions, actions []byte
		trigger             []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Enabled, &combinator, &conditions, &actions,
		&trigger, &r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Combinator = Combinator(combinator)
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions of rule %s: %w", r.ID, err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
			return nil, fmt.Errorf("failed to decode trigger of rule %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, workspaceID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) list(ctx context.Context, workspaceID string, enabledOnly bool) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE workspace_id = $1 AND (NOT $2::boolean OR enabled)
		ORDER BY seq ASC
	`, workspaceID, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rulesList := []*Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// ListAll returns all rules for the workspace in insertion order
func (s *PostgresRuleStore) ListAll(ctx context.Context, workspaceID string) ([]*Rule, error) {
	return s.list(ctx, workspaceID, false)
}

// ListEnabled returns enabled rules for the workspace in insertion order
func (s *PostgresRuleStore) ListEnabled(ctx context.Context, workspaceID string) ([]*Rule, error) {
	return s.list(ctx, workspaceID, true)
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, workspaceID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *PostgresRuleStore) DeleteAll(ctx context.Context, workspaceID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (s *PostgresRuleStore) Exists(ctx context.Context, workspaceID, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM rules WHERE workspace_id = $1 AND id = $2)
	`, workspaceID, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check rule existence: %w", err)
	}
	return exists, nil
}

func (s *PostgresRuleStore) Count(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules WHERE workspace_id = $1`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}
