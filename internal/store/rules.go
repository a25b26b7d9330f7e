package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateEscalationRule inserts a tenant escalation policy.
func (r *Repository) CreateEscalationRule(ctx context.Context, rule *EscalationRule) error {
	categories, err := json.Marshal(rule.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	priorities, err := json.Marshal(rule.Priorities)
	if err != nil {
		return fmt.Errorf("marshal priorities: %w", err)
	}
	metadata, err := json.Marshal(rule.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	steps, err := json.Marshal(rule.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO escalation_rules (
			id, tenant_id, name, enabled, categories, priorities, metadata, steps
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		rule.ID, rule.TenantID, rule.Name, rule.Enabled,
		categories, priorities, metadata, steps,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation rule: %w", err)
	}
	return nil
}

// GetEscalationRule retrieves a rule by ID.
func (r *Repository) GetEscalationRule(ctx context.Context, id uuid.UUID) (*EscalationRule, error) {
	query := `
		SELECT id, tenant_id, name, enabled, categories, priorities, metadata, steps,
		       created_at, updated_at
		FROM escalation_rules
		WHERE id = $1
	`

	rule, err := scanEscalationRule(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query escalation rule: %w", err)
	}
	return rule, nil
}

// ListEscalationRules returns a tenant's enabled rules.
func (r *Repository) ListEscalationRules(ctx context.Context, tenantID uuid.UUID) ([]*EscalationRule, error) {
	query := `
		SELECT id, tenant_id, name, enabled, categories, priorities, metadata, steps,
		       created_at, updated_at
		FROM escalation_rules
		WHERE tenant_id = $1 AND enabled
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query escalation rules: %w", err)
	}
	defer rows.Close()

	var rules []*EscalationRule
	for rows.Next() {
		rule, err := scanEscalationRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteEscalationRule removes a rule.
func (r *Repository) DeleteEscalationRule(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM escalation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete escalation rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("escalation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanEscalationRule(row pgx.Row) (*EscalationRule, error) {
	var (
		rule       EscalationRule
		categories []byte
		priorities []byte
		metadata   []byte
		steps      []byte
	)

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Enabled,
		&categories, &priorities, &metadata, &steps,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(categories, &rule.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	if err := json.Unmarshal(priorities, &rule.Priorities); err != nil {
		return nil, fmt.Errorf("unmarshal priorities: %w", err)
	}
	if err := json.Unmarshal(metadata, &rule.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(steps, &rule.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &rule, nil
}
