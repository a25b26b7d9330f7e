package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetContact retrieves a user's verified destinations.
func (r *Repository) GetContact(ctx context.Context, userID, tenantID uuid.UUID) (*Contact, error) {
	query := `
		SELECT user_id, tenant_id, email, email_verified,
		       phone, phone_verified, push_endpoints, updated_at
		FROM contacts
		WHERE user_id = $1 AND tenant_id = $2
	`

	var (
		c         Contact
		endpoints []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, userID, tenantID).Scan(
		&c.UserID, &c.TenantID, &c.Email, &c.EmailVerified,
		&c.Phone, &c.PhoneVerified, &endpoints, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}

	if err := json.Unmarshal(endpoints, &c.PushEndpoints); err != nil {
		return nil, fmt.Errorf("unmarshal push endpoints: %w", err)
	}
	return &c, nil
}

// PutContact upserts a contact record.
func (r *Repository) PutContact(ctx context.Context, c *Contact) error {
	endpoints, err := json.Marshal(c.PushEndpoints)
	if err != nil {
		return fmt.Errorf("marshal push endpoints: %w", err)
	}

	query := `
		INSERT INTO contacts (
			user_id, tenant_id, email, email_verified,
			phone, phone_verified, push_endpoints
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			phone = EXCLUDED.phone,
			phone_verified = EXCLUDED.phone_verified,
			push_endpoints = EXCLUDED.push_endpoints,
			updated_at = NOW()
		RETURNING updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		c.UserID, c.TenantID, c.Email, c.EmailVerified,
		c.Phone, c.PhoneVerified, endpoints,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// RemovePushEndpoint drops one invalidated endpoint from a user's contact
// record. Used when the push provider reports the endpoint gone.
func (r *Repository) RemovePushEndpoint(ctx context.Context, userID, tenantID uuid.UUID, arn string) error {
	c, err := r.GetContact(ctx, userID, tenantID)
	if err != nil {
		return err
	}

	kept := c.PushEndpoints[:0]
	for _, ep := range c.PushEndpoints {
		if ep.ARN != arn {
			kept = append(kept, ep)
		}
	}
	c.PushEndpoints = kept

	return r.PutContact(ctx, c)
}
