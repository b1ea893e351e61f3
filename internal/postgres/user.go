package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
)

// UpsertUserByFingerprint registers a user by certificate fingerprint. When
// the user already exists the stored attributes are preserved: first contact
// never downgrades or upgrades an explicit grant.
func (c *Catalog) UpsertUserByFingerprint(ctx context.Context, u *domain.User) (*domain.User, error) {
	attrs, err := toJSONB(u.Attributes)
	if err != nil {
		return nil, err
	}
	var out domain.User
	var attrsRaw []byte
	err = c.pool.QueryRow(ctx, `
		INSERT INTO users (x509_sha256, x509_subject, x509_issuer, attributes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (x509_sha256) DO UPDATE SET
			x509_subject = EXCLUDED.x509_subject,
			x509_issuer = EXCLUDED.x509_issuer
		RETURNING id, x509_sha256, x509_subject, x509_issuer, attributes`,
		u.X509Sha256, u.X509Subject, u.X509Issuer, attrs).
		Scan(&out.ID, &out.X509Sha256, &out.X509Subject, &out.X509Issuer, &attrsRaw)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if err := fromJSONB(attrsRaw, &out.Attributes); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetUserAttributes overwrites a user's attributes (admin apply path).
func (c *Catalog) SetUserAttributes(ctx context.Context, fingerprint string, attrs domain.UserAttributes) error {
	raw, err := toJSONB(attrs)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx,
		`UPDATE users SET attributes = $2 WHERE x509_sha256 = $1`, fingerprint, raw)
	if err != nil {
		return fmt.Errorf("set user attributes: %w", err)
	}
	return nil
}

// GetUserByFingerprint fetches a user by certificate SHA-256, nil if unknown.
func (c *Catalog) GetUserByFingerprint(ctx context.Context, fingerprint string) (*domain.User, error) {
	var out domain.User
	var attrsRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, x509_sha256, x509_subject, x509_issuer, attributes
		FROM users WHERE x509_sha256 = $1`, fingerprint).
		Scan(&out.ID, &out.X509Sha256, &out.X509Subject, &out.X509Issuer, &attrsRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := fromJSONB(attrsRaw, &out.Attributes); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertUserSourcePermission grants a user access on a source.
func (c *Catalog) UpsertUserSourcePermission(ctx context.Context, sourceID, userID uuid.UUID, p domain.SourcePermission) error {
	perm, err := toJSONB(p)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO user_source_permission (data_source_id, user_id, source_permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (data_source_id, user_id) DO UPDATE
		SET source_permission = EXCLUDED.source_permission`,
		sourceID, userID, perm)
	if err != nil {
		return fmt.Errorf("upsert user source permission: %w", err)
	}
	return nil
}

// GetUserSourcePermission fetches an explicit user grant by fingerprint, nil
// if absent.
func (c *Catalog) GetUserSourcePermission(ctx context.Context, fingerprint string, sourceID uuid.UUID) (*domain.UserSourcePermission, error) {
	var out domain.UserSourcePermission
	var permRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT p.id, p.data_source_id, p.user_id, p.source_permission
		FROM user_source_permission p JOIN users u ON u.id = p.user_id
		WHERE u.x509_sha256 = $1 AND p.data_source_id = $2`,
		fingerprint, sourceID).
		Scan(&out.ID, &out.DataSourceID, &out.UserID, &permRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user source permission: %w", err)
	}
	if err := fromJSONB(permRaw, &out.SourcePermission); err != nil {
		return nil, err
	}
	return &out, nil
}
