package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
)

const relayColumns = `id, name, rest_endpoint, flight_endpoint, x509_sha256, x509_subject, x509_issuer`

func scanRelay(row pgx.Row) (*domain.Relay, error) {
	var r domain.Relay
	err := row.Scan(&r.ID, &r.Name, &r.RestEndpoint, &r.FlightEndpoint,
		&r.X509Sha256, &r.X509Subject, &r.X509Issuer)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRelay inserts or updates a peer relay by name.
func (c *Catalog) UpsertRelay(ctx context.Context, r *domain.Relay) (*domain.Relay, error) {
	out, err := scanRelay(c.pool.QueryRow(ctx, `
		INSERT INTO relays (name, rest_endpoint, flight_endpoint, x509_sha256, x509_subject, x509_issuer)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			rest_endpoint = EXCLUDED.rest_endpoint,
			flight_endpoint = EXCLUDED.flight_endpoint,
			x509_sha256 = EXCLUDED.x509_sha256,
			x509_subject = EXCLUDED.x509_subject,
			x509_issuer = EXCLUDED.x509_issuer
		RETURNING `+relayColumns,
		r.Name, r.RestEndpoint, r.FlightEndpoint, r.X509Sha256, r.X509Subject, r.X509Issuer))
	if err != nil {
		return nil, fmt.Errorf("upsert relay: %w", err)
	}
	return out, nil
}

// GetRelayByFingerprint fetches a relay by its certificate SHA-256.
func (c *Catalog) GetRelayByFingerprint(ctx context.Context, fingerprint string) (*domain.Relay, error) {
	out, err := scanRelay(c.pool.QueryRow(ctx,
		`SELECT `+relayColumns+` FROM relays WHERE x509_sha256 = $1`, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get relay by fingerprint: %w", err)
	}
	return out, nil
}

// GetRelayByName fetches a relay by name.
func (c *Catalog) GetRelayByName(ctx context.Context, name string) (*domain.Relay, error) {
	out, err := scanRelay(c.pool.QueryRow(ctx,
		`SELECT `+relayColumns+` FROM relays WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get relay by name: %w", err)
	}
	return out, nil
}

// GetRelayByID fetches a relay by id.
func (c *Catalog) GetRelayByID(ctx context.Context, id uuid.UUID) (*domain.Relay, error) {
	out, err := scanRelay(c.pool.QueryRow(ctx,
		`SELECT `+relayColumns+` FROM relays WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get relay by id: %w", err)
	}
	return out, nil
}

// UpsertRelaySourcePermission grants a peer relay access on a source.
func (c *Catalog) UpsertRelaySourcePermission(ctx context.Context, sourceID, relayID uuid.UUID, p domain.SourcePermission) error {
	perm, err := toJSONB(p)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO relay_source_permission (data_source_id, relay_id, source_permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (data_source_id, relay_id) DO UPDATE
		SET source_permission = EXCLUDED.source_permission`,
		sourceID, relayID, perm)
	if err != nil {
		return fmt.Errorf("upsert relay source permission: %w", err)
	}
	return nil
}

// GetRelaySourcePermission fetches an explicit relay grant, nil if absent.
func (c *Catalog) GetRelaySourcePermission(ctx context.Context, relayID, sourceID uuid.UUID) (*domain.RelaySourcePermission, error) {
	var out domain.RelaySourcePermission
	var permRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, data_source_id, relay_id, source_permission
		FROM relay_source_permission WHERE relay_id = $1 AND data_source_id = $2`,
		relayID, sourceID).
		Scan(&out.ID, &out.DataSourceID, &out.RelayID, &permRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get relay source permission: %w", err)
	}
	if err := fromJSONB(permRaw, &out.SourcePermission); err != nil {
		return nil, err
	}
	return &out, nil
}
