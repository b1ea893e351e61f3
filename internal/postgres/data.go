package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

// UpsertConnection inserts or updates a data connection by name.
func (c *Catalog) UpsertConnection(ctx context.Context, con *domain.DataConnection) (*domain.DataConnection, error) {
	opts, err := toJSONB(con.ConnectionOptions)
	if err != nil {
		return nil, err
	}
	var out domain.DataConnection
	var optsRaw []byte
	err = c.pool.QueryRow(ctx, `
		INSERT INTO data_connection (name, connection_options) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET connection_options = EXCLUDED.connection_options
		RETURNING id, name, connection_options`, con.Name, opts).
		Scan(&out.ID, &out.Name, &optsRaw)
	if err != nil {
		return nil, fmt.Errorf("upsert connection: %w", err)
	}
	if err := fromJSONB(optsRaw, &out.ConnectionOptions); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConnection fetches a data connection by name.
func (c *Catalog) GetConnection(ctx context.Context, name string) (*domain.DataConnection, error) {
	var out domain.DataConnection
	var optsRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, connection_options FROM data_connection WHERE name = $1`, name).
		Scan(&out.ID, &out.Name, &optsRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if err := fromJSONB(optsRaw, &out.ConnectionOptions); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertSource inserts or updates a data source within its connection.
func (c *Catalog) UpsertSource(ctx context.Context, src *domain.DataSource) (*domain.DataSource, error) {
	opts, err := toJSONB(src.SourceOptions)
	if err != nil {
		return nil, err
	}
	var out domain.DataSource
	var optsRaw []byte
	err = c.pool.QueryRow(ctx, `
		INSERT INTO data_source (name, source_sql, data_connection_id, source_options)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (data_connection_id, name) DO UPDATE
		SET source_sql = EXCLUDED.source_sql, source_options = EXCLUDED.source_options
		RETURNING id, name, source_sql, data_connection_id, source_options`,
		src.Name, src.SourceSQL, src.DataConnectionID, opts).
		Scan(&out.ID, &out.Name, &out.SourceSQL, &out.DataConnectionID, &optsRaw)
	if err != nil {
		return nil, fmt.Errorf("upsert source: %w", err)
	}
	if err := fromJSONB(optsRaw, &out.SourceOptions); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSource fetches a data source by connection and name.
func (c *Catalog) GetSource(ctx context.Context, connectionID uuid.UUID, name string) (*domain.DataSource, error) {
	var out domain.DataSource
	var optsRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, source_sql, data_connection_id, source_options
		FROM data_source WHERE data_connection_id = $1 AND name = $2`, connectionID, name).
		Scan(&out.ID, &out.Name, &out.SourceSQL, &out.DataConnectionID, &optsRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	if err := fromJSONB(optsRaw, &out.SourceOptions); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertField inserts or updates a data field within its source.
func (c *Catalog) UpsertField(ctx context.Context, field *domain.DataField) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO data_field (name, data_source_id, path) VALUES ($1, $2, $3)
		ON CONFLICT (data_source_id, name) DO UPDATE SET path = EXCLUDED.path`,
		field.Name, field.DataSourceID, field.Path)
	if err != nil {
		return fmt.Errorf("upsert field: %w", err)
	}
	return nil
}

// GetField fetches a data field by source and name.
func (c *Catalog) GetField(ctx context.Context, sourceID uuid.UUID, name string) (*domain.DataField, error) {
	var out domain.DataField
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, data_source_id, path FROM data_field
		WHERE data_source_id = $1 AND name = $2`, sourceID, name).
		Scan(&out.ID, &out.Name, &out.DataSourceID, &out.Path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get field: %w", err)
	}
	return &out, nil
}

// UpsertDefaultSourcePermission sets the baseline permission for a source.
func (c *Catalog) UpsertDefaultSourcePermission(ctx context.Context, sourceID uuid.UUID, p domain.SourcePermission) error {
	perm, err := toJSONB(p)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO default_source_permission (data_source_id, source_permission) VALUES ($1, $2)
		ON CONFLICT (data_source_id) DO UPDATE SET source_permission = EXCLUDED.source_permission`,
		sourceID, perm)
	if err != nil {
		return fmt.Errorf("upsert default source permission: %w", err)
	}
	return nil
}

// GetDefaultSourcePermission fetches the baseline permission for a source.
// Every source must have one; a missing row is a catalog configuration error.
func (c *Catalog) GetDefaultSourcePermission(ctx context.Context, sourceID uuid.UUID) (*domain.DefaultSourcePermission, error) {
	var out domain.DefaultSourcePermission
	var permRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, data_source_id, source_permission FROM default_source_permission
		WHERE data_source_id = $1`, sourceID).
		Scan(&out.ID, &out.DataSourceID, &permRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.Newf(relayerr.DbError, "no default permission configured for source %s", sourceID)
		}
		return nil, fmt.Errorf("get default source permission: %w", err)
	}
	if err := fromJSONB(permRaw, &out.SourcePermission); err != nil {
		return nil, err
	}
	return &out, nil
}
