package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
)

// CreateEntityIfNotExists inserts an entity by name, returning the existing
// row when the name is already registered.
func (c *Catalog) CreateEntityIfNotExists(ctx context.Context, name string) (*domain.Entity, error) {
	var e domain.Entity
	err := c.pool.QueryRow(ctx, `
		INSERT INTO entities (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, name).Scan(&e.ID, &e.Name)
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return &e, nil
}

// GetEntity fetches an entity by name.
func (c *Catalog) GetEntity(ctx context.Context, name string) (*domain.Entity, error) {
	var e domain.Entity
	err := c.pool.QueryRow(ctx,
		`SELECT id, name FROM entities WHERE name = $1`, name).Scan(&e.ID, &e.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &e, nil
}

// UpsertInformation inserts or updates an information item within its entity.
func (c *Catalog) UpsertInformation(ctx context.Context, info *domain.Information) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO information (name, arrow_dtype, entity_id) VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, name) DO UPDATE SET arrow_dtype = EXCLUDED.arrow_dtype`,
		info.Name, info.ArrowDtype, info.EntityID)
	if err != nil {
		return fmt.Errorf("upsert information: %w", err)
	}
	return nil
}

// GetInformationForEntity returns all information items of one entity.
func (c *Catalog) GetInformationForEntity(ctx context.Context, entityID uuid.UUID) ([]domain.Information, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, name, arrow_dtype, entity_id FROM information
		WHERE entity_id = $1 ORDER BY name`, entityID)
	if err != nil {
		return nil, fmt.Errorf("get information: %w", err)
	}
	defer rows.Close()

	var out []domain.Information
	for rows.Next() {
		var info domain.Information
		if err := rows.Scan(&info.ID, &info.Name, &info.ArrowDtype, &info.EntityID); err != nil {
			return nil, fmt.Errorf("scan information: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetInformation fetches one information item by entity and name.
func (c *Catalog) GetInformation(ctx context.Context, entityID uuid.UUID, name string) (*domain.Information, error) {
	var info domain.Information
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, arrow_dtype, entity_id FROM information
		WHERE entity_id = $1 AND name = $2`, entityID, name).
		Scan(&info.ID, &info.Name, &info.ArrowDtype, &info.EntityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get information: %w", err)
	}
	return &info, nil
}

// GetAllInformation returns every entity's information, keyed by entity name.
// Used by the flight list_flights discovery stream.
func (c *Catalog) GetAllInformation(ctx context.Context) (map[string][]domain.Information, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT e.name, i.id, i.name, i.arrow_dtype, i.entity_id
		FROM information i JOIN entities e ON e.id = i.entity_id
		ORDER BY e.name, i.name`)
	if err != nil {
		return nil, fmt.Errorf("get all information: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Information)
	for rows.Next() {
		var entityName string
		var info domain.Information
		if err := rows.Scan(&entityName, &info.ID, &info.Name, &info.ArrowDtype, &info.EntityID); err != nil {
			return nil, fmt.Errorf("scan information: %w", err)
		}
		out[entityName] = append(out[entityName], info)
	}
	return out, rows.Err()
}
