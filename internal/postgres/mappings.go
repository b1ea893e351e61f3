package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
)

// LocalMapping joins one Information to the DataField and Mapping that back
// it on a specific source.
type LocalMapping struct {
	Entity      domain.Entity
	Information domain.Information
	DataField   domain.DataField
	Mapping     domain.Mapping
}

// SourceMappings groups all local mappings of one (connection, source) pair.
type SourceMappings struct {
	Connection domain.DataConnection
	Source     domain.DataSource
	Mappings   []LocalMapping
}

// RemoteMapping joins one Information to the peer-side entity and info
// mappings that translate it.
type RemoteMapping struct {
	Entity        domain.Entity
	Information   domain.Information
	EntityMapping domain.RemoteEntityMapping
	InfoMapping   domain.RemoteInfoMapping
}

// RelayMappings groups all remote mappings toward one peer relay.
type RelayMappings struct {
	Relay    domain.Relay
	Mappings []RemoteMapping
}

// UpsertLocalMapping ties an information to a data field.
func (c *Catalog) UpsertLocalMapping(ctx context.Context, m *domain.Mapping) error {
	transform, err := toJSONB(m.Transformation)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO field_mappings (information_id, data_field_id, transformation)
		VALUES ($1, $2, $3)
		ON CONFLICT (information_id, data_field_id) DO UPDATE
		SET transformation = EXCLUDED.transformation`,
		m.InformationID, m.DataFieldID, transform)
	if err != nil {
		return fmt.Errorf("upsert local mapping: %w", err)
	}
	return nil
}

// UpsertRemoteEntityMapping inserts or updates the entity translation toward
// one peer relay.
func (c *Catalog) UpsertRemoteEntityMapping(ctx context.Context, m *domain.RemoteEntityMapping) (*domain.RemoteEntityMapping, error) {
	blocks, err := toJSONB(m.SubstitutionBlocks)
	if err != nil {
		return nil, err
	}
	var out domain.RemoteEntityMapping
	var blocksRaw []byte
	err = c.pool.QueryRow(ctx, `
		INSERT INTO remote_entity_mapping
			(sql, substitution_blocks, relay_id, entity_id, remote_entity_name, needs_subquery_transformation)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (relay_id, entity_id) DO UPDATE SET
			sql = EXCLUDED.sql,
			substitution_blocks = EXCLUDED.substitution_blocks,
			remote_entity_name = EXCLUDED.remote_entity_name,
			needs_subquery_transformation = EXCLUDED.needs_subquery_transformation
		RETURNING id, sql, substitution_blocks, relay_id, entity_id, remote_entity_name, needs_subquery_transformation`,
		m.SQL, blocks, m.RelayID, m.EntityID, m.RemoteEntityName, m.NeedsSubqueryTransformation).
		Scan(&out.ID, &out.SQL, &blocksRaw, &out.RelayID, &out.EntityID,
			&out.RemoteEntityName, &out.NeedsSubqueryTransformation)
	if err != nil {
		return nil, fmt.Errorf("upsert remote entity mapping: %w", err)
	}
	if err := fromJSONB(blocksRaw, &out.SubstitutionBlocks); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRemoteEntityMapping fetches the entity translation for one (relay,
// entity) pair, nil if absent.
func (c *Catalog) GetRemoteEntityMapping(ctx context.Context, relayID, entityID uuid.UUID) (*domain.RemoteEntityMapping, error) {
	var out domain.RemoteEntityMapping
	var blocksRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, sql, substitution_blocks, relay_id, entity_id, remote_entity_name, needs_subquery_transformation
		FROM remote_entity_mapping WHERE relay_id = $1 AND entity_id = $2`,
		relayID, entityID).
		Scan(&out.ID, &out.SQL, &blocksRaw, &out.RelayID, &out.EntityID,
			&out.RemoteEntityName, &out.NeedsSubqueryTransformation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get remote entity mapping: %w", err)
	}
	if err := fromJSONB(blocksRaw, &out.SubstitutionBlocks); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertRemoteInfoMapping ties a local information to a peer-side name.
func (c *Catalog) UpsertRemoteInfoMapping(ctx context.Context, m *domain.RemoteInfoMapping) error {
	transform, err := toJSONB(m.Transformation)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO remote_info_mapping
			(remote_entity_mapping_id, information_id, info_mapped_name, literal_derived_field, transformation)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (remote_entity_mapping_id, information_id) DO UPDATE SET
			info_mapped_name = EXCLUDED.info_mapped_name,
			literal_derived_field = EXCLUDED.literal_derived_field,
			transformation = EXCLUDED.transformation`,
		m.RemoteEntityMappingID, m.InformationID, m.InfoMappedName,
		m.LiteralDerivedField, transform)
	if err != nil {
		return fmt.Errorf("upsert remote info mapping: %w", err)
	}
	return nil
}

const localMappingQuery = `
	SELECT
		dc.id, dc.name, dc.connection_options,
		ds.id, ds.name, ds.source_sql, ds.data_connection_id, ds.source_options,
		e.id, e.name,
		i.id, i.name, i.arrow_dtype, i.entity_id,
		df.id, df.name, df.data_source_id, df.path,
		fm.information_id, fm.data_field_id, fm.transformation
	FROM field_mappings fm
	JOIN information i ON i.id = fm.information_id
	JOIN entities e ON e.id = i.entity_id
	JOIN data_field df ON df.id = fm.data_field_id
	JOIN data_source ds ON ds.id = df.data_source_id
	JOIN data_connection dc ON dc.id = ds.data_connection_id
	`

// scanLocalMappings folds join rows into per-(connection, source) groups.
func (c *Catalog) scanLocalMappings(rows pgx.Rows) ([]SourceMappings, error) {
	defer rows.Close()

	bySource := make(map[uuid.UUID]*SourceMappings)
	var order []uuid.UUID

	for rows.Next() {
		var (
			con          domain.DataConnection
			src          domain.DataSource
			lm           LocalMapping
			conOptsRaw   []byte
			srcOptsRaw   []byte
			transformRaw []byte
		)
		err := rows.Scan(
			&con.ID, &con.Name, &conOptsRaw,
			&src.ID, &src.Name, &src.SourceSQL, &src.DataConnectionID, &srcOptsRaw,
			&lm.Entity.ID, &lm.Entity.Name,
			&lm.Information.ID, &lm.Information.Name, &lm.Information.ArrowDtype, &lm.Information.EntityID,
			&lm.DataField.ID, &lm.DataField.Name, &lm.DataField.DataSourceID, &lm.DataField.Path,
			&lm.Mapping.InformationID, &lm.Mapping.DataFieldID, &transformRaw,
		)
		if err != nil {
			return nil, fmt.Errorf("scan local mapping: %w", err)
		}
		if err := fromJSONB(conOptsRaw, &con.ConnectionOptions); err != nil {
			return nil, err
		}
		if err := fromJSONB(srcOptsRaw, &src.SourceOptions); err != nil {
			return nil, err
		}
		if err := fromJSONB(transformRaw, &lm.Mapping.Transformation); err != nil {
			return nil, err
		}

		group, ok := bySource[src.ID]
		if !ok {
			group = &SourceMappings{Connection: con, Source: src}
			bySource[src.ID] = group
			order = append(order, src.ID)
		}
		group.Mappings = append(group.Mappings, lm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SourceMappings, 0, len(order))
	for _, id := range order {
		out = append(out, *bySource[id])
	}
	return out, nil
}

// MappingsByEntityNames returns all local mappings for the named entities,
// grouped by (connection, source).
func (c *Catalog) MappingsByEntityNames(ctx context.Context, names []string) ([]SourceMappings, error) {
	rows, err := c.pool.Query(ctx,
		localMappingQuery+`WHERE e.name = ANY($1) ORDER BY ds.id, i.name`, names)
	if err != nil {
		return nil, fmt.Errorf("mappings by entity names: %w", err)
	}
	return c.scanLocalMappings(rows)
}

// MappingsBySourceIDs returns all local mappings for the given sources,
// grouped by (connection, source).
func (c *Catalog) MappingsBySourceIDs(ctx context.Context, ids []uuid.UUID) ([]SourceMappings, error) {
	rows, err := c.pool.Query(ctx,
		localMappingQuery+`WHERE ds.id = ANY($1) ORDER BY ds.id, i.name`, ids)
	if err != nil {
		return nil, fmt.Errorf("mappings by source ids: %w", err)
	}
	return c.scanLocalMappings(rows)
}

// RemoteMappingsByEntityNames returns all remote mappings for the named
// entities, grouped by peer relay.
func (c *Catalog) RemoteMappingsByEntityNames(ctx context.Context, names []string) ([]RelayMappings, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT
			r.id, r.name, r.rest_endpoint, r.flight_endpoint, r.x509_sha256, r.x509_subject, r.x509_issuer,
			e.id, e.name,
			i.id, i.name, i.arrow_dtype, i.entity_id,
			rem.id, rem.sql, rem.substitution_blocks, rem.relay_id, rem.entity_id,
			rem.remote_entity_name, rem.needs_subquery_transformation,
			rim.remote_entity_mapping_id, rim.information_id, rim.info_mapped_name,
			rim.literal_derived_field, rim.transformation
		FROM remote_info_mapping rim
		JOIN remote_entity_mapping rem ON rem.id = rim.remote_entity_mapping_id
		JOIN relays r ON r.id = rem.relay_id
		JOIN information i ON i.id = rim.information_id
		JOIN entities e ON e.id = i.entity_id
		WHERE e.name = ANY($1)
		ORDER BY r.id, e.name, i.name`, names)
	if err != nil {
		return nil, fmt.Errorf("remote mappings by entity names: %w", err)
	}
	defer rows.Close()

	byRelay := make(map[uuid.UUID]*RelayMappings)
	var order []uuid.UUID

	for rows.Next() {
		var (
			relay        domain.Relay
			rm           RemoteMapping
			blocksRaw    []byte
			transformRaw []byte
		)
		err := rows.Scan(
			&relay.ID, &relay.Name, &relay.RestEndpoint, &relay.FlightEndpoint,
			&relay.X509Sha256, &relay.X509Subject, &relay.X509Issuer,
			&rm.Entity.ID, &rm.Entity.Name,
			&rm.Information.ID, &rm.Information.Name, &rm.Information.ArrowDtype, &rm.Information.EntityID,
			&rm.EntityMapping.ID, &rm.EntityMapping.SQL, &blocksRaw,
			&rm.EntityMapping.RelayID, &rm.EntityMapping.EntityID,
			&rm.EntityMapping.RemoteEntityName, &rm.EntityMapping.NeedsSubqueryTransformation,
			&rm.InfoMapping.RemoteEntityMappingID, &rm.InfoMapping.InformationID,
			&rm.InfoMapping.InfoMappedName, &rm.InfoMapping.LiteralDerivedField, &transformRaw,
		)
		if err != nil {
			return nil, fmt.Errorf("scan remote mapping: %w", err)
		}
		if err := fromJSONB(blocksRaw, &rm.EntityMapping.SubstitutionBlocks); err != nil {
			return nil, err
		}
		if err := fromJSONB(transformRaw, &rm.InfoMapping.Transformation); err != nil {
			return nil, err
		}

		group, ok := byRelay[relay.ID]
		if !ok {
			group = &RelayMappings{Relay: relay}
			byRelay[relay.ID] = group
			order = append(order, relay.ID)
		}
		group.Mappings = append(group.Mappings, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]RelayMappings, 0, len(order))
	for _, id := range order {
		out = append(out, *byRelay[id])
	}
	return out, nil
}
