package admin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/relayerr"
)

// Apply upserts one declaration into the catalog.
func Apply(ctx context.Context, catalog *postgres.Catalog, cmd ConfigCommand) error {
	if err := cmd.Validate(); err != nil {
		return relayerr.Wrap(relayerr.SerDe, "invalid config command", err)
	}

	switch {
	case cmd.Entity != nil:
		return applyEntity(ctx, catalog, cmd.Entity)
	case cmd.LocalData != nil:
		return applyLocalData(ctx, catalog, cmd.LocalData)
	case cmd.LocalMapping != nil:
		return applyLocalMapping(ctx, catalog, cmd.LocalMapping)
	case cmd.PeerRelay != nil:
		return applyPeerRelay(ctx, catalog, cmd.PeerRelay)
	case cmd.RemoteMapping != nil:
		return applyRemoteMapping(ctx, catalog, cmd.RemoteMapping)
	case cmd.User != nil:
		return applyUser(ctx, catalog, cmd.User)
	}
	return nil
}

func applyEntity(ctx context.Context, catalog *postgres.Catalog, decl *EntityDeclaration) error {
	entity, err := catalog.CreateEntityIfNotExists(ctx, decl.Name)
	if err != nil {
		return err
	}
	for _, info := range decl.Information {
		err := catalog.UpsertInformation(ctx, &domain.Information{
			Name:       info.Name,
			ArrowDtype: info.ArrowDtype,
			EntityID:   entity.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func applyLocalData(ctx context.Context, catalog *postgres.Catalog, decl *DataConnectionDeclaration) error {
	if err := decl.ConnectionOptions.Validate(); err != nil {
		return relayerr.Wrap(relayerr.SerDe, "connection declaration", err)
	}
	con, err := catalog.UpsertConnection(ctx, &domain.DataConnection{
		Name:              decl.Name,
		ConnectionOptions: decl.ConnectionOptions,
	})
	if err != nil {
		return err
	}

	for _, srcDecl := range decl.DataSources {
		if err := srcDecl.SourceOptions.Validate(); err != nil {
			return relayerr.Wrap(relayerr.SerDe, "source declaration "+srcDecl.Name, err)
		}
		source, err := catalog.UpsertSource(ctx, &domain.DataSource{
			Name:             srcDecl.Name,
			SourceSQL:        srcDecl.SourceSQL,
			DataConnectionID: con.ID,
			SourceOptions:    srcDecl.SourceOptions,
		})
		if err != nil {
			return err
		}

		for _, fieldDecl := range srcDecl.Fields {
			err := catalog.UpsertField(ctx, &domain.DataField{
				Name:         fieldDecl.Name,
				DataSourceID: source.ID,
				Path:         fieldDecl.Path,
			})
			if err != nil {
				return err
			}
		}

		// Every source carries a default permission; omitted means deny-all.
		perm := PermissionDeclaration{}
		if srcDecl.DefaultPermission != nil {
			perm = *srcDecl.DefaultPermission
		}
		if err := catalog.UpsertDefaultSourcePermission(ctx, source.ID, perm.permission()); err != nil {
			return err
		}
	}
	return nil
}

// resolveSource looks up a (connection, source) pair by name.
func resolveSource(ctx context.Context, catalog *postgres.Catalog, conName, sourceName string) (*domain.DataSource, error) {
	con, err := catalog.GetConnection(ctx, conName)
	if err != nil {
		return nil, err
	}
	if con == nil {
		return nil, fmt.Errorf("no data connection named %s", conName)
	}
	source, err := catalog.GetSource(ctx, con.ID, sourceName)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("no data source named %s on connection %s", sourceName, conName)
	}
	return source, nil
}

func applyLocalMapping(ctx context.Context, catalog *postgres.Catalog, decl *LocalMappingDeclaration) error {
	entity, err := catalog.GetEntity(ctx, decl.EntityName)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("no entity named %s", decl.EntityName)
	}

	for _, srcMapping := range decl.Mappings {
		source, err := resolveSource(ctx, catalog, srcMapping.DataConnectionName, srcMapping.DataSourceName)
		if err != nil {
			return err
		}

		for _, fm := range srcMapping.FieldMappings {
			info, err := catalog.GetInformation(ctx, entity.ID, fm.Info)
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("no information named %s on entity %s", fm.Info, decl.EntityName)
			}
			field, err := catalog.GetField(ctx, source.ID, fm.Field)
			if err != nil {
				return err
			}
			if field == nil {
				return fmt.Errorf("no field named %s on source %s", fm.Field, source.Name)
			}

			transform := fm.Transformation
			if transform.ReplaceFrom == "" {
				transform = domain.IdentityTransformation()
			}
			err = catalog.UpsertLocalMapping(ctx, &domain.Mapping{
				InformationID:  info.ID,
				DataFieldID:    field.ID,
				Transformation: transform,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func applyPeerRelay(ctx context.Context, catalog *postgres.Catalog, decl *PeerRelayDeclaration) error {
	id, err := pki.ParsePEM([]byte(decl.X509CertPEM))
	if err != nil {
		return relayerr.Wrap(relayerr.SerDe, "peer relay certificate", err)
	}

	relay, err := catalog.UpsertRelay(ctx, &domain.Relay{
		Name:           decl.Name,
		RestEndpoint:   decl.RestEndpoint,
		FlightEndpoint: decl.FlightEndpoint,
		X509Sha256:     id.Fingerprint,
		X509Subject:    id.SubjectDN,
		X509Issuer:     id.IssuerDN,
	})
	if err != nil {
		return err
	}

	for _, grant := range decl.Permissions {
		source, err := resolveSource(ctx, catalog, grant.DataConnectionName, grant.DataSourceName)
		if err != nil {
			return err
		}
		if err := catalog.UpsertRelaySourcePermission(ctx, source.ID, relay.ID, grant.Permission.permission()); err != nil {
			return err
		}
	}
	return nil
}

func applyRemoteMapping(ctx context.Context, catalog *postgres.Catalog, decl *RemoteMappingDeclaration) error {
	entity, err := catalog.GetEntity(ctx, decl.EntityName)
	if err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("no entity named %s", decl.EntityName)
	}

	for _, peerDecl := range decl.Mappings {
		relay, err := catalog.GetRelayByName(ctx, peerDecl.RelayName)
		if err != nil {
			return err
		}
		if relay == nil {
			return fmt.Errorf("no relay named %s", peerDecl.RelayName)
		}

		entityMapping := domain.RemoteEntityMapping{
			RelayID:          relay.ID,
			EntityID:         entity.ID,
			RemoteEntityName: peerDecl.RemoteEntityName,
		}
		if peerDecl.EntityMap != nil {
			entityMapping.SQL = peerDecl.EntityMap.SQL
			entityMapping.SubstitutionBlocks = peerDecl.EntityMap.SubstitutionBlocks
			entityMapping.NeedsSubqueryTransformation = true
		} else {
			entityMapping.SubstitutionBlocks = domain.SubstitutionBlocks{
				InfoSubstitutions:   map[string]domain.InfoSubstitution{},
				SourceSubstitutions: map[string]domain.SourceSubstitution{},
				NumCaptureBraces:    1,
			}
		}

		stored, err := catalog.UpsertRemoteEntityMapping(ctx, &entityMapping)
		if err != nil {
			return err
		}

		for _, infoDecl := range peerDecl.RelayMappings {
			info, err := catalog.GetInformation(ctx, entity.ID, infoDecl.LocalInfo)
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("no information named %s on entity %s", infoDecl.LocalInfo, decl.EntityName)
			}

			transform := infoDecl.Transformation
			if transform.ReplaceFrom == "" {
				transform = domain.IdentityTransformation()
			}
			err = catalog.UpsertRemoteInfoMapping(ctx, &domain.RemoteInfoMapping{
				RemoteEntityMappingID: stored.ID,
				InformationID:         info.ID,
				InfoMappedName:        infoDecl.InfoMappedName,
				LiteralDerivedField:   infoDecl.LiteralDerivedField,
				Transformation:        transform,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func applyUser(ctx context.Context, catalog *postgres.Catalog, decl *UserDeclaration) error {
	id, err := pki.ParsePEM([]byte(decl.X509CertPEM))
	if err != nil {
		return relayerr.Wrap(relayerr.SerDe, "user certificate", err)
	}

	user, err := catalog.UpsertUserByFingerprint(ctx, &domain.User{
		X509Sha256:  id.Fingerprint,
		X509Subject: id.SubjectDN,
		X509Issuer:  id.IssuerDN,
		Attributes:  domain.UserAttributes{IsAdmin: decl.IsAdmin, Misc: decl.Attributes},
	})
	if err != nil {
		return err
	}
	// Upsert preserves prior attributes; an explicit declaration overrides.
	err = catalog.SetUserAttributes(ctx, id.Fingerprint,
		domain.UserAttributes{IsAdmin: decl.IsAdmin, Misc: decl.Attributes})
	if err != nil {
		return err
	}

	for _, grant := range decl.Permissions {
		source, err := resolveSource(ctx, catalog, grant.DataConnectionName, grant.DataSourceName)
		if err != nil {
			return err
		}
		if err := catalog.UpsertUserSourcePermission(ctx, source.ID, user.ID, grant.Permission.permission()); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefaultAdmin reads an admin certificate PEM and upserts that user
// with admin attributes. Invoked at startup when DEFAULT_RELAY_ADMIN is set.
func RegisterDefaultAdmin(ctx context.Context, catalog *postgres.Catalog, certPath string) error {
	id, err := pki.FingerprintFromFile(certPath)
	if err != nil {
		return err
	}
	_, err = catalog.UpsertUserByFingerprint(ctx, &domain.User{
		ID:          uuid.New(),
		X509Sha256:  id.Fingerprint,
		X509Subject: id.SubjectDN,
		X509Issuer:  id.IssuerDN,
		Attributes:  domain.UserAttributes{IsAdmin: true},
	})
	if err != nil {
		return err
	}
	return catalog.SetUserAttributes(ctx, id.Fingerprint, domain.UserAttributes{IsAdmin: true})
}
