// Package admin applies declarative configuration to the catalog. Admins
// maintain declarations of entities, local data, mappings, peer relays, and
// users; the relay translates them into relational catalog state.
package admin

import (
	"fmt"

	"github.com/relaymesh/relay/internal/domain"
)

// ConfigCommand is the body of POST /admin/apply: a union with exactly one
// declaration set. The same shapes unmarshal from YAML for file-driven apply.
type ConfigCommand struct {
	Entity        *EntityDeclaration         `json:"entity,omitempty" yaml:"entity,omitempty"`
	LocalData     *DataConnectionDeclaration `json:"local_data,omitempty" yaml:"local_data,omitempty"`
	LocalMapping  *LocalMappingDeclaration   `json:"local_mapping,omitempty" yaml:"local_mapping,omitempty"`
	PeerRelay     *PeerRelayDeclaration      `json:"peer_relay,omitempty" yaml:"peer_relay,omitempty"`
	RemoteMapping *RemoteMappingDeclaration  `json:"remote_mapping,omitempty" yaml:"remote_mapping,omitempty"`
	User          *UserDeclaration           `json:"user,omitempty" yaml:"user,omitempty"`
}

// Validate checks that exactly one declaration is present.
func (c ConfigCommand) Validate() error {
	n := 0
	for _, set := range []bool{
		c.Entity != nil, c.LocalData != nil, c.LocalMapping != nil,
		c.PeerRelay != nil, c.RemoteMapping != nil, c.User != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("config command must contain exactly one declaration, found %d", n)
	}
	return nil
}

// InformationDeclaration declares one logical column of an entity.
type InformationDeclaration struct {
	Name       string `json:"name" yaml:"name"`
	ArrowDtype string `json:"arrow_dtype" yaml:"arrow_dtype"`
}

// EntityDeclaration declares an entity and its information schema.
type EntityDeclaration struct {
	Name        string                   `json:"name" yaml:"name"`
	Information []InformationDeclaration `json:"information" yaml:"information"`
}

// PermissionDeclaration is the declarative form of a SourcePermission.
type PermissionDeclaration struct {
	AllowedColumns []string `json:"allowed_columns" yaml:"allowed_columns"`
	AllowedRows    string   `json:"allowed_rows" yaml:"allowed_rows"`
}

// permission converts the declaration, defaulting the row filter to deny-all.
func (p PermissionDeclaration) permission() domain.SourcePermission {
	rows := p.AllowedRows
	if rows == "" {
		rows = "false"
	}
	return domain.SourcePermission{
		Columns: domain.NewColumnPermission(p.AllowedColumns...),
		Rows:    domain.RowPermission{AllowedRows: rows},
	}
}

// DataFieldDeclaration declares one leaf column of a data source.
type DataFieldDeclaration struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// DataSourceDeclaration declares one queryable artifact of a connection.
// DefaultPermission falls back to deny-all when omitted.
type DataSourceDeclaration struct {
	Name              string                 `json:"name" yaml:"name"`
	SourceSQL         string                 `json:"source_sql" yaml:"source_sql"`
	SourceOptions     domain.SourceOptions   `json:"source_options" yaml:"source_options"`
	Fields            []DataFieldDeclaration `json:"fields" yaml:"fields"`
	DefaultPermission *PermissionDeclaration `json:"default_permission,omitempty" yaml:"default_permission,omitempty"`
}

// DataConnectionDeclaration declares a connection and its sources.
type DataConnectionDeclaration struct {
	Name              string                   `json:"name" yaml:"name"`
	ConnectionOptions domain.ConnectionOptions `json:"connection_options" yaml:"connection_options"`
	DataSources       []DataSourceDeclaration  `json:"data_sources" yaml:"data_sources"`
}

// FieldMappingDeclaration ties one information to one field.
type FieldMappingDeclaration struct {
	Info           string                `json:"info" yaml:"info"`
	Field          string                `json:"field" yaml:"field"`
	Transformation domain.Transformation `json:"transformation" yaml:"transformation"`
}

// SourceMappingDeclaration declares the mappings of one source.
type SourceMappingDeclaration struct {
	DataConnectionName string                    `json:"data_con_name" yaml:"data_con_name"`
	DataSourceName     string                    `json:"data_source_name" yaml:"data_source_name"`
	FieldMappings      []FieldMappingDeclaration `json:"field_mappings" yaml:"field_mappings"`
}

// LocalMappingDeclaration declares how an entity maps onto local sources.
type LocalMappingDeclaration struct {
	EntityName string                     `json:"entity_name" yaml:"entity_name"`
	Mappings   []SourceMappingDeclaration `json:"mappings" yaml:"mappings"`
}

// SourceGrantDeclaration grants a principal access on one source.
type SourceGrantDeclaration struct {
	DataConnectionName string                `json:"data_con_name" yaml:"data_con_name"`
	DataSourceName     string                `json:"data_source_name" yaml:"data_source_name"`
	Permission         PermissionDeclaration `json:"permission" yaml:"permission"`
}

// PeerRelayDeclaration registers a peer relay by its certificate PEM and
// optionally grants it source permissions.
type PeerRelayDeclaration struct {
	Name           string                   `json:"name" yaml:"name"`
	RestEndpoint   string                   `json:"rest_endpoint" yaml:"rest_endpoint"`
	FlightEndpoint string                   `json:"flight_endpoint" yaml:"flight_endpoint"`
	X509CertPEM    string                   `json:"x509_cert_pem" yaml:"x509_cert_pem"`
	Permissions    []SourceGrantDeclaration `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// RemoteInfoMappingDeclaration maps one local info into the peer namespace.
type RemoteInfoMappingDeclaration struct {
	LocalInfo           string                `json:"local_info" yaml:"local_info"`
	InfoMappedName      string                `json:"info_mapped_name" yaml:"info_mapped_name"`
	LiteralDerivedField bool                  `json:"literal_derived_field" yaml:"literal_derived_field"`
	Transformation      domain.Transformation `json:"transformation" yaml:"transformation"`
}

// EntityMapDeclaration is the optional derived entity template.
type EntityMapDeclaration struct {
	SQL                string                    `json:"sql" yaml:"sql"`
	SubstitutionBlocks domain.SubstitutionBlocks `json:"substitution_blocks" yaml:"substitution_blocks"`
}

// PeerRelayMappingDeclaration declares one peer's view of a local entity.
type PeerRelayMappingDeclaration struct {
	RelayName        string                         `json:"relay_name" yaml:"relay_name"`
	RemoteEntityName string                         `json:"remote_entity_name" yaml:"remote_entity_name"`
	EntityMap        *EntityMapDeclaration          `json:"entity_map,omitempty" yaml:"entity_map,omitempty"`
	RelayMappings    []RemoteInfoMappingDeclaration `json:"relay_mappings" yaml:"relay_mappings"`
}

// RemoteMappingDeclaration declares the remote mappings of one entity.
type RemoteMappingDeclaration struct {
	EntityName string                        `json:"entity_name" yaml:"entity_name"`
	Mappings   []PeerRelayMappingDeclaration `json:"mappings" yaml:"mappings"`
}

// UserDeclaration registers a user by certificate PEM, sets attributes, and
// optionally grants source permissions.
type UserDeclaration struct {
	X509CertPEM string                   `json:"x509_cert_pem" yaml:"x509_cert_pem"`
	IsAdmin     bool                     `json:"is_admin" yaml:"is_admin"`
	Attributes  map[string]string        `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Permissions []SourceGrantDeclaration `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}
