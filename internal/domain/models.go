// Package domain defines the mesh metadata and query state types shared across
// the relay. These types represent the logical data model — not HTTP, SQL, or
// wire specifics. They carry json tags because they are serialized directly in
// API payloads and forwarded relay-to-relay requests.
package domain

import (
	"github.com/google/uuid"
)

// Entity is a named logical namespace of Information items, scoped to a single
// relay. Two relays may use the same Entity name; the mesh treats them as
// distinct namespaces tied together only by explicit remote mappings.
type Entity struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Information is a logical column within an Entity. The Arrow type system is
// reused as the logical type lattice; ArrowDtype holds the type name as
// declared in admin config (e.g. "Utf8", "UInt8", "Float64").
type Information struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	ArrowDtype string    `json:"arrow_dtype"`
	EntityID   uuid.UUID `json:"entity_id"`
}

// DataConnection is a named connection to a backing store: a directory of
// files, an Arrow FlightSQL endpoint, or a Trino cluster.
type DataConnection struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	ConnectionOptions ConnectionOptions `json:"connection_options"`
}

// DataSource is a named queryable artifact inside a DataConnection. SourceSQL
// is an arbitrary read-only SQL fragment which is substituted in place of the
// Entity's table reference when rewriting a query for this source.
type DataSource struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	SourceSQL        string        `json:"source_sql"`
	DataConnectionID uuid.UUID     `json:"data_connection_id"`
	SourceOptions    SourceOptions `json:"source_options"`
}

// DataField is a column-like leaf inside a DataSource. Path is the literal
// identifier used in generated SQL, JSON-path style when nested.
type DataField struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	DataSourceID uuid.UUID `json:"data_source_id"`
	Path         string    `json:"path"`
}

// Mapping ties one Information to one DataField on one local DataSource and
// describes how the field converts to the Information via a Transformation.
type Mapping struct {
	InformationID  uuid.UUID      `json:"information_id"`
	DataFieldID    uuid.UUID      `json:"data_field_id"`
	Transformation Transformation `json:"transformation"`
}

// RemoteEntityMapping describes how a local Entity translates to an Entity on
// a peer relay. When NeedsSubqueryTransformation is set, SQL is a nested query
// template (with its own SubstitutionBlocks) spliced into outgoing requests;
// otherwise RemoteEntityName is used as a bare remote identifier.
type RemoteEntityMapping struct {
	ID                          uuid.UUID          `json:"id"`
	SQL                         string             `json:"sql"`
	SubstitutionBlocks          SubstitutionBlocks `json:"substitution_blocks"`
	RelayID                     uuid.UUID          `json:"relay_id"`
	EntityID                    uuid.UUID          `json:"entity_id"`
	RemoteEntityName            string             `json:"remote_entity_name"`
	NeedsSubqueryTransformation bool               `json:"needs_subquery_transformation"`
}

// RemoteInfoMapping ties a local Information to a name in the peer Entity's
// namespace. LiteralDerivedField marks names the peer will not recognize
// (introduced by a derived entity mapping); those are substituted inline
// before forwarding.
type RemoteInfoMapping struct {
	RemoteEntityMappingID uuid.UUID      `json:"remote_entity_mapping_id"`
	InformationID         uuid.UUID      `json:"information_id"`
	InfoMappedName        string         `json:"info_mapped_name"`
	LiteralDerivedField   bool           `json:"literal_derived_field"`
	Transformation        Transformation `json:"transformation"`
}

// Relay identifies a federation node. All REST and flight connections are
// secured via mTLS; a peer is identified by the SHA-256 of its DER encoded
// x509 certificate.
type Relay struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	RestEndpoint   string    `json:"rest_endpoint"`
	FlightEndpoint string    `json:"flight_endpoint"`
	X509Sha256     string    `json:"x509_sha256"`
	X509Subject    string    `json:"x509_subject"`
	X509Issuer     string    `json:"x509_issuer"`
}

// User is any principal requesting data from the mesh, keyed by certificate
// fingerprint. Users need not be registered in advance unless they require
// permissions beyond the defaults.
type User struct {
	ID          uuid.UUID      `json:"id"`
	X509Sha256  string         `json:"x509_sha256"`
	X509Subject string         `json:"x509_subject"`
	X509Issuer  string         `json:"x509_issuer"`
	Attributes  UserAttributes `json:"attributes"`
}

// UserAttributes stores arbitrary user attributes used for access control
// decisions.
type UserAttributes struct {
	IsAdmin bool              `json:"is_admin"`
	Misc    map[string]string `json:"misc,omitempty"`
}
