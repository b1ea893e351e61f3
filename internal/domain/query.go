package domain

import (
	"github.com/google/uuid"
)

// FieldDef is one column of a declared return schema. Type uses the same
// Arrow type names as Information.ArrowDtype.
type FieldDef struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
}

// SchemaDef is a JSON-serializable Arrow schema declaration.
type SchemaDef struct {
	Fields []FieldDef `json:"fields" yaml:"fields"`
}

// Query is a fully resolved statement ready to run on a query engine, plus an
// optional schema the runner should cast results to. When ReturnSchema is nil
// the schema is inferred from the data returned by the source.
type Query struct {
	SQL          string     `json:"sql" yaml:"sql"`
	ReturnSchema *SchemaDef `json:"return_schema,omitempty" yaml:"return_schema,omitempty"`
}

// SourceSubstitution is a tagged union selecting which local data the
// placeholder resolves to: all sources mapped to the named entities, or an
// explicit source id list. Exactly one field is non-nil.
type SourceSubstitution struct {
	AllSourcesWith []string    `json:"all_sources_with,omitempty" yaml:"all_sources_with,omitempty"`
	SourceList     []uuid.UUID `json:"source_list,omitempty" yaml:"source_list,omitempty"`
}

// InfoSubstitution names an Information to substitute at a template
// placeholder. The rendering flags control how the substituted expression is
// emitted: the transformed info expression is always emitted, and it carries
// a trailing AS alias only when IncludeInfo is set and ExcludeInfoAlias is
// not. IncludeDataField marks a placeholder in a non-projection clause, where
// the same transformed expression is emitted bare.
type InfoSubstitution struct {
	EntityName       string `json:"entity_name" yaml:"entity_name"`
	InfoName         string `json:"info_name" yaml:"info_name"`
	Scope            string `json:"scope" yaml:"scope"`
	IncludeInfo      bool   `json:"include_info" yaml:"include_info"`
	ExcludeInfoAlias bool   `json:"exclude_info_alias" yaml:"exclude_info_alias"`
	IncludeDataField bool   `json:"include_data_field" yaml:"include_data_field"`
}

// DefaultScope is the scope key for all info substitutions on a request that
// has not passed through any derived entity-mapping injection.
const DefaultScope = "origin"

// SubstitutionBlocks are the named holes in a SQL template. Keys across the
// two maps must be disjoint. A key k is written in SQL surrounded by
// NumCaptureBraces braces on each side, e.g. {{k}} for 2.
type SubstitutionBlocks struct {
	InfoSubstitutions   map[string]InfoSubstitution   `json:"info_substitutions" yaml:"info_substitutions"`
	SourceSubstitutions map[string]SourceSubstitution `json:"source_substitutions" yaml:"source_substitutions"`
	NumCaptureBraces    int                           `json:"num_capture_braces" yaml:"num_capture_braces"`
}

// OriginatorInfoMapping records the originator-side name of one info plus the
// transformation that converts the current relay's values back to originator
// values.
type OriginatorInfoMapping struct {
	OriginatorInfoName string         `json:"originator_info_name" yaml:"originator_info_name"`
	Transformation     Transformation `json:"transformation" yaml:"transformation"`
}

// OriginatorEntityMapping maps one entity (keyed by the receiving relay's
// name for it) back to the originator's entity and info names.
type OriginatorEntityMapping struct {
	OriginatorEntityName string                           `json:"originator_entity_name" yaml:"originator_entity_name"`
	OriginatorInfoMap    map[string]OriginatorInfoMapping `json:"originator_info_map" yaml:"originator_info_map"`
}

// OriginatorMappings is keyed by the receiving relay's entity name.
type OriginatorMappings struct {
	Inner map[string]OriginatorEntityMapping `json:"inner" yaml:"inner"`
}

// ScopedOriginatorMappings groups OriginatorMappings by substitution scope so
// that derived entity-mapping injections keep their own naming namespaces
// across hops.
type ScopedOriginatorMappings struct {
	Inner map[string]OriginatorMappings `json:"inner" yaml:"inner"`
}

// RawQueryRequest is the unresolved query request received either directly
// from a User or indirectly via a peer Relay. Each relay resolves it into
// engine-ready Query objects for its own sources and re-writes it for peers.
type RawQueryRequest struct {
	SQL                string             `json:"sql" yaml:"sql"`
	SubstitutionBlocks SubstitutionBlocks `json:"substitution_blocks" yaml:"substitution_blocks"`
	// RequestUUID is the globally unique id of the request, assigned by the
	// originating relay. Encountering the same id twice means the request is
	// already in progress and must be acknowledged without re-execution.
	RequestUUID *uuid.UUID `json:"request_uuid,omitempty" yaml:"request_uuid,omitempty"`
	// RequestingUser is the user that submitted the original request to the
	// originating relay.
	RequestingUser *User `json:"requesting_user,omitempty" yaml:"requesting_user,omitempty"`
	// OriginatingRelay is the relay that first received the request, which
	// may not be directly connected to the local relay.
	OriginatingRelay *Relay `json:"originating_relay,omitempty" yaml:"originating_relay,omitempty"`
	// OriginatingTaskID is the id of the QueryTaskRemote on the originating
	// relay that ultimately triggered this request.
	OriginatingTaskID *uuid.UUID `json:"originating_task_id,omitempty" yaml:"originating_task_id,omitempty"`
	// OriginatorMappings recovers originator-side naming and transformations
	// after any number of hops.
	OriginatorMappings *ScopedOriginatorMappings `json:"originator_mappings,omitempty" yaml:"originator_mappings,omitempty"`
	// ReturnArrowSchema, when set, makes every relay cast returned batches to
	// the declared schema.
	ReturnArrowSchema *SchemaDef `json:"return_arrow_schema,omitempty" yaml:"return_arrow_schema,omitempty"`
}

// QueryOriginationInfo records where a QueryRequest came from. Nil relay and
// task id mean the local relay is the originator.
type QueryOriginationInfo struct {
	OriginUser   *User      `json:"origin_user,omitempty" yaml:"origin_user,omitempty"`
	OriginRelay  *Relay     `json:"origin_relay,omitempty" yaml:"origin_relay,omitempty"`
	OriginTaskID *uuid.UUID `json:"origin_task_id,omitempty" yaml:"origin_task_id,omitempty"`
}

// QueryRequest is the persisted form of a received RawQueryRequest. For any
// relay, OriginatorRequestID is unique: it is the dedup key guaranteeing
// at-most-once execution per relay across cyclic topologies.
type QueryRequest struct {
	ID                  uuid.UUID            `json:"id" yaml:"id"`
	OriginatorRequestID uuid.UUID            `json:"originator_request_id" yaml:"originator_request_id"`
	SQL                 string               `json:"sql" yaml:"sql"`
	SubstitutionBlocks  SubstitutionBlocks   `json:"substitution_blocks" yaml:"substitution_blocks"`
	RelayID             uuid.UUID            `json:"relay_id" yaml:"relay_id"`
	OriginInfo          QueryOriginationInfo `json:"origin_info" yaml:"origin_info"`
}

// QueryTaskStatus is the lifecycle of a local QueryTask.
type QueryTaskStatus string

const (
	TaskQueued     QueryTaskStatus = "queued"
	TaskInProgress QueryTaskStatus = "in_progress"
	TaskComplete   QueryTaskStatus = "complete"
	TaskFailed     QueryTaskStatus = "failed"
)

// QueryTask is the local slice of a QueryRequest for one DataSource.
type QueryTask struct {
	ID             uuid.UUID       `json:"id" yaml:"id"`
	QueryRequestID uuid.UUID       `json:"query_request_id" yaml:"query_request_id"`
	DataSourceID   uuid.UUID       `json:"data_source_id" yaml:"data_source_id"`
	Task           Query           `json:"task" yaml:"task"`
	Status         QueryTaskStatus `json:"status" yaml:"status"`
}

// QueryTaskRemoteStatus is the lifecycle of an outbound QueryTaskRemote.
type QueryTaskRemoteStatus string

const (
	RemoteTaskQueued    QueryTaskRemoteStatus = "queued"
	RemoteTaskSubmitted QueryTaskRemoteStatus = "submitted"
	RemoteTaskComplete  QueryTaskRemoteStatus = "complete"
	RemoteTaskFailed    QueryTaskRemoteStatus = "failed"
)

// QueryTaskRemote is the outbound slice of a QueryRequest toward one peer
// relay, carrying the fully rewritten request payload.
type QueryTaskRemote struct {
	ID             uuid.UUID             `json:"id" yaml:"id"`
	QueryRequestID uuid.UUID             `json:"query_request_id" yaml:"query_request_id"`
	RelayID        uuid.UUID             `json:"relay_id" yaml:"relay_id"`
	Task           RawQueryRequest       `json:"task" yaml:"task"`
	Status         QueryTaskRemoteStatus `json:"status" yaml:"status"`
}

// FlightStreamStatus is the lifecycle of an inbound result push.
type FlightStreamStatus string

const (
	FlightInvalid  FlightStreamStatus = "invalid"
	FlightStarted  FlightStreamStatus = "started"
	FlightFailed   FlightStreamStatus = "failed"
	FlightComplete FlightStreamStatus = "complete"
)

// FlightStream records one inbound do_put from a peer against a prior
// QueryTaskRemote. An arbitrary number of streams may arrive per remote task,
// one per query executed anywhere downstream in the mesh.
type FlightStream struct {
	ID                uuid.UUID          `json:"id" yaml:"id"`
	QueryTaskRemoteID uuid.UUID          `json:"query_task_remote_id" yaml:"query_task_remote_id"`
	RemoteFingerprint string             `json:"remote_fingerprint" yaml:"remote_fingerprint"`
	FlightID          uuid.UUID          `json:"flight_id" yaml:"flight_id"`
	Status            FlightStreamStatus `json:"status" yaml:"status"`
}
