// Package engine orchestrates one incoming query request end to end:
// origination verification, template validation, logical planning, local task
// creation with access control, and remote request fan-out. It is shared by
// the HTTP and Arrow-wire surfaces.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/messaging"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/plan"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/rewrite"
	"github.com/relaymesh/relay/internal/sqltemplate"
)

// Requester is the principal a request was directly received from: a User or
// a peer Relay, never both. The direct requester may differ from the
// originating relay many hops upstream.
type Requester struct {
	User  *domain.User
	Relay *domain.Relay
}

// IsRelay reports whether the direct requester is a peer relay.
func (r Requester) IsRelay() bool { return r.Relay != nil }

// Engine wires the catalog and work queue into the request pipeline.
type Engine struct {
	Catalog *postgres.Catalog
	Queue   *messaging.Queue
	// LocalFingerprint is the SHA-256 of this relay's own client cert; the
	// relay must be registered in its own catalog under it.
	LocalFingerprint string
}

// Origination is the resolved identity context of one request.
type Origination struct {
	DirectRequester  Requester
	RequestingUser   *domain.User
	OriginatingRelay *domain.Relay
}

// VerifyOrigination inspects a request plus the authenticated client identity
// to establish who asked and which relay first received the request. Either
// all four forwarding fields are set (peer forwarding) or none are (direct
// user); any other combination is invalid.
func (e *Engine) VerifyOrigination(ctx context.Context, raw *domain.RawQueryRequest, id pki.Identity) (*Origination, error) {
	allSet := raw.OriginatingRelay != nil && raw.RequestingUser != nil &&
		raw.RequestUUID != nil && raw.OriginatingTaskID != nil
	noneSet := raw.OriginatingRelay == nil && raw.RequestingUser == nil &&
		raw.RequestUUID == nil && raw.OriginatingTaskID == nil

	switch {
	case allSet:
		// A forwarded request must come from a registered peer relay.
		relay, err := e.Catalog.GetRelayByFingerprint(ctx, id.Fingerprint)
		if err != nil {
			return nil, err
		}
		if relay == nil {
			return nil, relayerr.Newf(relayerr.DbError,
				"Rejecting query request from unrecognized relay with fingerprint %s and dn: %s",
				id.Fingerprint, id.SubjectDN)
		}
		return &Origination{
			DirectRequester:  Requester{Relay: relay},
			RequestingUser:   raw.RequestingUser,
			OriginatingRelay: raw.OriginatingRelay,
		}, nil

	case noneSet:
		// Direct user request: the local relay is the originator and unknown
		// users are auto-registered with default attributes.
		user, err := e.Catalog.UpsertUserByFingerprint(ctx, &domain.User{
			X509Sha256:  id.Fingerprint,
			X509Subject: id.SubjectDN,
			X509Issuer:  id.IssuerDN,
			Attributes:  domain.UserAttributes{},
		})
		if err != nil {
			return nil, err
		}
		local, err := e.Catalog.GetRelayByFingerprint(ctx, e.LocalFingerprint)
		if err != nil {
			return nil, err
		}
		if local == nil {
			return nil, relayerr.New(relayerr.DbError, "local relay is not registered in the catalog")
		}
		return &Origination{
			DirectRequester:  Requester{User: user},
			RequestingUser:   user,
			OriginatingRelay: local,
		}, nil

	default:
		return nil, relayerr.New(relayerr.InvalidQuery,
			"invalid query request: either all of requesting_user, originating_relay, "+
				"originating_task_id, and request_uuid should be set or none!")
	}
}

// EvaluatePermissions resolves the effective SourcePermission for one source
// and requester: the stored default, widened by the explicit user grant, the
// explicit relay grant, or — when a user arrives via a peer relay — the
// intersection of both.
func (e *Engine) EvaluatePermissions(
	ctx context.Context,
	requester Requester,
	requestingUser *domain.User,
	source *domain.DataSource,
) (domain.SourcePermission, error) {
	defaultPerm, err := e.Catalog.GetDefaultSourcePermission(ctx, source.ID)
	if err != nil {
		return domain.SourcePermission{}, err
	}

	var userPerm *domain.UserSourcePermission
	var relayPerm *domain.RelaySourcePermission

	if requester.IsRelay() {
		userPerm, err = e.Catalog.GetUserSourcePermission(ctx, requestingUser.X509Sha256, source.ID)
		if err != nil {
			return domain.SourcePermission{}, err
		}
		relayPerm, err = e.Catalog.GetRelaySourcePermission(ctx, requester.Relay.ID, source.ID)
		if err != nil {
			return domain.SourcePermission{}, err
		}
	} else {
		userPerm, err = e.Catalog.GetUserSourcePermission(ctx, requester.User.X509Sha256, source.ID)
		if err != nil {
			return domain.SourcePermission{}, err
		}
	}

	var user, relay *domain.SourcePermission
	if userPerm != nil {
		user = &userPerm.SourcePermission
	}
	if relayPerm != nil {
		relay = &relayPerm.SourcePermission
	}
	return CombinePermissions(defaultPerm.SourcePermission, user, relay), nil
}

// CombinePermissions applies the evaluation rule default ∪ (user ∩ relay):
// admins grant baselines via the default, and when two principals are
// present the narrower authority of their intersection is added.
func CombinePermissions(def domain.SourcePermission, user, relay *domain.SourcePermission) domain.SourcePermission {
	switch {
	case user != nil && relay != nil:
		return def.Union(user.Intersection(*relay))
	case relay != nil:
		return def.Union(*relay)
	case user != nil:
		return def.Union(*user)
	default:
		return def
	}
}

// ProcessResult is the outcome of one processed request.
type ProcessResult struct {
	Request *domain.QueryRequest
	// Deduped is set when the request was already known: no new tasks were
	// created and none should be dispatched.
	Deduped     bool
	Tasks       []domain.QueryTask
	RemoteTasks []domain.QueryTaskRemote
}

// ProcessRequest runs the full pipeline for one request. Dedup is never an
// error to the caller: a duplicate returns the prior request id with no side
// effects.
func (e *Engine) ProcessRequest(ctx context.Context, raw *domain.RawQueryRequest, origin *Origination) (*ProcessResult, error) {
	// Fast path: a known request uuid is acknowledged without re-validation.
	// The catalog's unique index remains the authoritative check below.
	if raw.RequestUUID != nil {
		existing, err := e.Catalog.CheckRequestAlreadyReceived(ctx, *raw.RequestUUID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			slog.Info("request already processed, acknowledging with no further action",
				"request_uuid", raw.RequestUUID)
			return &ProcessResult{Request: existing, Deduped: true}, nil
		}
	}

	// An unset scope means the default: substitutions only acquire distinct
	// scopes through derived entity-mapping injection.
	for key, sub := range raw.SubstitutionBlocks.InfoSubstitutions {
		if sub.Scope == "" {
			sub.Scope = domain.DefaultScope
			raw.SubstitutionBlocks.InfoSubstitutions[key] = sub
		}
	}

	if err := sqltemplate.Validate(raw); err != nil {
		return nil, err
	}

	entityName, sourceIDs, err := e.resolveEntity(ctx, raw)
	if err != nil {
		return nil, err
	}

	planCtx, err := e.planningContext(ctx, entityName)
	if err != nil {
		return nil, err
	}
	normalizedSQL, err := plan.NormalizeToSQL(rewrite.RenderPlanningSQL(raw, entityName), *planCtx)
	if err != nil {
		return nil, err
	}

	request, deduped, err := e.createQueryRequest(ctx, raw, origin)
	if err != nil {
		return nil, err
	}
	if deduped {
		return &ProcessResult{Request: request, Deduped: true}, nil
	}

	tasks, err := e.createLocalTasks(ctx, raw, origin, request, entityName, normalizedSQL, sourceIDs)
	if err != nil {
		return nil, err
	}

	remoteTasks, err := e.createRemoteTasks(ctx, raw, origin, request, entityName, sourceIDs)
	if err != nil {
		return nil, err
	}

	return &ProcessResult{Request: request, Tasks: tasks, RemoteTasks: remoteTasks}, nil
}

// Dispatch hands the created tasks to the work queue (asynchronous path).
func (e *Engine) Dispatch(ctx context.Context, result *ProcessResult) error {
	if result.Deduped || e.Queue == nil {
		return nil
	}
	for _, task := range result.Tasks {
		if err := e.Queue.Publish(ctx, messaging.TaskMessage{Kind: messaging.KindLocalTask, ID: task.ID}); err != nil {
			return err
		}
	}
	for _, remote := range result.RemoteTasks {
		if err := e.Queue.Publish(ctx, messaging.TaskMessage{Kind: messaging.KindRemoteTask, ID: remote.ID}); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntity determines the single entity a request targets. An explicit
// SourceList resolves through the catalog; AllSourcesWith names the entity
// directly. Exactly one distinct entity is allowed per request.
func (e *Engine) resolveEntity(ctx context.Context, raw *domain.RawQueryRequest) (string, []uuid.UUID, error) {
	var names []string
	var sourceIDs []uuid.UUID

	for _, sub := range raw.SubstitutionBlocks.SourceSubstitutions {
		if len(sub.SourceList) > 0 {
			sourceIDs = sub.SourceList
			groups, err := e.Catalog.MappingsBySourceIDs(ctx, sub.SourceList)
			if err != nil {
				return "", nil, err
			}
			for _, group := range groups {
				for _, m := range group.Mappings {
					names = appendUnique(names, m.Entity.Name)
				}
			}
		} else {
			for _, name := range sub.AllSourcesWith {
				names = appendUnique(names, name)
			}
		}
	}

	if len(names) != 1 {
		return "", nil, relayerr.New(relayerr.InvalidQuery, "There must be exactly one entity per query.")
	}
	return names[0], sourceIDs, nil
}

func appendUnique(names []string, name string) []string {
	for _, existing := range names {
		if existing == name {
			return names
		}
	}
	return append(names, name)
}

// planningContext loads the entity's Information schema.
func (e *Engine) planningContext(ctx context.Context, entityName string) (*plan.EntityContext, error) {
	entity, err := e.Catalog.GetEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, relayerr.Newf(relayerr.InvalidQuery, "no entity named %s", entityName)
	}
	infos, err := e.Catalog.GetInformationForEntity(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	planCtx := plan.NewEntityContext(entityName, infos)
	return &planCtx, nil
}

// createQueryRequest persists the request, filling origination info per the
// requester kind. The second return is true when the unique index reported
// the request as already received.
func (e *Engine) createQueryRequest(ctx context.Context, raw *domain.RawQueryRequest, origin *Origination) (*domain.QueryRequest, bool, error) {
	localID := uuid.New()

	var originatorRequestID uuid.UUID
	var relayID uuid.UUID
	var originInfo domain.QueryOriginationInfo

	if origin.DirectRequester.IsRelay() {
		if raw.RequestUUID == nil {
			return nil, false, relayerr.New(relayerr.InvalidQuery,
				"request_uuid must be set by peer relays when forwarding a request, but found none!")
		}
		originatorRequestID = *raw.RequestUUID
		relayID = origin.DirectRequester.Relay.ID
		originInfo = domain.QueryOriginationInfo{
			OriginUser:   origin.RequestingUser,
			OriginRelay:  origin.OriginatingRelay,
			OriginTaskID: raw.OriginatingTaskID,
		}
	} else {
		// We are the origin: the local id doubles as the originator id.
		originatorRequestID = localID
		relayID = origin.OriginatingRelay.ID
		originInfo = domain.QueryOriginationInfo{OriginUser: origin.RequestingUser}
	}

	request, err := e.Catalog.CreateQueryRequest(ctx, localID, relayID, originatorRequestID,
		raw.SQL, raw.SubstitutionBlocks, originInfo)
	if err != nil {
		var dup *postgres.DuplicateQueryRequestError
		if errors.As(err, &dup) {
			slog.Info("request already processed, acknowledging with no further action",
				"originator_request_id", dup.Existing.OriginatorRequestID)
			existing := dup.Existing
			return &existing, true, nil
		}
		return nil, false, err
	}
	return request, false, nil
}

// createLocalTasks rewrites the normalized statement for every matching local
// source and records one Queued task per source.
func (e *Engine) createLocalTasks(
	ctx context.Context,
	raw *domain.RawQueryRequest,
	origin *Origination,
	request *domain.QueryRequest,
	entityName string,
	normalizedSQL string,
	sourceIDs []uuid.UUID,
) ([]domain.QueryTask, error) {
	var groups []postgres.SourceMappings
	var err error
	if len(sourceIDs) > 0 {
		groups, err = e.Catalog.MappingsBySourceIDs(ctx, sourceIDs)
	} else {
		groups, err = e.Catalog.MappingsByEntityNames(ctx, []string{entityName})
	}
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.QueryTask, 0, len(groups))
	for _, group := range groups {
		permission, err := e.EvaluatePermissions(ctx, origin.DirectRequester, origin.RequestingUser, &group.Source)
		if err != nil {
			return nil, err
		}

		infoLookup := make(map[string]rewrite.InfoTarget, len(group.Mappings))
		for _, m := range group.Mappings {
			infoLookup[m.Information.Name] = rewrite.InfoTarget{Field: m.DataField, Mapping: m.Mapping}
		}

		engineSQL, err := rewrite.MapLocalSQL(normalizedSQL, entityName, &group.Source, infoLookup, permission)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, domain.QueryTask{
			QueryRequestID: request.ID,
			DataSourceID:   group.Source.ID,
			Task:           domain.Query{SQL: engineSQL, ReturnSchema: raw.ReturnArrowSchema},
			Status:         domain.TaskQueued,
		})
	}

	slog.Debug("creating local tasks", "count", len(tasks), "request_id", request.ID)
	return e.Catalog.CreateQueryTasks(ctx, tasks)
}

// BuildNameMap folds one peer's remote mappings into the per-entity name map,
// rejecting conflicting entity translations and duplicate info names.
func BuildNameMap(relayID uuid.UUID, mappings []postgres.RemoteMapping) (rewrite.NameMap, error) {
	nameMap := make(rewrite.NameMap)
	for i := range mappings {
		m := &mappings[i]
		existing, ok := nameMap[m.Entity.Name]
		if !ok {
			nameMap[m.Entity.Name] = rewrite.EntityNameMap{
				Entity: &m.EntityMapping,
				Infos:  map[string]*domain.RemoteInfoMapping{m.Information.Name: &m.InfoMapping},
			}
			continue
		}
		if existing.Entity.RemoteEntityName != m.EntityMapping.RemoteEntityName {
			return nil, relayerr.Newf(relayerr.InvalidQuery,
				"Found duplicate and conflicting entity mappings! Local name: %s, Remote names: %s and %s",
				m.Entity.Name, existing.Entity.RemoteEntityName, m.EntityMapping.RemoteEntityName)
		}
		if _, dup := existing.Infos[m.Information.Name]; dup {
			return nil, relayerr.Newf(relayerr.InvalidQuery,
				"Found duplicate info name %s for entity %s and relay %s!",
				m.Information.Name, m.Entity.Name, relayID)
		}
		existing.Infos[m.Information.Name] = &m.InfoMapping
	}
	return nameMap, nil
}

// createRemoteTasks rewrites the request per peer relay and records one
// Queued remote task per peer. A freshly allocated task id becomes the
// originating task id when none is set, routing result streams back here.
func (e *Engine) createRemoteTasks(
	ctx context.Context,
	raw *domain.RawQueryRequest,
	origin *Origination,
	request *domain.QueryRequest,
	entityName string,
	sourceIDs []uuid.UUID,
) ([]domain.QueryTaskRemote, error) {
	if len(sourceIDs) > 0 {
		// Explicit source lists are local-only; they are never fanned out.
		return nil, nil
	}

	relayGroups, err := e.Catalog.RemoteMappingsByEntityNames(ctx, []string{entityName})
	if err != nil {
		return nil, err
	}

	remoteTasks := make([]domain.QueryTaskRemote, 0, len(relayGroups))
	for _, group := range relayGroups {
		nameMap, err := BuildNameMap(group.Relay.ID, group.Mappings)
		if err != nil {
			return nil, err
		}

		relay := group.Relay
		remoteRequest, err := rewrite.MapRemoteRequest(raw, &relay, origin.OriginatingRelay,
			origin.RequestingUser, request.OriginatorRequestID, nameMap)
		if err != nil {
			return nil, err
		}

		// Assign the remote task id; if no originating task id is set, this
		// relay is where results must flow back to.
		id := uuid.New()
		if remoteRequest.OriginatingTaskID == nil {
			taskID := id
			remoteRequest.OriginatingTaskID = &taskID
		}

		remoteTasks = append(remoteTasks, domain.QueryTaskRemote{
			ID:             id,
			QueryRequestID: request.ID,
			RelayID:        relay.ID,
			Task:           *remoteRequest,
			Status:         domain.RemoteTaskQueued,
		})
	}

	slog.Debug("creating remote tasks", "count", len(remoteTasks), "request_id", request.ID)
	return e.Catalog.CreateRemoteQueryTasks(ctx, remoteTasks)
}
