package rewrite

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqltemplate"
)

// EntityNameMap translates one local entity toward a peer: the entity
// mapping plus a map of local info name → remote info mapping.
type EntityNameMap struct {
	Entity *domain.RemoteEntityMapping
	Infos  map[string]*domain.RemoteInfoMapping
}

// NameMap translates local entity names toward one peer relay.
type NameMap map[string]EntityNameMap

// missingEntityErr is the shared error for name-map lookups.
func missingEntityErr(entityName string, relay *domain.Relay) error {
	return relayerr.Newf(relayerr.InvalidQuery,
		"Missing remote mapping for local entity %s for relay %s which is required to execute this query!",
		entityName, relay.ID)
}

// MapRemoteRequest rewrites an incoming request into the payload forwarded to
// one peer relay: entity and info names are translated into the peer's
// namespace, derived entity mappings are spliced inline, and the scoped
// originator mappings are re-keyed so the originator's naming survives the
// hop.
func MapRemoteRequest(
	raw *domain.RawQueryRequest,
	relay *domain.Relay,
	originatingRelay *domain.Relay,
	requestingUser *domain.User,
	requestUUID uuid.UUID,
	nameMap NameMap,
) (*domain.RawQueryRequest, error) {
	inBlocks := raw.SubstitutionBlocks
	outBlocks := domain.SubstitutionBlocks{
		InfoSubstitutions:   make(map[string]domain.InfoSubstitution, len(inBlocks.InfoSubstitutions)),
		SourceSubstitutions: make(map[string]domain.SourceSubstitution, len(inBlocks.SourceSubstitutions)),
		NumCaptureBraces:    inBlocks.NumCaptureBraces,
	}

	sql, newScopes, err := mapSourceSubstitutions(raw.SQL, &outBlocks, relay, inBlocks, nameMap)
	if err != nil {
		return nil, err
	}

	sql, err = mapInfoSubstitutions(sql, &outBlocks, relay, inBlocks.InfoSubstitutions, nameMap, raw.OriginatorMappings)
	if err != nil {
		return nil, err
	}

	originatorMappings, err := MapScopedOriginatorMappings(raw.OriginatorMappings, relay, nameMap, outBlocks, newScopes)
	if err != nil {
		return nil, err
	}

	requestID := requestUUID
	return &domain.RawQueryRequest{
		SQL:                sql,
		SubstitutionBlocks: outBlocks,
		RequestUUID:        &requestID,
		RequestingUser:     requestingUser,
		OriginatingRelay:   originatingRelay,
		OriginatingTaskID:  raw.OriginatingTaskID,
		OriginatorMappings: originatorMappings,
		ReturnArrowSchema:  raw.ReturnArrowSchema,
	}, nil
}

// mapSourceSubstitutions translates each source placeholder. Bare entity
// mappings re-key the substitution; derived mappings splice the stored
// template into the SQL and introduce new originator-mapping scopes.
func mapSourceSubstitutions(
	sql string,
	outBlocks *domain.SubstitutionBlocks,
	relay *domain.Relay,
	inBlocks domain.SubstitutionBlocks,
	nameMap NameMap,
) (string, *domain.ScopedOriginatorMappings, error) {
	var newScopes *domain.ScopedOriginatorMappings

	// Deterministic iteration keeps re-keying stable across retries.
	keys := make([]string, 0, len(inBlocks.SourceSubstitutions))
	for key := range inBlocks.SourceSubstitutions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sub := inBlocks.SourceSubstitutions[key]
		if len(sub.SourceList) > 0 {
			return "", nil, relayerr.New(relayerr.NotImplemented,
				"Remote mapping source list is unimplemented!")
		}
		for _, entityName := range sub.AllSourcesWith {
			entityMap, ok := nameMap[entityName]
			if !ok {
				return "", nil, missingEntityErr(entityName, relay)
			}
			if entityMap.Entity.NeedsSubqueryTransformation {
				var scopes *domain.ScopedOriginatorMappings
				var err error
				sql, scopes, err = spliceDerivedEntity(sql, key, entityName, entityMap.Entity, inBlocks, outBlocks)
				if err != nil {
					return "", nil, err
				}
				newScopes = mergeScopes(newScopes, scopes)
			} else {
				outBlocks.SourceSubstitutions[key] = domain.SourceSubstitution{
					AllSourcesWith: []string{entityMap.Entity.RemoteEntityName},
				}
			}
		}
	}
	return sql, newScopes, nil
}

// spliceDerivedEntity replaces the placeholder for key with the entity
// mapping's stored template, parenthesized, with the template's own
// substitution keys re-keyed into a fresh scope to avoid collisions. The new
// scope's originator mappings are synthesized as identity: the splicing relay
// owns this naming.
func spliceDerivedEntity(
	sql string,
	key string,
	localEntityName string,
	entityMap *domain.RemoteEntityMapping,
	inBlocks domain.SubstitutionBlocks,
	outBlocks *domain.SubstitutionBlocks,
) (string, *domain.ScopedOriginatorMappings, error) {
	scope := key + "_" + entityMap.RemoteEntityName

	inner := entityMap.SQL
	innerBlocks := entityMap.SubstitutionBlocks

	scopeMappings := domain.OriginatorMappings{Inner: map[string]domain.OriginatorEntityMapping{}}

	rekey := func(innerKey string) string {
		newKey := scope + "_" + innerKey
		for {
			_, inSources := outBlocks.SourceSubstitutions[newKey]
			_, inInfos := outBlocks.InfoSubstitutions[newKey]
			if !inSources && !inInfos {
				return newKey
			}
			newKey = "_" + newKey
		}
	}

	for innerKey, innerSub := range innerBlocks.SourceSubstitutions {
		newKey := rekey(innerKey)
		inner = replaceKey(inner, innerKey, innerBlocks.NumCaptureBraces,
			sqltemplate.Pattern(newKey, inBlocks.NumCaptureBraces))
		outBlocks.SourceSubstitutions[newKey] = innerSub
	}
	for innerKey, innerSub := range innerBlocks.InfoSubstitutions {
		newKey := rekey(innerKey)
		inner = replaceKey(inner, innerKey, innerBlocks.NumCaptureBraces,
			sqltemplate.Pattern(newKey, inBlocks.NumCaptureBraces))
		innerSub.Scope = scope
		outBlocks.InfoSubstitutions[newKey] = innerSub

		entry, ok := scopeMappings.Inner[innerSub.EntityName]
		if !ok {
			entry = domain.OriginatorEntityMapping{
				OriginatorEntityName: localEntityName,
				OriginatorInfoMap:    map[string]domain.OriginatorInfoMapping{},
			}
		}
		entry.OriginatorInfoMap[innerSub.InfoName] = domain.OriginatorInfoMapping{
			OriginatorInfoName: innerSub.InfoName,
			Transformation:     domain.IdentityTransformation(),
		}
		scopeMappings.Inner[innerSub.EntityName] = entry
	}

	sql = replaceKey(sql, key, inBlocks.NumCaptureBraces, "("+inner+")")

	scoped := &domain.ScopedOriginatorMappings{
		Inner: map[string]domain.OriginatorMappings{scope: scopeMappings},
	}
	return sql, scoped, nil
}

func mergeScopes(a, b *domain.ScopedOriginatorMappings) *domain.ScopedOriginatorMappings {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	for scope, mappings := range b.Inner {
		a.Inner[scope] = mappings
	}
	return a
}

// mapInfoSubstitutions translates each info placeholder. Mapped names are
// re-keyed into the peer's namespace; literal derived fields are substituted
// inline because the peer will not recognize them.
func mapInfoSubstitutions(
	sql string,
	outBlocks *domain.SubstitutionBlocks,
	relay *domain.Relay,
	infoSubs map[string]domain.InfoSubstitution,
	nameMap NameMap,
	originatorMappings *domain.ScopedOriginatorMappings,
) (string, error) {
	keys := make([]string, 0, len(infoSubs))
	for key := range infoSubs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		infoSub := infoSubs[key]
		entityMap, ok := nameMap[infoSub.EntityName]
		if !ok {
			return "", missingEntityErr(infoSub.EntityName, relay)
		}
		remoteInfo, ok := entityMap.Infos[infoSub.InfoName]
		if !ok {
			return "", relayerr.Newf(relayerr.InvalidQuery,
				"Missing remote mapping for local info %s.%s for relay %s which is required to execute this query!",
				infoSub.EntityName, infoSub.InfoName, relay.ID)
		}

		if remoteInfo.LiteralDerivedField {
			// The entity mapping produced a derived field the peer does not
			// recognize: substitute the literal field expression here, before
			// forwarding. Nothing is added to outBlocks.
			derived := domain.DataField{
				ID:   uuid.New(),
				Name: fmt.Sprintf("_derived_%s_", remoteInfo.InfoMappedName),
				Path: remoteInfo.InfoMappedName,
			}
			var err error
			sql, err = substituteTransformedInfo(sql, key, outBlocks.NumCaptureBraces,
				originatorMappings, infoSub, derived)
			if err != nil {
				return "", err
			}
			continue
		}

		mapped := domain.InfoSubstitution{
			EntityName:       entityMap.Entity.RemoteEntityName,
			InfoName:         remoteInfo.InfoMappedName,
			Scope:            infoSub.Scope,
			IncludeInfo:      infoSub.IncludeInfo,
			ExcludeInfoAlias: infoSub.ExcludeInfoAlias,
			IncludeDataField: infoSub.IncludeDataField,
		}
		if _, exists := outBlocks.InfoSubstitutions[key]; exists {
			// Violates the disjoint-keys constraint enforced at validation.
			return "", relayerr.Newf(relayerr.Internal,
				"Invalid info_substitution %s substitution key conflict detected.", key)
		}
		outBlocks.InfoSubstitutions[key] = mapped
	}
	return sql, nil
}

// substituteTransformedInfo renders a literal field expression at key's
// placeholder, folding the originator-side transformation in so the values
// arrive in the form the originator expects.
func substituteTransformedInfo(
	sql string,
	key string,
	numBraces int,
	originatorMappings *domain.ScopedOriginatorMappings,
	infoSub domain.InfoSubstitution,
	field domain.DataField,
) (string, error) {
	transform := domain.IdentityTransformation()
	aliasName := infoSub.InfoName

	if originatorMappings != nil {
		if scoped, ok := originatorMappings.Inner[infoSub.Scope]; ok {
			if entityEntry, ok := scoped.Inner[infoSub.EntityName]; ok {
				if infoEntry, ok := entityEntry.OriginatorInfoMap[infoSub.InfoName]; ok {
					transform = infoEntry.Transformation
					aliasName = infoEntry.OriginatorInfoName
				}
			}
		}
	}

	expr := transform.Apply(field.Path)
	return replaceKey(sql, key, numBraces, renderInfoExpr(infoSub, expr, aliasName)), nil
}
