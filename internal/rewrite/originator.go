package rewrite

import (
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

func missingInfoErr(entityName, infoName string, relay *domain.Relay) error {
	return relayerr.Newf(relayerr.InvalidQuery,
		"Missing remote mapping for local entity %s and info %s for relay %s which is required to execute this query!",
		entityName, infoName, relay.ID)
}

// MapScopedOriginatorMappings rebuilds the scoped originator mappings for a
// request being forwarded to one peer. For each existing scope the
// local→originator entries are re-keyed to remote→originator; when no prior
// mappings exist the local relay is the originator and the mappings are
// synthesized by inverting the peer name map. Scopes introduced by derived
// entity-mapping injection are unioned in as the final step.
func MapScopedOriginatorMappings(
	existing *domain.ScopedOriginatorMappings,
	relay *domain.Relay,
	nameMap NameMap,
	outBlocks domain.SubstitutionBlocks,
	newScopes *domain.ScopedOriginatorMappings,
) (*domain.ScopedOriginatorMappings, error) {
	inner := make(map[string]domain.OriginatorMappings)

	if existing != nil {
		for scope, mappings := range existing.Inner {
			mapped, err := mapOriginatorMappings(scope, &mappings, relay, nameMap, outBlocks)
			if err != nil {
				return nil, err
			}
			inner[scope] = mapped
		}
	} else {
		// No prior mappings means the local relay is processing a request
		// directly from an end user: the only scope in play is the default.
		mapped, err := mapOriginatorMappings(domain.DefaultScope, nil, relay, nameMap, outBlocks)
		if err != nil {
			return nil, err
		}
		inner[domain.DefaultScope] = mapped
	}

	if newScopes != nil {
		for scope, mappings := range newScopes.Inner {
			inner[scope] = mappings
		}
	}

	return &domain.ScopedOriginatorMappings{Inner: inner}, nil
}

// referencedInOutgoing reports whether the outgoing substitutions still
// reference (remoteEntity, remoteInfo) under scope. Entries nothing refers to
// are dropped: a fully resolved derived field must not survive the hop.
func referencedInOutgoing(outBlocks domain.SubstitutionBlocks, scope, remoteEntity, remoteInfo string) bool {
	for _, sub := range outBlocks.InfoSubstitutions {
		if sub.EntityName == remoteEntity && sub.InfoName == remoteInfo && sub.Scope == scope {
			return true
		}
	}
	return false
}

func mapOriginatorMappings(
	scope string,
	existing *domain.OriginatorMappings,
	relay *domain.Relay,
	nameMap NameMap,
	outBlocks domain.SubstitutionBlocks,
) (domain.OriginatorMappings, error) {
	out := domain.OriginatorMappings{Inner: make(map[string]domain.OriginatorEntityMapping)}

	if existing != nil {
		// Re-key local→originator to remote→originator by applying the peer
		// name map to the keys while keeping the originator-side values.
		for localEntity, origEntity := range existing.Inner {
			entityMap, ok := nameMap[localEntity]
			if !ok {
				return out, missingEntityErr(localEntity, relay)
			}
			remoteEntity := entityMap.Entity.RemoteEntityName

			infoMap := make(map[string]domain.OriginatorInfoMapping)
			for localInfo, origInfo := range origEntity.OriginatorInfoMap {
				remoteInfo, ok := entityMap.Infos[localInfo]
				if !ok {
					return out, missingInfoErr(localEntity, localInfo, relay)
				}
				if !referencedInOutgoing(outBlocks, scope, remoteEntity, remoteInfo.InfoMappedName) {
					continue
				}
				// Composing local→originator with remote→local yields the
				// remote→originator transformation.
				remoteToLocal := remoteInfo.Transformation.Invert()
				infoMap[remoteInfo.InfoMappedName] = domain.OriginatorInfoMapping{
					OriginatorInfoName: origInfo.OriginatorInfoName,
					Transformation:     origInfo.Transformation.Compose(remoteToLocal),
				}
			}
			out.Inner[remoteEntity] = domain.OriginatorEntityMapping{
				OriginatorEntityName: origEntity.OriginatorEntityName,
				OriginatorInfoMap:    infoMap,
			}
		}
		return out, nil
	}

	// Origin case: flip the name map so the peer receives remote→originator
	// entries, inverting each stored transformation. Entries irrelevant to
	// the outgoing substitutions are filtered out.
	for localEntity, entityMap := range nameMap {
		remoteEntity := entityMap.Entity.RemoteEntityName
		infoMap := make(map[string]domain.OriginatorInfoMapping)
		for localInfo, remoteInfo := range entityMap.Infos {
			if !referencedInOutgoing(outBlocks, scope, remoteEntity, remoteInfo.InfoMappedName) {
				continue
			}
			infoMap[remoteInfo.InfoMappedName] = domain.OriginatorInfoMapping{
				OriginatorInfoName: localInfo,
				Transformation:     remoteInfo.Transformation.Invert(),
			}
		}
		if len(infoMap) == 0 {
			continue
		}
		out.Inner[remoteEntity] = domain.OriginatorEntityMapping{
			OriginatorEntityName: localEntity,
			OriginatorInfoMap:    infoMap,
		}
	}
	return out, nil
}
