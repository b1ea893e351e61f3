package engine_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/engine"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perm(rows string, cols ...string) domain.SourcePermission {
	return domain.SourcePermission{
		Columns: domain.NewColumnPermission(cols...),
		Rows:    domain.RowPermission{AllowedRows: rows},
	}
}

func TestCombinePermissions(t *testing.T) {
	def := perm("region='emea'", "a")
	user := perm("true", "a", "b", "c")
	relay := perm("tier='gold'", "b", "c", "d")

	t.Run("default only", func(t *testing.T) {
		got := engine.CombinePermissions(def, nil, nil)
		assert.ElementsMatch(t, []string{"a"}, got.Columns.Sorted())
		assert.Equal(t, "region='emea'", got.Rows.AllowedRows)
	})

	t.Run("user widens default", func(t *testing.T) {
		got := engine.CombinePermissions(def, &user, nil)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, got.Columns.Sorted())
		assert.Equal(t, "(region='emea') OR (true)", got.Rows.AllowedRows)
	})

	t.Run("relay widens default", func(t *testing.T) {
		got := engine.CombinePermissions(def, nil, &relay)
		assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, got.Columns.Sorted())
	})

	t.Run("user via relay adds only the intersection", func(t *testing.T) {
		got := engine.CombinePermissions(def, &user, &relay)
		// b and c are in both grants; d is relay-only and a is already in
		// the default.
		assert.ElementsMatch(t, []string{"a", "b", "c"}, got.Columns.Sorted())
		assert.Equal(t, "(region='emea') OR ((true) AND (tier='gold'))", got.Rows.AllowedRows)
	})
}

func remoteMapping(entity, info, remoteEntity, remoteInfo string) postgres.RemoteMapping {
	return postgres.RemoteMapping{
		Entity:      domain.Entity{ID: uuid.New(), Name: entity},
		Information: domain.Information{ID: uuid.New(), Name: info},
		EntityMapping: domain.RemoteEntityMapping{
			ID:               uuid.New(),
			RemoteEntityName: remoteEntity,
		},
		InfoMapping: domain.RemoteInfoMapping{
			InfoMappedName: remoteInfo,
			Transformation: domain.IdentityTransformation(),
		},
	}
}

func TestBuildNameMap(t *testing.T) {
	relayID := uuid.New()

	nameMap, err := engine.BuildNameMap(relayID, []postgres.RemoteMapping{
		remoteMapping("customers", "name", "clients", "full_name"),
		remoteMapping("customers", "age", "clients", "years"),
	})
	require.NoError(t, err)

	entry, ok := nameMap["customers"]
	require.True(t, ok)
	assert.Equal(t, "clients", entry.Entity.RemoteEntityName)
	assert.Equal(t, "full_name", entry.Infos["name"].InfoMappedName)
	assert.Equal(t, "years", entry.Infos["age"].InfoMappedName)
}

func TestBuildNameMapConflictingEntityNames(t *testing.T) {
	_, err := engine.BuildNameMap(uuid.New(), []postgres.RemoteMapping{
		remoteMapping("customers", "name", "clients", "full_name"),
		remoteMapping("customers", "age", "accounts", "years"),
	})
	require.Error(t, err)
	assert.True(t, relayerr.Is(err, relayerr.InvalidQuery))
	assert.Contains(t, err.Error(), "conflicting entity mappings")
}

func TestBuildNameMapDuplicateInfoNames(t *testing.T) {
	_, err := engine.BuildNameMap(uuid.New(), []postgres.RemoteMapping{
		remoteMapping("customers", "name", "clients", "full_name"),
		remoteMapping("customers", "name", "clients", "other_name"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate info name")
}
