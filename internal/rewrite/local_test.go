package rewrite_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/plan"
	"github.com/relaymesh/relay/internal/rewrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatten squashes whitespace and strips identifier quoting so assertions
// survive the restore dialect's formatting choices.
func flatten(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func testSource() *domain.DataSource {
	return &domain.DataSource{
		ID:        uuid.New(),
		Name:      "test",
		SourceSQL: "select * from test",
		SourceOptions: domain.SourceOptions{
			Trino: &domain.TrinoSource{},
		},
	}
}

func TestSourceSubstitutionWithPermissions(t *testing.T) {
	ctx := plan.NewEntityContext("entityname", []domain.Information{
		{Name: "foo", ArrowDtype: "Utf8"},
		{Name: "bar", ArrowDtype: "UInt8"},
	})
	normalized, err := plan.NormalizeToSQL("select foo, bar from (select * from entityname)", ctx)
	require.NoError(t, err)

	permission := domain.SourcePermission{
		Columns: domain.NewColumnPermission("alias1.col1"),
		Rows:    domain.RowPermission{AllowedRows: "col1='123'"},
	}

	// No info mappings yet: both references degrade to NULL, but the source
	// substitution shape is what this test pins down.
	out, err := rewrite.MapLocalSQL(normalized, "entityname", testSource(),
		map[string]rewrite.InfoTarget{}, permission)
	require.NoError(t, err)

	assert.Contains(t, flatten(out),
		"from (select alias1.col1 from (select * from test) where col1 = '123')")
}

func TestSourceSubstitutionPreservesOuterShape(t *testing.T) {
	ctx := plan.NewEntityContext("entityname", []domain.Information{
		{Name: "foo", ArrowDtype: "Utf8"},
		{Name: "bar", ArrowDtype: "UInt8"},
	})
	normalized, err := plan.NormalizeToSQL("select foo, bar from (select * from entityname)", ctx)
	require.NoError(t, err)

	fooField := domain.DataField{ID: uuid.New(), Name: "foo", Path: "alias1.col1"}
	fooMap := domain.Mapping{Transformation: domain.IdentityTransformation()}
	barField := domain.DataField{ID: uuid.New(), Name: "bar", Path: "alias1.col2"}
	barMap := domain.Mapping{Transformation: domain.IdentityTransformation()}

	permission := domain.SourcePermission{
		Columns: domain.NewColumnPermission("alias1.col1", "alias1.col2"),
		Rows:    domain.RowPermission{AllowedRows: "col1='123'"},
	}

	out, err := rewrite.MapLocalSQL(normalized, "entityname", testSource(),
		map[string]rewrite.InfoTarget{
			"foo": {Field: fooField, Mapping: fooMap},
			"bar": {Field: barField, Mapping: barMap},
		}, permission)
	require.NoError(t, err)

	flat := flatten(out)
	assert.Equal(t,
		"select alias1.col1, alias1.col2 from (select * from (select alias1.col1, alias1.col2 "+
			"from (select * from test) where col1 = '123'))",
		flat)
}

func TestInfoSubstitutionHonorsColumnPermission(t *testing.T) {
	// Mirrors the canonical scenario: foo maps through a /100 transformation
	// on a permitted column, bar has no permitted backing column and becomes
	// NULL.
	normalized := `SELECT "entityname"."foo", "entityname"."bar" FROM ` +
		`(SELECT alias1.col1, col2 FROM (SELECT * FROM test) WHERE col1 = '123')`

	fooField := domain.DataField{ID: uuid.New(), Name: "foo", Path: "field.path"}
	fooMapping := domain.Mapping{
		Transformation: domain.Transformation{
			OtherToLocal: "{v}/100",
			LocalToOther: "{v}*100",
			ReplaceFrom:  "{v}",
		},
	}
	barField := domain.DataField{ID: uuid.New(), Name: "bar", Path: "denied.path"}
	barMapping := domain.Mapping{Transformation: domain.IdentityTransformation()}

	permission := domain.SourcePermission{
		Columns: domain.NewColumnPermission("field.path"),
		Rows:    domain.RowPermission{AllowedRows: "col1='123'"},
	}

	stmtOnlyInfo := func(sql string) string {
		out, err := rewrite.MapLocalSQL(sql, "entityname", testSource(),
			map[string]rewrite.InfoTarget{
				"foo": {Field: fooField, Mapping: fooMapping},
				"bar": {Field: barField, Mapping: barMapping},
			}, permission)
		require.NoError(t, err)
		return out
	}

	out := flatten(stmtOnlyInfo(normalized))
	assert.Contains(t, out, "field.path / 100")
	assert.Contains(t, out, "null")
	assert.NotContains(t, out, "denied.path")
}

func TestUnmappedInformationBecomesNull(t *testing.T) {
	normalized := `SELECT "entityname"."ghost" FROM (SELECT * FROM test)`

	permission := domain.SourcePermission{
		Columns: domain.NewColumnPermission("a"),
		Rows:    domain.RowPermission{AllowedRows: "true"},
	}

	out, err := rewrite.MapLocalSQL(normalized, "entityname", testSource(),
		map[string]rewrite.InfoTarget{}, permission)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(flatten(out), "select null"))
}

func TestEmptyColumnPermissionProjectsNull(t *testing.T) {
	normalized := `SELECT "entityname"."foo" FROM entityname`

	permission := domain.SourcePermission{
		Columns: domain.NewColumnPermission(),
		Rows:    domain.RowPermission{AllowedRows: "false"},
	}

	out, err := rewrite.MapLocalSQL(normalized, "entityname", testSource(),
		map[string]rewrite.InfoTarget{}, permission)
	require.NoError(t, err)

	flat := flatten(out)
	assert.Contains(t, flat, "select null from (select * from test) where false")
}
