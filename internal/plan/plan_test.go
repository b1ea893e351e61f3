package plan_test

import (
	"strings"
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/plan"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqlparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entityCtx() plan.EntityContext {
	return plan.NewEntityContext("entityname", []domain.Information{
		{Name: "foo", ArrowDtype: "Utf8"},
		{Name: "bar", ArrowDtype: "UInt8"},
	})
}

// normalize squashes whitespace and lowercases so assertions survive restore
// formatting choices.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(s, `"`, "")), " "))
}

func TestNormalizeQualifiesColumns(t *testing.T) {
	out, err := plan.NormalizeToSQL("select foo, bar from (select * from entityname)", entityCtx())
	require.NoError(t, err)

	assert.Equal(t,
		"select entityname.foo, entityname.bar from (select * from entityname)",
		normalize(out))
}

func TestNormalizeKeepsQualifiedColumns(t *testing.T) {
	out, err := plan.NormalizeToSQL("select entityname.foo from entityname", entityCtx())
	require.NoError(t, err)
	assert.Equal(t, "select entityname.foo from entityname", normalize(out))
}

func TestNormalizeRejectsUnknownEntity(t *testing.T) {
	_, err := plan.NormalizeToSQL("select foo from otherentity", entityCtx())
	require.Error(t, err)
	assert.True(t, relayerr.Is(err, relayerr.InvalidQuery))
	assert.Contains(t, err.Error(), "Unexpected Entity encountered otherentity")
}

func TestNormalizeRejectsUnknownInformation(t *testing.T) {
	_, err := plan.NormalizeToSQL("select nope from entityname", entityCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no information named nope")
}

func TestNormalizeRejectsForeignQualifier(t *testing.T) {
	_, err := plan.NormalizeToSQL("select other.foo from entityname", entityCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table qualifier other")
}

func TestNormalizeLeavesAliasReferences(t *testing.T) {
	out, err := plan.NormalizeToSQL(
		"select sub.foo from (select foo from entityname) sub", entityCtx())
	require.NoError(t, err)
	// The inner foo is qualified; the alias reference is untouched.
	assert.Equal(t,
		"select sub.foo from (select entityname.foo from entityname) as sub",
		normalize(out))
}

func TestNormalizeRejectsNonQuery(t *testing.T) {
	_, err := plan.NormalizeToSQL("drop table entityname", entityCtx())
	assert.Error(t, err)
}

func TestNormalizedOutputReparses(t *testing.T) {
	out, err := plan.NormalizeToSQL("select foo from entityname where bar > 1", entityCtx())
	require.NoError(t, err)

	_, err = sqlparse.ParseOne(out)
	assert.NoError(t, err)
}
