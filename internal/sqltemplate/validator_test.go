package sqltemplate_test

import (
	"strings"
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqltemplate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// request builds a RawQueryRequest with one AllSourcesWith substitution per
// named key.
func request(sql string, braces int, sourceKeys ...string) *domain.RawQueryRequest {
	sources := make(map[string]domain.SourceSubstitution, len(sourceKeys))
	for _, key := range sourceKeys {
		sources[key] = domain.SourceSubstitution{AllSourcesWith: []string{"test"}}
	}
	return &domain.RawQueryRequest{
		SQL: sql,
		SubstitutionBlocks: domain.SubstitutionBlocks{
			InfoSubstitutions:   map[string]domain.InfoSubstitution{},
			SourceSubstitutions: sources,
			NumCaptureBraces:    braces,
		},
	}
}

func TestValidTemplates(t *testing.T) {
	cases := []struct {
		name string
		req  *domain.RawQueryRequest
	}{
		{"simple select", request("select * from {user_tables}", 1, "user_tables")},
		{"derived table", request("select foo from (select * from {t}) sub", 1, "t")},
		{"cte referencing itself later", request(
			"with user_data_folder as (select * from {user_tables}) select * from user_data_folder",
			1, "user_tables")},
		{"double braces", request("select * from {{src}}", 2, "src")},
		{"subquery alias in scope", request(
			"select * from (select a from {t}) x where x.a in (select a from x)", 1, "t")},
		{"union of substitutions", request("select a from {t} union select a from {t}", 1, "t")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, sqltemplate.Validate(tc.req))
		})
	}
}

func TestCTEAliasShadowing(t *testing.T) {
	// The CTE alias is only valid when introduced before use: a literal table
	// name in the body must be rejected even when a CTE exists.
	fails := request("with a as (select * from {user_tables}) select * from user_data_folder", 1, "user_tables")
	err := sqltemplate.Validate(fails)
	require.Error(t, err)
	assert.True(t, relayerr.Is(err, relayerr.InvalidQuery))
	assert.Contains(t, err.Error(), `Found table identifier "user_data_folder"`)

	passes := request("with user_data_folder as (select * from {user_tables}) select * from user_data_folder", 1, "user_tables")
	assert.NoError(t, sqltemplate.Validate(passes))
}

func TestSubqueryAliasDoesNotLeakToOuterScope(t *testing.T) {
	// The alias `x` is introduced inside a derived table of a subquery and
	// must not be visible at the outer FROM.
	req := request("select * from (select * from (select a from {t}) x) sub, x", 1, "t")
	err := sqltemplate.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Found table identifier "x"`)
}

func TestEscapeInjectionRejected(t *testing.T) {
	req := request("with a as (select * from {t}) select * from a; select * from a", 1, "t")
	err := sqltemplate.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SQL templates must contain exactly one statement. Found: 2")
}

func TestLiteralTableNamesRejectedEverywhere(t *testing.T) {
	cases := []string{
		"select * from secrets",
		"select * from {t} where exists (select 1 from secrets)",
		"select (select max(x) from secrets) from {t}",
		"select * from {t} union select * from secrets",
		"with a as (select * from secrets) select * from {t}",
	}
	for _, sql := range cases {
		t.Run(sql, func(t *testing.T) {
			err := sqltemplate.Validate(request(sql, 1, "t"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Found table identifier")
		})
	}
}

func TestWriteStatementsRejected(t *testing.T) {
	cases := []string{
		"insert into {t} values (1)",
		"update {t} set a = 1",
		"delete from {t}",
		"drop table {t}",
		"create table foo (a int)",
	}
	for _, sql := range cases {
		t.Run(sql, func(t *testing.T) {
			err := sqltemplate.Validate(request(sql, 1, "t"))
			require.Error(t, err)
		})
	}
}

func TestSubstitutionShapeRules(t *testing.T) {
	t.Run("no source substitution", func(t *testing.T) {
		req := request("select 1", 1)
		err := sqltemplate.Validate(req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No source substitution provided")
	})

	t.Run("multiple source substitutions", func(t *testing.T) {
		req := request("select * from {a} join {b}", 1, "a", "b")
		err := sqltemplate.Validate(req)
		assert.True(t, relayerr.Is(err, relayerr.NotImplemented))
	})

	t.Run("duplicate keys across maps", func(t *testing.T) {
		req := request("select {k} from {k}", 1, "k")
		req.SubstitutionBlocks.InfoSubstitutions["k"] = domain.InfoSubstitution{
			EntityName: "test", InfoName: "foo", Scope: domain.DefaultScope,
		}
		err := sqltemplate.Validate(req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate substitution key")
	})

	t.Run("capture braces out of range", func(t *testing.T) {
		for _, n := range []int{0, 11} {
			req := request("select * from {t}", n, "t")
			err := sqltemplate.Validate(req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Num capture braces")
		}
	})

	t.Run("oversized template", func(t *testing.T) {
		req := request("select * from {t} where x = '"+strings.Repeat("a", 1_000_001)+"'", 1, "t")
		err := sqltemplate.Validate(req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum length")
	})

	t.Run("empty sql", func(t *testing.T) {
		req := request("   ", 1, "t")
		err := sqltemplate.Validate(req)
		assert.True(t, relayerr.Is(err, relayerr.EmptyQuery))
	})
}

func TestBraceCountMustMatch(t *testing.T) {
	// With two capture braces configured, a single-braced identifier is not
	// a valid placeholder.
	req := request("select * from {src}", 2, "src")
	err := sqltemplate.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Found table identifier")
}

func TestIntroducedStringsRejected(t *testing.T) {
	cases := []string{
		"select * from {t} where x = _utf8mb4'1'",
		"select _latin1'abc' from {t}",
		"select * from {t} where exists (select 1 from {t} where y = _binary'z')",
	}
	for _, sql := range cases {
		t.Run(sql, func(t *testing.T) {
			err := sqltemplate.Validate(request(sql, 1, "t"))
			require.Error(t, err)
			assert.True(t, relayerr.Is(err, relayerr.InvalidQuery))
			assert.Contains(t, err.Error(), "introduced string expressions are not allowed")
		})
	}

	// Plain string literals carry no introducer and stay valid.
	assert.NoError(t, sqltemplate.Validate(request("select * from {t} where x = '1'", 1, "t")))
}

func TestMultiPartTablePathsRejected(t *testing.T) {
	req := request("select * from catalog.schema_name", 1, "t")
	err := sqltemplate.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Explicit table paths are not allowed")
}

func TestEntityNames(t *testing.T) {
	blocks := domain.SubstitutionBlocks{
		SourceSubstitutions: map[string]domain.SourceSubstitution{
			"a": {AllSourcesWith: []string{"customers", "orders"}},
			"b": {AllSourcesWith: []string{"customers"}},
		},
		NumCaptureBraces: 1,
	}
	assert.ElementsMatch(t, []string{"customers", "orders"}, sqltemplate.EntityNames(blocks))
}

func TestQuotePlaceholders(t *testing.T) {
	// The lazy match quotes from the leftmost { to the first }, mirroring
	// how the tokenizer later sees nested braces.
	out := sqltemplate.QuotePlaceholders("select {info} from {{nested}} and {src}", 1)
	assert.Equal(t, `select "{info}" from "{{nested}"} and "{src}"`, out)

	out = sqltemplate.QuotePlaceholders("select * from {{src}}", 2)
	assert.Equal(t, `select * from "{{src}}"`, out)
}
