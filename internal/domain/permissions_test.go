package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perm(rows string, cols ...string) domain.SourcePermission {
	return domain.SourcePermission{
		Columns: domain.NewColumnPermission(cols...),
		Rows:    domain.RowPermission{AllowedRows: rows},
	}
}

func TestColumnPermissionSetAlgebra(t *testing.T) {
	a := domain.NewColumnPermission("col1", "col2")
	b := domain.NewColumnPermission("col2", "col3")

	union := a.Union(b)
	assert.ElementsMatch(t, []string{"col1", "col2", "col3"}, union.Sorted())

	inter := a.Intersection(b)
	assert.ElementsMatch(t, []string{"col2"}, inter.Sorted())
}

func TestRowPermissionPredicateAlgebra(t *testing.T) {
	a := domain.RowPermission{AllowedRows: "col1='123'"}
	b := domain.RowPermission{AllowedRows: "col2 > 5"}

	assert.Equal(t, "(col1='123') OR (col2 > 5)", a.Union(b).AllowedRows)
	assert.Equal(t, "(col1='123') AND (col2 > 5)", a.Intersection(b).AllowedRows)
}

func TestSourcePermissionIdempotence(t *testing.T) {
	p := perm("col1='123'", "a", "b")

	// P ∪ P = P and P ∩ P = P on columns; row predicates are equal up to the
	// textual wrapping added by the combinator.
	assert.ElementsMatch(t, p.Columns.Sorted(), p.Union(p).Columns.Sorted())
	assert.ElementsMatch(t, p.Columns.Sorted(), p.Intersection(p).Columns.Sorted())
	assert.Equal(t, "(col1='123') OR (col1='123')", p.Union(p).Rows.AllowedRows)
	assert.Equal(t, "(col1='123') AND (col1='123')", p.Intersection(p).Rows.AllowedRows)
}

func TestIntersectionThenUnionIsNarrower(t *testing.T) {
	p := perm("p", "a", "b", "c")
	q := perm("q", "b", "c", "d")
	d := perm("d", "a")

	// (P ∩ Q) ∪ D ⊆ P ∪ D on columns.
	narrow := p.Intersection(q).Union(d)
	wide := p.Union(d)
	for _, col := range narrow.Columns.Sorted() {
		assert.True(t, wide.Columns.Allows(col), "column %s escaped the intersection", col)
	}
}

func TestColumnPermissionJSONRoundTrip(t *testing.T) {
	p := perm("col1='123'", "b", "a")

	data, err := json.Marshal(p)
	require.NoError(t, err)
	// Sorted output keeps stored permissions stable.
	assert.JSONEq(t, `{"columns":{"allowed_columns":["a","b"]},"rows":{"allowed_rows":"col1='123'"}}`, string(data))

	var back domain.SourcePermission
	require.NoError(t, json.Unmarshal(data, &back))
	assert.ElementsMatch(t, []string{"a", "b"}, back.Columns.Sorted())
	assert.True(t, back.Columns.Allows("a"))
	assert.False(t, back.Columns.Allows("c"))
}
