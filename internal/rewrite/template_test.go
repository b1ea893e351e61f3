package rewrite_test

import (
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/rewrite"
	"github.com/stretchr/testify/assert"
)

func TestRenderPlanningSQL(t *testing.T) {
	raw := &domain.RawQueryRequest{
		SQL: "select {amount} from {src} where {amount_filter} > 10",
		SubstitutionBlocks: domain.SubstitutionBlocks{
			InfoSubstitutions: map[string]domain.InfoSubstitution{
				"amount": {
					EntityName: "orders", InfoName: "amount", Scope: domain.DefaultScope,
					IncludeInfo: true, IncludeDataField: true,
				},
				"amount_filter": {
					EntityName: "orders", InfoName: "amount", Scope: domain.DefaultScope,
					IncludeInfo: false, IncludeDataField: true,
				},
			},
			SourceSubstitutions: map[string]domain.SourceSubstitution{
				"src": {AllSourcesWith: []string{"orders"}},
			},
			NumCaptureBraces: 1,
		},
	}

	sql := rewrite.RenderPlanningSQL(raw, "orders")

	// Projection placeholders carry an alias; predicate placeholders emit a
	// bare reference; the source placeholder becomes the entity name.
	assert.Equal(t,
		`select "orders"."amount" AS "amount" from "orders" where "orders"."amount" > 10`,
		sql)
}

func TestRenderPlanningSQLMultiBrace(t *testing.T) {
	raw := &domain.RawQueryRequest{
		SQL: "select a from {{src}}",
		SubstitutionBlocks: domain.SubstitutionBlocks{
			InfoSubstitutions: map[string]domain.InfoSubstitution{},
			SourceSubstitutions: map[string]domain.SourceSubstitution{
				"src": {AllSourcesWith: []string{"orders"}},
			},
			NumCaptureBraces: 2,
		},
	}

	assert.Equal(t, `select a from "orders"`, rewrite.RenderPlanningSQL(raw, "orders"))
}
