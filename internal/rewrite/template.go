// Package rewrite turns a validated query template into engine-ready SQL for
// each local source (map local) and into forwarded request payloads for each
// peer relay (map remote).
package rewrite

import (
	"strings"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/sqltemplate"
)

// replaceKey substitutes every occurrence of key's placeholder in sql.
func replaceKey(sql, key string, numBraces int, replacement string) string {
	return strings.ReplaceAll(sql, sqltemplate.Pattern(key, numBraces), replacement)
}

// quoteIdent double-quotes each dot-separated part of an identifier path.
func quoteIdent(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// renderInfoExpr renders the SQL text substituted for an info placeholder.
// The expression is the transformed field text; the rendering flags control
// whether the expression appears and whether it is aliased.
func renderInfoExpr(sub domain.InfoSubstitution, expr, aliasName string) string {
	switch {
	case sub.IncludeInfo && !sub.ExcludeInfoAlias && aliasName != "":
		return expr + ` AS "` + aliasName + `"`
	case sub.IncludeInfo:
		return expr
	case sub.IncludeDataField:
		// Placeholder sits in a non-projection clause: emit the bare
		// expression with no alias.
		return expr
	default:
		return expr
	}
}

// RenderPlanningSQL substitutes all placeholders of a request with logical
// names so the result parses against the Entity schema: source placeholders
// become the entity name, info placeholders become `Entity`.`Info`
// references. This is the input to plan.Normalize.
func RenderPlanningSQL(req *domain.RawQueryRequest, entityName string) string {
	blocks := req.SubstitutionBlocks
	sql := req.SQL
	for key := range blocks.SourceSubstitutions {
		sql = replaceKey(sql, key, blocks.NumCaptureBraces, quoteIdent(entityName))
	}
	for key, sub := range blocks.InfoSubstitutions {
		ref := quoteIdent(sub.EntityName) + "." + quoteIdent(sub.InfoName)
		sql = replaceKey(sql, key, blocks.NumCaptureBraces, renderInfoExpr(sub, ref, sub.InfoName))
	}
	return sql
}
