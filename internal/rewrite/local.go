package rewrite

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqlparse"
)

// InfoTarget is the (DataField, Mapping) pair backing one Information on a
// specific source. The per-Information lookup is ground truth even when
// fields share names across sources.
type InfoTarget struct {
	Field   domain.DataField
	Mapping domain.Mapping
}

// MapLocalSQL rewrites a normalized statement (every column reference of the
// form `Entity`.`Info`, see plan.Normalize) into engine-ready SQL for one
// local source:
//
//  1. every table reference is replaced by a derived subquery over the
//     source's SourceSQL restricted to the permitted columns and rows,
//  2. every info reference becomes the mapped field expression, or NULL when
//     the backing column is not permitted or no mapping exists.
func MapLocalSQL(
	normalizedSQL string,
	entityName string,
	source *domain.DataSource,
	infoLookup map[string]InfoTarget,
	permission domain.SourcePermission,
) (string, error) {
	stmt, err := sqlparse.ParseOne(normalizedSQL)
	if err != nil {
		return "", err
	}

	if err := applySourceSubstitutions(stmt, source, permission); err != nil {
		return "", err
	}
	if err := applyInfoSubstitutions(stmt, entityName, infoLookup, permission); err != nil {
		return "", err
	}

	return sqlparse.Restore(stmt)
}

// permissionSubquery builds the derived SELECT restricting a source to the
// permitted columns and rows:
//
//	SELECT <allowed columns> FROM (<source_sql>) WHERE <allowed rows>
func permissionSubquery(source *domain.DataSource, permission domain.SourcePermission) (*ast.SelectStmt, error) {
	// An empty column set projects NULL: the derived table stays valid SQL
	// while exposing no data.
	cols := permission.Columns.Sorted()
	projection := "NULL"
	if len(cols) > 0 {
		projection = strings.Join(cols, ", ")
	}

	text := "SELECT " + projection + " FROM (" + source.SourceSQL + ") WHERE " + permission.Rows.AllowedRows
	sel, err := sqlparse.ParseSelect(text)
	if err != nil {
		return nil, relayerr.Newf(relayerr.InvalidQuery,
			"source %s produced an unparseable permission subquery: %v", source.Name, err)
	}
	return sel, nil
}

// tableSubstituter replaces every plain table reference with a fresh
// permission subquery, preserving the original alias so outer references
// remain valid.
type tableSubstituter struct {
	source     *domain.DataSource
	permission domain.SourcePermission
	err        error
}

func (t *tableSubstituter) Enter(in ast.Node) (ast.Node, bool) {
	if t.err != nil {
		return in, true
	}
	return in, false
}

func (t *tableSubstituter) Leave(in ast.Node) (ast.Node, bool) {
	if t.err != nil {
		return in, false
	}
	if src, ok := in.(*ast.TableSource); ok {
		if _, isTable := src.Source.(*ast.TableName); isTable {
			// A fresh parse per site: AST nodes must not be shared between
			// substitution points.
			subquery, err := permissionSubquery(t.source, t.permission)
			if err != nil {
				t.err = err
				return in, false
			}
			src.Source = subquery
		}
	}
	return in, true
}

func applySourceSubstitutions(stmt ast.StmtNode, source *domain.DataSource, permission domain.SourcePermission) error {
	sub := &tableSubstituter{source: source, permission: permission}
	stmt.Accept(sub)
	return sub.err
}

// infoSubstituter rewrites `Entity`.`Info` references into transformed field
// expressions. Denied or unmapped information degrades to NULL so the result
// shape stays stable.
type infoSubstituter struct {
	entityName string
	exprs      map[string]string
	err        error
}

func (s *infoSubstituter) Enter(in ast.Node) (ast.Node, bool) {
	if s.err != nil {
		return in, true
	}
	return in, false
}

func (s *infoSubstituter) Leave(in ast.Node) (ast.Node, bool) {
	if s.err != nil {
		return in, false
	}
	col, ok := in.(*ast.ColumnNameExpr)
	if !ok || col.Name.Table.O != s.entityName {
		return in, true
	}

	text, ok := s.exprs[col.Name.Name.O]
	if !ok {
		return sqlparse.NullExpr(), true
	}

	expr, err := sqlparse.ParseExpr(text)
	if err != nil {
		s.err = relayerr.Newf(relayerr.InvalidTransform,
			"transformed expression %q for %s.%s does not parse", text, s.entityName, col.Name.Name.O)
		return in, false
	}
	return expr, true
}

func applyInfoSubstitutions(
	stmt ast.StmtNode,
	entityName string,
	infoLookup map[string]InfoTarget,
	permission domain.SourcePermission,
) error {
	// Pre-render the transformed expression per permitted information. A
	// column outside the permission set is simply absent, which the visitor
	// turns into NULL — column denial never errors.
	exprs := make(map[string]string, len(infoLookup))
	for info, target := range infoLookup {
		if !permission.Columns.Allows(target.Field.Path) {
			continue
		}
		exprs[info] = target.Mapping.Transformation.Apply(target.Field.Path)
	}

	sub := &infoSubstituter{entityName: entityName, exprs: exprs}
	stmt.Accept(sub)
	return sub.err
}
