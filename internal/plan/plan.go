// Package plan normalizes a validated query against a single Entity's
// Information schema. After normalization every column reference is a
// two-part identifier `EntityName`.`InfoName` — an invariant the local and
// remote rewriters rely on.
package plan

import (
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/model"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqlparse"
)

// EntityContext is the planning context for a single Entity: its name and the
// set of Information names it defines.
type EntityContext struct {
	Entity string
	infos  map[string]struct{}
}

// NewEntityContext builds a context from the catalog's Information rows.
func NewEntityContext(entity string, information []domain.Information) EntityContext {
	infos := make(map[string]struct{}, len(information))
	for _, info := range information {
		infos[info.Name] = struct{}{}
	}
	return EntityContext{Entity: entity, infos: infos}
}

// HasInfo reports whether the entity defines the named information.
func (c EntityContext) HasInfo(name string) bool {
	_, ok := c.infos[name]
	return ok
}

// Normalize parses sql and rewrites every column reference into the
// `Entity`.`Info` form, verifying that each table reference resolves to the
// context entity and each column to one of its Information items. Failure to
// plan against the single-table schema is an InvalidQuery.
func Normalize(sql string, ctx EntityContext) (ast.StmtNode, error) {
	stmt, err := sqlparse.ParseOne(sql)
	if err != nil {
		return nil, err
	}
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
	default:
		return nil, relayerr.Newf(relayerr.InvalidQuery, "cannot plan non-query statement %T", stmt)
	}

	n := &normalizer{ctx: ctx}
	stmt.Accept(n)
	if n.err != nil {
		return nil, n.err
	}
	return stmt, nil
}

// NormalizeToSQL is Normalize plus a restore back to SQL text.
func NormalizeToSQL(sql string, ctx EntityContext) (string, error) {
	stmt, err := Normalize(sql, ctx)
	if err != nil {
		return "", err
	}
	return sqlparse.Restore(stmt)
}

// normalizer qualifies column references and verifies table references.
// Aliases introduced by derived tables are tracked so references through them
// are left untouched.
type normalizer struct {
	ctx     EntityContext
	aliases []string
	err     error
}

func (n *normalizer) knownAlias(name string) bool {
	for _, a := range n.aliases {
		if a == name {
			return true
		}
	}
	return false
}

func (n *normalizer) Enter(in ast.Node) (ast.Node, bool) {
	if n.err != nil {
		return in, true
	}
	switch node := in.(type) {
	case *ast.TableSource:
		if node.AsName.O != "" {
			n.aliases = append(n.aliases, node.AsName.O)
		}
		if name, ok := node.Source.(*ast.TableName); ok {
			if name.Schema.O != "" || name.Name.O != n.ctx.Entity {
				n.err = relayerr.Newf(relayerr.InvalidQuery,
					"Unexpected Entity encountered %s while planning for entity %s",
					name.Name.O, n.ctx.Entity)
				return in, true
			}
		}
	case *ast.WithClause:
		for _, cte := range node.CTEs {
			n.aliases = append(n.aliases, cte.Name.O)
		}
	}
	return in, false
}

func (n *normalizer) Leave(in ast.Node) (ast.Node, bool) {
	if n.err != nil {
		return in, false
	}
	if col, ok := in.(*ast.ColumnNameExpr); ok {
		switch {
		case col.Name.Table.O == "":
			if !n.ctx.HasInfo(col.Name.Name.O) {
				n.err = relayerr.Newf(relayerr.InvalidQuery,
					"no information named %s on entity %s", col.Name.Name.O, n.ctx.Entity)
				return in, false
			}
			col.Name.Table = model.NewCIStr(n.ctx.Entity)
		case col.Name.Table.O == n.ctx.Entity:
			if !n.ctx.HasInfo(col.Name.Name.O) {
				n.err = relayerr.Newf(relayerr.InvalidQuery,
					"no information named %s on entity %s", col.Name.Name.O, n.ctx.Entity)
				return in, false
			}
		case n.knownAlias(col.Name.Table.O):
			// References through derived-table or CTE aliases stay as-is.
		default:
			n.err = relayerr.Newf(relayerr.InvalidQuery,
				"unknown table qualifier %s while planning for entity %s",
				col.Name.Table.O, n.ctx.Entity)
			return in, false
		}
	}
	return in, true
}
