// Package sqlparse wraps the TiDB SQL parser with the relay's dialect
// settings: ANSI_QUOTES mode so double-quoted identifiers round-trip, and
// restore flags that emit portable SQL (double-quoted names, single-quoted
// strings) accepted by the backing engines.
package sqlparse

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // value expression driver
	"github.com/relaymesh/relay/internal/relayerr"
)

// restoreFlags produce SQL portable across DuckDB, Trino, and FlightSQL
// backends.
const restoreFlags = format.RestoreStringSingleQuotes |
	format.RestoreKeyWordUppercase |
	format.RestoreNameDoubleQuotes |
	format.RestoreSpacesAroundBinaryOperation

func newParser() *parser.Parser {
	p := parser.New()
	p.SetSQLMode(mysql.ModeANSIQuotes)
	return p
}

// ParseAll parses sql into its component statements.
func ParseAll(sql string) ([]ast.StmtNode, error) {
	stmts, _, err := newParser().ParseSQL(sql)
	if err != nil {
		return nil, relayerr.Newf(relayerr.InvalidQuery, "sql parser syntax error: %v", err)
	}
	return stmts, nil
}

// ParseOne parses sql and requires exactly one statement.
func ParseOne(sql string) (ast.StmtNode, error) {
	stmts, err := ParseAll(sql)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, relayerr.Newf(relayerr.InvalidQuery,
			"SQL templates must contain exactly one statement. Found: %d", len(stmts))
	}
	return stmts[0], nil
}

// ParseExpr parses a SQL expression fragment, e.g. "field.path / 100".
func ParseExpr(fragment string) (ast.ExprNode, error) {
	stmt, err := ParseOne("SELECT " + fragment)
	if err != nil {
		return nil, relayerr.Newf(relayerr.InvalidQuery, "cannot parse %q as a SQL expression", fragment)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.Fields.Fields[0].Expr == nil {
		return nil, relayerr.Newf(relayerr.InvalidQuery, "cannot parse %q as a SQL expression", fragment)
	}
	return sel.Fields.Fields[0].Expr, nil
}

// ParseSelect parses sql and requires a plain SELECT statement.
func ParseSelect(sql string) (*ast.SelectStmt, error) {
	stmt, err := ParseOne(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return nil, relayerr.Newf(relayerr.InvalidQuery, "expected a SELECT statement, found %T", stmt)
	}
	return sel, nil
}

// Restore renders a parsed node back to SQL text.
func Restore(node ast.Node) (string, error) {
	var sb strings.Builder
	ctx := format.NewRestoreCtx(restoreFlags, &sb)
	if err := node.Restore(ctx); err != nil {
		return "", relayerr.Wrap(relayerr.Internal, "restore sql", err)
	}
	return sb.String(), nil
}

// NullExpr returns a NULL literal expression node.
func NullExpr() ast.ExprNode {
	return ast.NewValueExpr(nil, "", "")
}
