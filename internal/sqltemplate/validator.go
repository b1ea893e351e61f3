// Package sqltemplate validates incoming SQL templates before any rewriting
// happens. The rules are security-critical: specifying a raw table name
// instead of a source substitution placeholder would let a caller craft
// queries that bypass access controls, so every table identifier must resolve
// to an in-scope alias or a declared substitution.
package sqltemplate

import (
	"regexp"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	driver "github.com/pingcap/tidb/pkg/parser/test_driver"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/sqlparse"
)

// maxTemplateLen bounds the SQL template size.
const maxTemplateLen = 1_000_000

// Pattern renders the placeholder text for key with n capture braces per side.
func Pattern(key string, n int) string {
	return strings.Repeat("{", n) + key + strings.Repeat("}", n)
}

// QuotePlaceholders literal-quotes every {…} block so the parser sees
// placeholders as quoted identifiers, e.g.
// `select * from {source}` → `select * from "{source}"`.
func QuotePlaceholders(sql string, numBraces int) string {
	left := regexp.QuoteMeta(strings.Repeat("{", numBraces))
	right := regexp.QuoteMeta(strings.Repeat("}", numBraces))
	re := regexp.MustCompile("(" + left + ".*?" + right + ")")
	return re.ReplaceAllString(sql, `"$1"`)
}

// Validate enforces the template shape constraints on a raw request. All
// checks must pass; there is no partial acceptance.
func Validate(req *domain.RawQueryRequest) error {
	if strings.TrimSpace(req.SQL) == "" {
		return relayerr.New(relayerr.EmptyQuery, "query template contains no SQL")
	}
	if len(req.SQL) > maxTemplateLen {
		return relayerr.New(relayerr.InvalidQuery,
			"SQL query template string exceeds maximum length of 1,000,000 characters! "+
				"Either simplify query or break into multiple parts.")
	}

	blocks := req.SubstitutionBlocks

	if len(blocks.SourceSubstitutions) == 0 {
		return relayerr.New(relayerr.InvalidQuery, "No source substitution provided for query!")
	}
	if len(blocks.SourceSubstitutions) > 1 {
		return relayerr.New(relayerr.NotImplemented,
			"Queries with logic spanning multiple sources (joins, subqueries) is not supported yet!")
	}

	if blocks.NumCaptureBraces < 1 || blocks.NumCaptureBraces > 10 {
		return relayerr.New(relayerr.InvalidQuery,
			"Num capture braces must be between 1 and 10. E.g. a value of 3 "+
				"means capture groups are specified such as {{{capture_me}}}.")
	}

	if err := checkDuplicateKeys(blocks); err != nil {
		return err
	}
	for key, sub := range blocks.SourceSubstitutions {
		if (len(sub.AllSourcesWith) == 0) == (len(sub.SourceList) == 0) {
			return relayerr.Newf(relayerr.InvalidQuery,
				"source substitution %s must set exactly one of all_sources_with or source_list", key)
		}
	}

	quoted := QuotePlaceholders(req.SQL, blocks.NumCaptureBraces)

	stmts, err := sqlparse.ParseAll(quoted)
	if err != nil {
		return err
	}
	if len(stmts) != 1 {
		return relayerr.Newf(relayerr.InvalidQuery,
			"SQL templates must contain exactly one statement. Found: %d", len(stmts))
	}

	v := &validator{req: req}
	switch stmt := stmts[0].(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return v.validateQuery(stmt, scope{})
	default:
		return relayerr.Newf(relayerr.InvalidQuery,
			"SQL templates may only contain read-only queries (e.g. select statements), found statement: %T", stmt)
	}
}

// checkDuplicateKeys rejects keys shared between the two substitution maps,
// which would make a template position ambiguous.
func checkDuplicateKeys(blocks domain.SubstitutionBlocks) error {
	for key := range blocks.InfoSubstitutions {
		if _, ok := blocks.SourceSubstitutions[key]; ok {
			return relayerr.Newf(relayerr.InvalidQuery, "Found duplicate substitution key %s", key)
		}
	}
	return nil
}

// scope is the set of table aliases visible at one point of the template.
// CTE aliases are visible to later CTEs of the same WITH and to the body;
// derived-table aliases never leak to outer scopes.
type scope map[string]struct{}

func (s scope) clone() scope {
	out := make(scope, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s scope) add(alias string) { s[alias] = struct{}{} }

type validator struct {
	req *domain.RawQueryRequest
}

// validateTableName enforces the table-identifier rule: the name must be a
// live alias or a literal-quoted source substitution placeholder.
func (v *validator) validateTableName(name string, inScope scope) error {
	err := relayerr.Newf(relayerr.InvalidQuery,
		"Found table identifier \"%s\" which is neither an in scope table alias nor a SourceSubstitution. "+
			"Specifying table names directly is not allowed. "+
			"Use an explicit SourceList within a SourceSubstitution instead.", name)

	if _, ok := inScope[name]; ok {
		return nil
	}

	n := v.req.SubstitutionBlocks.NumCaptureBraces
	if len(name) < 2*n {
		return err
	}
	if !strings.HasPrefix(name, strings.Repeat("{", n)) || !strings.HasSuffix(name, strings.Repeat("}", n)) {
		return err
	}
	inner := name[n : len(name)-n]
	if _, ok := v.req.SubstitutionBlocks.SourceSubstitutions[inner]; ok {
		return nil
	}
	return err
}

// validateQuery processes one query statement recursively. Each CTE alias
// becomes visible to the CTEs after it and to the query body.
func (v *validator) validateQuery(stmt ast.Node, inScope scope) error {
	switch q := stmt.(type) {
	case *ast.SelectStmt:
		if err := v.validateWith(q.With, inScope); err != nil {
			return err
		}
		return v.validateSelect(q, inScope)
	case *ast.SetOprStmt:
		if err := v.validateWith(q.With, inScope); err != nil {
			return err
		}
		if q.SelectList == nil {
			return relayerr.New(relayerr.InvalidQuery, "set operation with empty select list")
		}
		for _, sel := range q.SelectList.Selects {
			if err := v.validateQuery(sel, inScope.clone()); err != nil {
				return err
			}
		}
		return nil
	case *ast.SetOprSelectList:
		for _, sel := range q.Selects {
			if err := v.validateQuery(sel, inScope.clone()); err != nil {
				return err
			}
		}
		return nil
	default:
		return relayerr.Newf(relayerr.InvalidQuery, "query body %T is not allowed", stmt)
	}
}

func (v *validator) validateWith(with *ast.WithClause, inScope scope) error {
	if with == nil {
		return nil
	}
	for _, cte := range with.CTEs {
		inScope.add(cte.Name.O)
		if cte.Query != nil {
			if err := v.validateQuery(cte.Query.Query, inScope.clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *validator) validateSelect(sel *ast.SelectStmt, inScope scope) error {
	if sel.SelectIntoOpt != nil {
		return relayerr.New(relayerr.InvalidQuery, "SELECT INTO is not supported!")
	}

	// FROM first: derived-table aliases become visible to the remaining
	// clauses of this SELECT.
	if sel.From != nil && sel.From.TableRefs != nil {
		if err := v.validateTableRefs(sel.From.TableRefs, inScope); err != nil {
			return err
		}
	}

	if sel.Fields != nil {
		for _, field := range sel.Fields.Fields {
			if field.WildCard != nil {
				continue
			}
			if err := v.validateExpr(field.Expr, inScope); err != nil {
				return err
			}
		}
	}
	if err := v.validateExpr(sel.Where, inScope); err != nil {
		return err
	}
	if sel.GroupBy != nil {
		for _, item := range sel.GroupBy.Items {
			if err := v.validateExpr(item.Expr, inScope); err != nil {
				return err
			}
		}
	}
	if sel.Having != nil {
		if err := v.validateExpr(sel.Having.Expr, inScope); err != nil {
			return err
		}
	}
	for _, spec := range sel.WindowSpecs {
		if err := v.validateWindowSpec(spec, inScope); err != nil {
			return err
		}
	}
	if sel.OrderBy != nil {
		for _, item := range sel.OrderBy.Items {
			if err := v.validateExpr(item.Expr, inScope); err != nil {
				return err
			}
		}
	}
	if sel.Limit != nil {
		if err := v.validateExpr(sel.Limit.Count, inScope); err != nil {
			return err
		}
		if err := v.validateExpr(sel.Limit.Offset, inScope); err != nil {
			return err
		}
	}
	return nil
}

// validateTableRefs walks the join tree of a FROM clause, mutating inScope
// with derived-table aliases as they are introduced.
func (v *validator) validateTableRefs(node ast.ResultSetNode, inScope scope) error {
	switch t := node.(type) {
	case *ast.Join:
		if err := v.validateTableRefs(t.Left, inScope); err != nil {
			return err
		}
		if t.Right != nil {
			if err := v.validateTableRefs(t.Right, inScope); err != nil {
				return err
			}
		}
		if t.On != nil {
			return v.validateExpr(t.On.Expr, inScope)
		}
		return nil
	case *ast.TableSource:
		switch src := t.Source.(type) {
		case *ast.TableName:
			if src.Schema.O != "" {
				return relayerr.Newf(relayerr.InvalidQuery,
					"Explicit table paths are not allowed! Found: %s.%s", src.Schema.O, src.Name.O)
			}
			return v.validateTableName(src.Name.O, inScope)
		case *ast.SelectStmt, *ast.SetOprStmt:
			if err := v.validateQuery(src, inScope.clone()); err != nil {
				return err
			}
			if t.AsName.O != "" {
				inScope.add(t.AsName.O)
			}
			return nil
		default:
			text, _ := sqlparse.Restore(t)
			return relayerr.Newf(relayerr.InvalidQuery,
				"only explicit source substitutions are allowed but found %s", text)
		}
	default:
		return relayerr.Newf(relayerr.InvalidQuery, "unsupported table reference %T", node)
	}
}

func (v *validator) validateWindowSpec(spec ast.WindowSpec, inScope scope) error {
	if spec.PartitionBy != nil {
		for _, item := range spec.PartitionBy.Items {
			if err := v.validateExpr(item.Expr, inScope); err != nil {
				return err
			}
		}
	}
	if spec.OrderBy != nil {
		for _, item := range spec.OrderBy.Items {
			if err := v.validateExpr(item.Expr, inScope); err != nil {
				return err
			}
		}
	}
	if spec.Frame != nil {
		if err := v.validateExpr(spec.Frame.Extent.Start.Expr, inScope); err != nil {
			return err
		}
		if err := v.validateExpr(spec.Frame.Extent.End.Expr, inScope); err != nil {
			return err
		}
	}
	return nil
}

// validateExpr traverses an expression. Every contained subquery re-enters
// the query validator with a clone of the currently in-scope aliases, and
// disallowed constructs short-circuit the walk.
func (v *validator) validateExpr(expr ast.ExprNode, inScope scope) error {
	if expr == nil {
		return nil
	}
	walker := &exprWalker{v: v, inScope: inScope}
	expr.Accept(walker)
	return walker.err
}

// exprWalker visits every sub-expression, handling subqueries explicitly so
// their scopes are cloned rather than shared.
type exprWalker struct {
	v       *validator
	inScope scope
	err     error
}

func (w *exprWalker) Enter(in ast.Node) (ast.Node, bool) {
	if w.err != nil {
		return in, true
	}
	switch n := in.(type) {
	case *ast.SubqueryExpr:
		w.err = w.v.validateQuery(n.Query, w.inScope.clone())
		return in, true
	case *ast.MatchAgainst:
		w.err = relayerr.New(relayerr.InvalidQuery, "MatchAgainst query expressions are not allowed")
		return in, true
	case *ast.SetCollationExpr:
		w.err = relayerr.New(relayerr.InvalidQuery, "collation expressions are not allowed")
		return in, true
	case *driver.ValueExpr:
		// A charset introducer (e.g. _utf8mb4'x') parses as an ordinary
		// literal with the charset set on its field type; plain literals
		// leave it empty.
		if n.Type.GetCharset() != "" {
			w.err = relayerr.New(relayerr.InvalidQuery, "introduced string expressions are not allowed")
			return in, true
		}
		return in, false
	case *ast.VariableExpr:
		w.err = relayerr.Newf(relayerr.InvalidQuery, "variable expressions are not allowed: %s", n.Name)
		return in, true
	case *ast.WindowFuncExpr:
		if err := w.v.validateWindowSpec(n.Spec, w.inScope); err != nil {
			w.err = err
			return in, true
		}
		return in, false
	}
	return in, false
}

func (w *exprWalker) Leave(in ast.Node) (ast.Node, bool) {
	return in, w.err == nil
}

// EntityNames collects the distinct entity names referenced by the source
// substitutions of a request, in stable order.
func EntityNames(blocks domain.SubstitutionBlocks) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range blocks.SourceSubstitutions {
		for _, name := range sub.AllSourcesWith {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}
