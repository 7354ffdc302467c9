// Package lower implements the Join/Predicate Lowerer: it turns
// ast.Operand fragments into SQL text and, while doing so, accumulates
// the index demands a later CREATE INDEX pass will emit.
//
// Grounded directly on the original SQLite backend's
// generate_expression/generate_predicate/generate_join/add_index
// family (original_source/giles/sqlite_backend.py) — same flattening,
// same equality-before-inequality ordering, same "new"/"old" frame
// exemption from index inference — rebuilt around this module's typed
// ast.Operand/ast.Node sum type instead of dynamically typed AST
// objects, and around an explicit per-compilation Context instead of
// the original's module-level globals (§9 design note: "re-architect
// as an emitter context object threaded through the lowerer calls and
// constructed fresh per compilation").
package lower

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

// Context carries the per-compilation mutable state the lowerer
// needs: the accumulated index-demand tree and the once-domain memo
// used by the schema emitter to deduplicate repeated text emissions.
type Context struct {
	Indexes *model.IndexDemand
	once    map[string]map[string]bool
}

// NewContext returns a fresh lowering context, as every compilation
// must start from zeroed state (§5).
func NewContext() *Context {
	return &Context{Indexes: model.NewIndexDemand(), once: make(map[string]map[string]bool)}
}

// Once returns value the first time it is asked for within domain,
// and "" on every subsequent call for the same (domain, value) pair —
// a direct port of the original's only_once, case-folding domain the
// way the original lower-cases it.
func (c *Context) Once(domain, value string) string {
	key := strings.ToLower(domain)
	seen, ok := c.once[key]
	if !ok {
		seen = make(map[string]bool)
		c.once[key] = seen
	}
	if seen[value] {
		return ""
	}
	seen[value] = true
	return value
}

// RenderExpression lowers any operand to SQL text. framePrefix aliases
// LocalRef leaves (the "frame" holding bound locals, e.g. "new" for
// the row just inserted); factPrefix aliases ThisRef leaves (the fact
// table currently being matched). Either may be "" for an unaliased
// reference.
func RenderExpression(op ast.Operand, framePrefix, factPrefix string) string {
	if lit, ok := op.Literal(); ok {
		return renderLiteral(lit)
	}
	node, _ := op.AsNode()
	return renderNode(node, framePrefix, factPrefix)
}

func renderLiteral(v ast.Value) string {
	switch v.Typ {
	case ast.Bool:
		if v.B {
			return "1"
		}
		return "0"
	case ast.Int:
		return strconv.FormatInt(v.I, 10)
	case ast.Real:
		return strconv.FormatFloat(v.R, 'g', -1, 64)
	default:
		return "'" + strings.ReplaceAll(v.S, "'", "''") + "'"
	}
}

func renderNode(node ast.Node, framePrefix, factPrefix string) string {
	switch n := node.(type) {
	case *ast.ThisRef:
		return prefixed(factPrefix, n.Field)
	case *ast.LocalRef:
		return prefixed(framePrefix, n.Name)
	case *ast.BinaryOp:
		return fmt.Sprintf("(%s) %s (%s)",
			RenderExpression(n.Lhs, framePrefix, factPrefix),
			sqlOperator(n.Op),
			RenderExpression(n.Rhs, framePrefix, factPrefix))
	case *ast.UnaryOp:
		return fmt.Sprintf("(%s(%s))", n.Op, RenderExpression(n.Operand, framePrefix, factPrefix))
	case *ast.If:
		return fmt.Sprintf("(CASE WHEN (%s) THEN (%s) ELSE (%s) END)",
			RenderExpression(n.Pred, framePrefix, factPrefix),
			RenderExpression(n.Then, framePrefix, factPrefix),
			RenderExpression(n.Else, framePrefix, factPrefix))
	case *ast.Cast:
		return fmt.Sprintf("CAST((%s) AS %s)", RenderExpression(n.Expr, framePrefix, factPrefix), sqlType(n.Target))
	case *ast.Function:
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			args[i] = RenderExpression(a, framePrefix, factPrefix)
		}
		return fmt.Sprintf("%s(%s)", n.ExternalSymbol, strings.Join(args, ","))
	case *ast.Join:
		eq, ineq := partitionJoin(n, framePrefix, factPrefix)
		return strings.Join(append(eq, ineq...), " AND ")
	default:
		return ""
	}
}

func prefixed(prefix string, name ident.Identifier) string {
	if prefix == "" {
		return name.Display()
	}
	return prefix + "." + name.Display()
}

// sqlOperator maps a surface/AST operator symbol to its rendered SQL
// form; only "==" needs translating, everything else the AST already
// carries in a form SQLite accepts directly.
func sqlOperator(op string) string {
	if op == "==" {
		return "="
	}
	return op
}

func sqlType(t ast.Type) string { return SQLType(t) }

// SQLType maps an expression-language type to the SQLite column/cast
// type name it lowers to: BOOLEAN and INTEGER both become "integer",
// REAL stays "real", STRING becomes "text" — the same four-way split
// the CAST rendering above and the fact-table column declarations in
// internal/emit both need.
func SQLType(t ast.Type) string {
	switch t {
	case ast.Real:
		return "real"
	case ast.Str:
		return "text"
	default:
		return "integer"
	}
}

// FindLocals returns every LocalRef name reachable from op, in
// left-to-right traversal order (duplicates included), mirroring the
// original's find_locals.
func FindLocals(op ast.Operand) []ident.Identifier {
	if _, ok := op.Literal(); ok {
		return nil
	}
	node, ok := op.AsNode()
	if !ok {
		return nil
	}
	switch n := node.(type) {
	case *ast.LocalRef:
		return []ident.Identifier{n.Name}
	case *ast.ThisRef:
		return nil
	case *ast.BinaryOp:
		return append(FindLocals(n.Lhs), FindLocals(n.Rhs)...)
	case *ast.UnaryOp:
		return FindLocals(n.Operand)
	case *ast.If:
		out := FindLocals(n.Pred)
		out = append(out, FindLocals(n.Then)...)
		return append(out, FindLocals(n.Else)...)
	case *ast.Cast:
		return FindLocals(n.Expr)
	case *ast.Function:
		var out []ident.Identifier
		for _, a := range n.Args {
			out = append(out, FindLocals(a)...)
		}
		return out
	case *ast.Join:
		return append(FindLocals(n.Lhs), FindLocals(n.Rhs)...)
	default:
		return nil
	}
}

// isConstantTest reports whether op is a BinaryOp rooted on This whose
// right-hand side touches no locals — the shape generate_predicate
// collects for alpha-pruning a row before it enters the join network.
func isConstantTest(op ast.Operand) (*ast.BinaryOp, bool) {
	node, ok := op.AsNode()
	if !ok {
		return nil, false
	}
	bin, ok := node.(*ast.BinaryOp)
	if !ok || bin.Type() != ast.Bool {
		return nil, false
	}
	if _, isThis := mustNode(bin.Lhs).(*ast.ThisRef); !isThis {
		return nil, false
	}
	if len(FindLocals(bin.Rhs)) != 0 {
		return nil, false
	}
	return bin, true
}

func mustNode(op ast.Operand) ast.Node {
	n, _ := op.AsNode()
	return n
}

func flattenJoin(op ast.Operand) []ast.Operand {
	node, ok := op.AsNode()
	if ok {
		if j, ok := node.(*ast.Join); ok {
			return j.Flatten()
		}
	}
	return []ast.Operand{op}
}

// GeneratePredicate extracts the constant-only alpha-pruning
// predicates from a match's when (flattening any Join first), sorts
// them by This field name, and renders them as a SQL conjunction
// against the "new" row. An empty when (or one with no constant
// tests) means "always true", signalled by a nil, empty slice — the
// caller decides whether that should upgrade the fact to output.
func GeneratePredicate(when ast.Operand) []string {
	if when.IsZero() {
		return nil
	}
	var tests []*ast.BinaryOp
	for _, leaf := range flattenJoin(when) {
		if bin, ok := isConstantTest(leaf); ok {
			tests = append(tests, bin)
		}
	}
	sort.SliceStable(tests, func(i, j int) bool {
		return fieldOf(tests[i]).Less(fieldOf(tests[j]))
	})
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = RenderExpression(ast.Wrap(t), "", "new")
	}
	return out
}

// GeneratePredicateSQL is the template-facing wrapper: "1" when there
// are no constant tests, else the conjunction.
func GeneratePredicateSQL(when ast.Operand) string {
	tests := GeneratePredicate(when)
	if len(tests) == 0 {
		return "1"
	}
	return strings.Join(tests, " AND ")
}

func fieldOf(bin *ast.BinaryOp) ident.Identifier {
	ref := mustNode(bin.Lhs).(*ast.ThisRef)
	return ref.Field
}

// GenerateJoin renders the equality-then-inequality conjunction for a
// match predicate, recording index demands for any materialised side
// (a frame/fact prefix that isReservedPrefix does not exempt: "",
// "new", "old" and "frame" are exempt) along the way. Returns
// ("", false) when the predicate contributes nothing renderable.
func (c *Context) GenerateJoin(when ast.Operand, framePrefix, factPrefix string, includeConstants bool) (string, bool) {
	var equalities, inequalities []*ast.BinaryOp
	for _, leaf := range flattenJoin(when) {
		node, ok := leaf.AsNode()
		if !ok {
			continue
		}
		bin, ok := node.(*ast.BinaryOp)
		if !ok || bin.Type() != ast.Bool {
			continue
		}
		if _, isThis := mustNode(bin.Lhs).(*ast.ThisRef); !isThis {
			continue
		}
		if !includeConstants {
			if _, rhsLit := bin.Rhs.Literal(); rhsLit {
				continue
			}
		}
		if bin.Op == "==" {
			equalities = append(equalities, bin)
		} else {
			inequalities = append(inequalities, bin)
		}
	}

	sort.SliceStable(equalities, func(i, j int) bool { return fieldOf(equalities[i]).Less(fieldOf(equalities[j])) })
	sort.SliceStable(inequalities, func(i, j int) bool { return fieldOf(inequalities[i]).Less(fieldOf(inequalities[j])) })

	eqText := renderAll(equalities, framePrefix, factPrefix)
	ineqText := renderAll(inequalities, framePrefix, factPrefix)

	result := eqText
	if eqText != "" && ineqText != "" {
		result += " AND "
	}
	result += ineqText
	if strings.TrimSpace(result) == "" {
		return "", false
	}

	if !isReservedPrefix(framePrefix) {
		var fields []ident.Identifier
		for _, eq := range equalities {
			fields = append(fields, FindLocals(eq.Rhs)...)
		}
		if len(inequalities) > 0 {
			fields = append(fields, FindLocals(inequalities[0].Rhs)...)
		}
		if len(fields) > 0 {
			c.Indexes.Add(ident.New(framePrefix), fields)
		}
	}

	if !isReservedPrefix(factPrefix) {
		var fields []ident.Identifier
		for _, eq := range equalities {
			fields = append(fields, fieldOf(eq))
		}
		if len(inequalities) > 0 {
			fields = append(fields, fieldOf(inequalities[0]))
		}
		if len(fields) > 0 {
			c.Indexes.Add(ident.New(factPrefix), fields)
		}
	}

	return result, true
}

// isReservedPrefix reports whether prefix names a transient alias —
// the trigger row aliases "new"/"old", the rolling join "frame" an
// emitter builds up as a derived table (see internal/emit), or no
// alias at all — rather than a materialised table an index could
// usefully be built over.
func isReservedPrefix(prefix string) bool {
	switch {
	case prefix == "":
		return true
	case strings.EqualFold(prefix, "new"), strings.EqualFold(prefix, "old"), strings.EqualFold(prefix, "frame"):
		return true
	default:
		return false
	}
}

func renderAll(tests []*ast.BinaryOp, framePrefix, factPrefix string) string {
	parts := make([]string, len(tests))
	for i, t := range tests {
		parts[i] = strings.TrimSpace(RenderExpression(ast.Wrap(t), framePrefix, factPrefix))
	}
	return strings.Join(parts, " AND ")
}

func partitionJoin(j *ast.Join, framePrefix, factPrefix string) (eq, ineq []string) {
	for _, leaf := range flattenJoin(ast.Wrap(j)) {
		node, ok := leaf.AsNode()
		if ok {
			if bin, ok := node.(*ast.BinaryOp); ok && bin.Op == "==" {
				eq = append(eq, RenderExpression(leaf, framePrefix, factPrefix))
				continue
			}
		}
		ineq = append(ineq, RenderExpression(leaf, framePrefix, factPrefix))
	}
	return eq, ineq
}
