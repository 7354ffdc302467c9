package lower

import (
	"fmt"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

// RewriteSyntheticAssignments hoists a compound, local-referencing
// subexpression out of a match clause's When (the right-hand side of a
// This-rooted test) into a synthetic local bound on the nearest
// preceding clause, leaving the test itself a plain local comparison —
// the shape the join/predicate renderer turns into a cheap equality or
// inequality test instead of re-evaluating the compound expression at
// render time.
//
// This is grounded on the original backend's synthetic-assignment
// pass (generate_synthetic_assignment / immediate_substitute in
// original_source/giles/sqlite_backend.py) but deliberately does not
// reproduce its two flagged issues (§9 design notes): rather than
// mutating AST nodes in place, every rewritten subtree here is newly
// constructed (substituteLocal never modifies an existing node); and
// rather than indexing "two clauses back" by raw list arithmetic, the
// insertion point and the bindings it inlines are found by walking
// backward over the rule's own clause chain for the nearest clause
// whose Assignments actually bind the name in question.
//
// The clause chain scanned is the rule's positive Matches followed by
// its InvertedMatches, matching sqlite_backend.py's own
// chain(rule["matches"][i+1:], rule["inverted_matches"]) traversal
// (spec.md §4.6): a MatchNone clause's own When is a rewrite target
// here exactly as a MatchAll clause's is, not merely a binding source
// for later clauses.
func RewriteSyntheticAssignments(rule *model.Rule) {
	synth := 0
	total := len(rule.Matches) + len(rule.InvertedMatches)
	for idx := 0; idx < total; idx++ {
		clause := clauseAt(rule, idx)
		if clause.When.IsZero() {
			continue
		}
		if rewritten, changed := hoistCompoundLocals(rule, idx, clause.When, &synth); changed {
			clause.When = rewritten
		}
	}
}

// clauseAt returns the clause at position idx in the rule's combined
// clause chain: positive Matches first, then InvertedMatches.
func clauseAt(rule *model.Rule, idx int) *model.MatchClause {
	if idx < len(rule.Matches) {
		return &rule.Matches[idx]
	}
	return &rule.InvertedMatches[idx-len(rule.Matches)]
}

func hoistCompoundLocals(rule *model.Rule, chainIdx int, when ast.Operand, synth *int) (ast.Operand, bool) {
	node, ok := when.AsNode()
	if !ok {
		return when, false
	}
	switch n := node.(type) {
	case *ast.BinaryOp:
		if _, isThis := mustNode(n.Lhs).(*ast.ThisRef); isThis && n.Type() == ast.Bool {
			if len(FindLocals(n.Rhs)) > 0 {
				if newRhs, changed := hoistExpr(rule, chainIdx, n.Rhs, synth); changed {
					return ast.Wrap(&ast.BinaryOp{Op: n.Op, Lhs: n.Lhs, Rhs: newRhs, Typ: n.Typ, DisplayName: n.DisplayName}), true
				}
			}
			return when, false
		}
		lhs, lchanged := hoistCompoundLocals(rule, chainIdx, n.Lhs, synth)
		rhs, rchanged := hoistCompoundLocals(rule, chainIdx, n.Rhs, synth)
		if lchanged || rchanged {
			return ast.Wrap(&ast.BinaryOp{Op: n.Op, Lhs: lhs, Rhs: rhs, Typ: n.Typ, DisplayName: n.DisplayName}), true
		}
		return when, false
	case *ast.Join:
		lhs, lchanged := hoistCompoundLocals(rule, chainIdx, n.Lhs, synth)
		rhs, rchanged := hoistCompoundLocals(rule, chainIdx, n.Rhs, synth)
		if lchanged || rchanged {
			return ast.Wrap(&ast.Join{Lhs: lhs, Rhs: rhs}), true
		}
		return when, false
	default:
		return when, false
	}
}

// hoistExpr binds expr (already confirmed to touch at least one local)
// to a freshly named synthetic local on the nearest clause before
// chainIdx in the combined clause chain whose Assignments bind one of
// the locals expr references, after inlining any local references expr
// itself makes into whatever those locals were bound to. A bare local
// reference is left untouched — there is nothing to hoist. The first
// clause in the chain has no predecessor to bind into, and an expr
// none of whose locals is bound by a preceding clause has no binding
// clause, so both are left untouched too.
func hoistExpr(rule *model.Rule, chainIdx int, expr ast.Operand, synth *int) (ast.Operand, bool) {
	if chainIdx == 0 || isBareLocalRef(expr) {
		return expr, false
	}
	target := -1
	for _, local := range FindLocals(expr) {
		for i := chainIdx - 1; i > target; i-- {
			if _, ok := clauseAt(rule, i).Assignments.Get(local); ok {
				target = i
				break
			}
		}
	}
	if target < 0 {
		return expr, false
	}
	inlined := inlineBindings(rule, chainIdx, expr)
	name := ident.New(fmt.Sprintf("_synth%d", *synth))
	*synth++
	prev := clauseAt(rule, target)
	prev.Assignments.Set(name, inlined)
	rule.Locals.Set(name, inlined.Type())
	return ast.Wrap(&ast.LocalRef{Name: name, Typ: inlined.Type()}), true
}

func isBareLocalRef(op ast.Operand) bool {
	node, ok := op.AsNode()
	if !ok {
		return false
	}
	_, ok = node.(*ast.LocalRef)
	return ok
}

// inlineBindings substitutes every local expr references with the
// expression currently bound to that name in the nearest preceding
// clause of the combined chain (positive Matches then
// InvertedMatches, nearest first), leaving references with no known
// binding alone.
func inlineBindings(rule *model.Rule, chainIdx int, expr ast.Operand) ast.Operand {
	out := expr
	for _, name := range FindLocals(expr) {
		if bound, ok := findBinding(rule, chainIdx, name); ok {
			out = substituteLocal(out, name, bound)
		}
	}
	return out
}

func findBinding(rule *model.Rule, beforeIdx int, name ident.Identifier) (ast.Operand, bool) {
	for i := beforeIdx - 1; i >= 0; i-- {
		if v, ok := clauseAt(rule, i).Assignments.Get(name); ok {
			return v, true
		}
	}
	return ast.Operand{}, false
}

// substituteLocal returns a new tree with every LocalRef named name
// replaced by replacement. It never modifies op or any of its
// descendants — every node on a changed path is rebuilt fresh, so a
// subtree shared by more than one clause is never silently altered out
// from under its other owner.
func substituteLocal(op ast.Operand, name ident.Identifier, replacement ast.Operand) ast.Operand {
	if _, ok := op.Literal(); ok {
		return op
	}
	node, ok := op.AsNode()
	if !ok {
		return op
	}
	switch n := node.(type) {
	case *ast.LocalRef:
		if n.Name.Equal(name) {
			return replacement
		}
		return op
	case *ast.ThisRef:
		return op
	case *ast.BinaryOp:
		return ast.Wrap(&ast.BinaryOp{
			Op: n.Op, Lhs: substituteLocal(n.Lhs, name, replacement), Rhs: substituteLocal(n.Rhs, name, replacement),
			Typ: n.Typ, DisplayName: n.DisplayName,
		})
	case *ast.UnaryOp:
		return ast.Wrap(&ast.UnaryOp{Op: n.Op, Operand: substituteLocal(n.Operand, name, replacement), Typ: n.Typ, DisplayName: n.DisplayName})
	case *ast.If:
		return ast.Wrap(&ast.If{
			Pred: substituteLocal(n.Pred, name, replacement), Then: substituteLocal(n.Then, name, replacement),
			Else: substituteLocal(n.Else, name, replacement), Typ: n.Typ,
		})
	case *ast.Cast:
		return ast.Wrap(&ast.Cast{Expr: substituteLocal(n.Expr, name, replacement), Target: n.Target})
	case *ast.Function:
		args := make([]ast.Operand, len(n.Args))
		for i, a := range n.Args {
			args[i] = substituteLocal(a, name, replacement)
		}
		return ast.Wrap(&ast.Function{Name: n.Name, ExternalSymbol: n.ExternalSymbol, Returns: n.Returns, Args: args})
	case *ast.Join:
		return ast.Wrap(&ast.Join{Lhs: substituteLocal(n.Lhs, name, replacement), Rhs: substituteLocal(n.Rhs, name, replacement)})
	default:
		return op
	}
}
