// Package cycle finds cycles in the rule-dependency graph: rule A has
// an edge to rule B if B matches (positively or negatively) a fact
// that A produces or suppresses. A classic iterative DFS carrying a
// live stack and a pending set finds a cycle in one pass without the
// recursion depth risk a recursive walk would carry for a
// pathologically long rule chain.
package cycle

import (
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

// frame is one stack entry of the iterative DFS: the rule at this
// position and an index into its outgoing-edge list, so resuming a
// partially explored node doesn't require recomputing its edges.
type frame struct {
	rule  ident.Identifier
	edges []ident.Identifier
	next  int
}

// Check builds the rule-dependency graph from program and returns the
// node list of a cycle (starting at the repeated node) if one exists,
// or nil if the graph is a DAG.
func Check(program *model.Program) []ident.Identifier {
	graph := buildGraph(program)

	visited := ident.NewMap[bool]()
	onStack := ident.NewMap[bool]()

	for _, start := range program.Rules.Keys() {
		if visited.Has(start) {
			continue
		}
		if cyc := dfs(start, graph, visited, onStack); cyc != nil {
			return cyc
		}
	}
	return nil
}

func dfs(start ident.Identifier, graph *ident.Map[[]ident.Identifier], visited, onStack *ident.Map[bool]) []ident.Identifier {
	edges, _ := graph.Get(start)
	stack := []frame{{rule: start, edges: edges}}
	onStack.Set(start, true)
	visited.Set(start, true)

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.edges) {
			onStack.Delete(top.rule)
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.edges[top.next]
		top.next++

		if onStack.Has(next) {
			return cycleSuffix(stack, next)
		}
		if visited.Has(next) {
			continue
		}
		visited.Set(next, true)
		onStack.Set(next, true)
		nextEdges, _ := graph.Get(next)
		stack = append(stack, frame{rule: next, edges: nextEdges})
	}
	return nil
}

// cycleSuffix returns the path from the stack entry matching repeated
// down to the top of the stack, with repeated appended again at the
// end so the cycle is visibly closed.
func cycleSuffix(stack []frame, repeated ident.Identifier) []ident.Identifier {
	start := 0
	for i, f := range stack {
		if f.rule.Equal(repeated) {
			start = i
			break
		}
	}
	out := make([]ident.Identifier, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		out = append(out, f.rule)
	}
	out = append(out, repeated)
	return out
}

// buildGraph maps each rule name to the names of rules it has an edge
// to: A -> B whenever B matches (positively or negatively) a fact
// that A produces or suppresses.
func buildGraph(program *model.Program) *ident.Map[[]ident.Identifier] {
	// producers[fact] = rules that assert or suppress fact.
	producers := ident.NewMap[[]ident.Identifier]()
	for _, name := range program.Rules.Keys() {
		rule, _ := program.Rules.Get(name)
		var target ident.Identifier
		switch rule.Kind {
		case model.AssertRule:
			target = rule.ProducedFact
		case model.SuppressRule:
			target = rule.SuppressedFact
		}
		existing, _ := producers.Get(target)
		producers.Set(target, append(existing, name))
	}

	graph := ident.NewMap[[]ident.Identifier]()
	for _, name := range program.Rules.Keys() {
		graph.Set(name, nil)
	}
	for _, name := range program.Rules.Keys() {
		rule, _ := program.Rules.Get(name)
		seen := ident.NewMap[bool]()
		addEdgesFor := func(fact ident.Identifier) {
			for _, producer := range producersFor(producers, fact) {
				if seen.Has(producer) {
					continue
				}
				seen.Set(producer, true)
				existing, _ := graph.Get(producer)
				graph.Set(producer, append(existing, name))
			}
		}
		for _, m := range rule.Matches {
			addEdgesFor(m.Fact)
		}
		for _, m := range rule.InvertedMatches {
			addEdgesFor(m.Fact)
		}
	}
	return graph
}

func producersFor(producers *ident.Map[[]ident.Identifier], fact ident.Identifier) []ident.Identifier {
	out, _ := producers.Get(fact)
	return out
}
