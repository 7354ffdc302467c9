// Package model is the typed rule intermediate representation built by
// internal/analyzer from a validated document: facts, parameters,
// external functions, and rules, plus the per-table index-demand trie
// consumed by internal/emit. The analyzer builds a Program; the emit
// stage then changes it in place, adding synthetic assignments to rule
// clauses and marking always-true-matched facts as output.
package model

import (
	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
)

// InitialFactName and InitializationTimeField name the one fact every
// program carries implicitly, regardless of what the document
// declares.
const (
	InitialFactName            = "InitialFact"
	InitializationTimeField    = "InitializationTime"
	implicitValueField         = "Value"
	implicitDictionaryKeyField = "Key"
)

// Fact is a named, ordered mapping from field name to type tag.
type Fact struct {
	Name     ident.Identifier
	Fields   *ident.Map[ast.Type]
	IsOutput bool
}

// NewFact creates an empty fact declaration.
func NewFact(name ident.Identifier) *Fact {
	return &Fact{Name: name, Fields: ident.NewMap[ast.Type]()}
}

// NewInitialFact builds the distinguished InitialFact that every
// program carries, pre-seeded and always output.
func NewInitialFact() *Fact {
	f := NewFact(ident.New(InitialFactName))
	f.Fields.Set(ident.New(InitializationTimeField), ast.Int)
	f.IsOutput = true
	return f
}

// Parameter is a tunable configuration fact: a default literal, an
// optional numeric range, and whether it is keyed (a dictionary of
// values rather than a single scalar).
type Parameter struct {
	Name       ident.Identifier
	Default    ast.Value
	Lower      *ast.Value
	Upper      *ast.Value
	Dictionary bool
}

// ImplicitFact synthesises the fact a parameter always defines: one
// field Value of the parameter's type, plus Key:Str when the
// parameter is a dictionary.
func (p *Parameter) ImplicitFact() *Fact {
	f := NewFact(p.Name)
	f.Fields.Set(ident.New(implicitValueField), p.Default.Typ)
	if p.Dictionary {
		f.Fields.Set(ident.New(implicitDictionaryKeyField), ast.Str)
	}
	return f
}

// ExternalFunction is a function declared by the document and
// implemented outside the compiler; only its signature matters here.
type ExternalFunction struct {
	Name           ident.Identifier
	ExternalSymbol string
	Params         []ast.Type
	Returns        ast.Type
}

// MatchClause is one positive or negative fact pattern inside a rule.
type MatchClause struct {
	Fact        ident.Identifier
	Meaning     string
	When        ast.Operand // zero Operand if the clause has no guard
	Assignments *ident.Map[ast.Operand]
	Negative    bool
}

// NewMatchClause returns a clause with an initialised, empty
// assignment map.
func NewMatchClause(fact ident.Identifier, negative bool) MatchClause {
	return MatchClause{Fact: fact, Assignments: ident.NewMap[ast.Operand](), Negative: negative}
}

// RuleKind distinguishes the two things a rule body can do.
type RuleKind int

const (
	AssertRule RuleKind = iota
	SuppressRule
)

// Rule is one fully analysed rule: its match clauses, its guard, and
// exactly one of an assertion or a suppression body, selected by Kind.
type Rule struct {
	Name            ident.Identifier
	Locals          *ident.Map[ast.Type]
	Matches         []MatchClause
	InvertedMatches []MatchClause
	Description     string
	FinalPredicate  ast.Operand
	Metadata        map[string]string

	Kind RuleKind

	// Assert fields (Kind == AssertRule).
	ProducedFact   ident.Identifier
	ProducedFields *ident.Map[ast.Operand]
	Distinct       bool

	// Suppress fields (Kind == SuppressRule).
	SuppressedFact ident.Identifier
	SuppressedWhen ast.Operand
}

// NewRule returns a rule with its map fields initialised.
func NewRule(name ident.Identifier) *Rule {
	return &Rule{
		Name:           name,
		Locals:         ident.NewMap[ast.Type](),
		ProducedFields: ident.NewMap[ast.Operand](),
	}
}

// MatchesOrSuppresses reports whether the rule references fact,
// positively, negatively, by production, or by suppression.
func (r *Rule) MatchesOrSuppresses(fact ident.Identifier) (matches, produces bool) {
	for _, m := range r.Matches {
		if m.Fact.Equal(fact) {
			matches = true
		}
	}
	for _, m := range r.InvertedMatches {
		if m.Fact.Equal(fact) {
			matches = true
		}
	}
	if r.Kind == AssertRule && r.ProducedFact.Equal(fact) {
		produces = true
	}
	if r.Kind == SuppressRule && r.SuppressedFact.Equal(fact) {
		produces = true
	}
	return matches, produces
}

// Program is the complete, analysed rule set ready for lowering and
// emission.
type Program struct {
	Functions *ident.Map[ExternalFunction]
	Constants *ident.Map[ast.Value]
	Facts     *ident.Map[*Fact]
	Parameters *ident.Map[*Parameter]
	Rules     *ident.Map[*Rule]

	// DistinctFacts is the set of facts produced via !distinct; a
	// suppress rule targeting one of these is a compile error (§3
	// invariant 6).
	DistinctFacts *ident.Map[bool]
}

// NewProgram returns an empty Program with InitialFact already
// present, as every program carries it regardless of what the
// document declares.
func NewProgram() *Program {
	p := &Program{
		Functions:     ident.NewMap[ExternalFunction](),
		Constants:     ident.NewMap[ast.Value](),
		Facts:         ident.NewMap[*Fact](),
		Parameters:    ident.NewMap[*Parameter](),
		Rules:         ident.NewMap[*Rule](),
		DistinctFacts: ident.NewMap[bool](),
	}
	initial := NewInitialFact()
	p.Facts.Set(initial.Name, initial)
	return p
}

// demandNode is one node of a per-table index-demand trie: Terminal
// marks a node as the end of a currently-live (non-subsumed) demand
// path. Adding a longer demand down an existing path clears Terminal
// on every node it passes through, since the new, longer index
// subsumes any leftmost-prefix use the shorter one served; adding a
// demand that stops short of an already-extended path leaves the
// longer one's Terminal mark untouched and sets nothing new.
type demandNode struct {
	children *ident.Map[*demandNode]
	terminal bool
}

func newDemandNode() *demandNode {
	return &demandNode{children: ident.NewMap[*demandNode]()}
}

// IndexDemand accumulates the field-order index requests discovered
// while lowering joins, one trie per table.
type IndexDemand struct {
	tables *ident.Map[*demandNode]
}

// NewIndexDemand returns an empty index-demand tree.
func NewIndexDemand() *IndexDemand {
	return &IndexDemand{tables: ident.NewMap[*demandNode]()}
}

// Add records a demand for an index over table covering fields in
// order. A demand that is a prefix of one already recorded adds
// nothing; a demand that extends one already recorded supersedes it.
func (d *IndexDemand) Add(table ident.Identifier, fields []ident.Identifier) {
	root, ok := d.tables.Get(table)
	if !ok {
		root = newDemandNode()
		d.tables.Set(table, root)
	}
	node := root
	for _, f := range fields {
		node.terminal = false
		child, ok := node.children.Get(f)
		if !ok {
			child = newDemandNode()
			node.children.Set(f, child)
		}
		node = child
	}
	if node.children.Len() == 0 {
		node.terminal = true
	}
}

// Leaf is one surviving, non-subsumed index demand.
type Leaf struct {
	Table  ident.Identifier
	Fields []ident.Identifier
}

// Leaves walks every table's trie depth-first in insertion order,
// returning one Leaf per terminal node — the deterministic emission
// order the schema emitter relies on for byte-identical output across
// repeated compilations of the same program.
func (d *IndexDemand) Leaves() []Leaf {
	var out []Leaf
	for _, table := range d.tables.Keys() {
		root, _ := d.tables.Get(table)
		var path []ident.Identifier
		var walk func(n *demandNode)
		walk = func(n *demandNode) {
			if n.terminal {
				cp := make([]ident.Identifier, len(path))
				copy(cp, path)
				out = append(out, Leaf{Table: table, Fields: cp})
			}
			for _, key := range n.children.Keys() {
				child, _ := n.children.Get(key)
				path = append(path, key)
				walk(child)
				path = path[:len(path)-1]
			}
		}
		walk(root)
	}
	return out
}
