package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
)

func fields(names ...string) []ident.Identifier {
	out := make([]ident.Identifier, len(names))
	for i, n := range names {
		out[i] = ident.New(n)
	}
	return out
}

func leafFieldNames(t *testing.T, l Leaf) []string {
	t.Helper()
	out := make([]string, len(l.Fields))
	for i, f := range l.Fields {
		out[i] = f.Display()
	}
	return out
}

func TestIndexDemandShorterAfterLongerIsAbsorbed(t *testing.T) {
	d := NewIndexDemand()
	table := ident.New("T")
	d.Add(table, fields("a", "b"))
	d.Add(table, fields("a"))

	leaves := d.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, []string{"a", "b"}, leafFieldNames(t, leaves[0]))
}

func TestIndexDemandLongerAfterShorterSupersedes(t *testing.T) {
	d := NewIndexDemand()
	table := ident.New("T")
	d.Add(table, fields("a"))
	d.Add(table, fields("a", "b"))

	leaves := d.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, []string{"a", "b"}, leafFieldNames(t, leaves[0]))
}

func TestIndexDemandDivergingPathsBothSurvive(t *testing.T) {
	d := NewIndexDemand()
	table := ident.New("T")
	d.Add(table, fields("a", "b"))
	d.Add(table, fields("a", "c"))

	leaves := d.Leaves()
	require.Len(t, leaves, 2)
	var names [][]string
	for _, l := range leaves {
		names = append(names, leafFieldNames(t, l))
	}
	assert.Contains(t, names, []string{"a", "b"})
	assert.Contains(t, names, []string{"a", "c"})
}

func TestIndexDemandDuplicateAddsNothing(t *testing.T) {
	d := NewIndexDemand()
	table := ident.New("T")
	d.Add(table, fields("a", "b"))
	d.Add(table, fields("a", "b"))

	assert.Len(t, d.Leaves(), 1)
}

func TestIndexDemandSeparateTables(t *testing.T) {
	d := NewIndexDemand()
	d.Add(ident.New("T1"), fields("a"))
	d.Add(ident.New("T2"), fields("a"))
	assert.Len(t, d.Leaves(), 2)
}

func TestNewInitialFactIsOutputAndPreseeded(t *testing.T) {
	f := NewInitialFact()
	assert.True(t, f.IsOutput)
	typ, ok := f.Fields.Get(ident.New("InitializationTime"))
	require.True(t, ok)
	assert.Equal(t, ast.Int, typ)
}

func TestParameterImplicitFact(t *testing.T) {
	p := &Parameter{Name: ident.New("Threshold"), Default: ast.RealValue(0.5)}
	f := p.ImplicitFact()
	typ, ok := f.Fields.Get(ident.New("Value"))
	require.True(t, ok)
	assert.Equal(t, ast.Real, typ)
	assert.False(t, f.Fields.Has(ident.New("Key")))

	dict := &Parameter{Name: ident.New("Scores"), Default: ast.IntValue(0), Dictionary: true}
	df := dict.ImplicitFact()
	keyTyp, ok := df.Fields.Get(ident.New("Key"))
	require.True(t, ok)
	assert.Equal(t, ast.Str, keyTyp)
}

func TestRuleMatchesOrSuppresses(t *testing.T) {
	r := NewRule(ident.New("R1"))
	r.Matches = []MatchClause{NewMatchClause(ident.New("Fact1"), false)}
	r.Kind = AssertRule
	r.ProducedFact = ident.New("Fact2")

	matches, produces := r.MatchesOrSuppresses(ident.New("fact1"))
	assert.True(t, matches)
	assert.False(t, produces)

	matches, produces = r.MatchesOrSuppresses(ident.New("FACT2"))
	assert.False(t, matches)
	assert.True(t, produces)
}
