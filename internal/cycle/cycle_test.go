package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

func assertRule(name, produces string, matches ...string) *model.Rule {
	r := model.NewRule(ident.New(name))
	r.Kind = model.AssertRule
	r.ProducedFact = ident.New(produces)
	for _, m := range matches {
		r.Matches = append(r.Matches, model.NewMatchClause(ident.New(m), false))
	}
	return r
}

func TestNoCycleOnDAG(t *testing.T) {
	p := model.NewProgram()
	p.Rules.Set(ident.New("A"), assertRule("A", "F1"))
	p.Rules.Set(ident.New("B"), assertRule("B", "F2", "F1"))
	assert.Nil(t, Check(p))
}

func TestDetectsThreeRuleCycle(t *testing.T) {
	p := model.NewProgram()
	p.Rules.Set(ident.New("A"), assertRule("A", "F", "H"))
	p.Rules.Set(ident.New("B"), assertRule("B", "G", "F"))
	p.Rules.Set(ident.New("C"), assertRule("C", "H", "G"))
	cyc := Check(p)
	require.NotNil(t, cyc)
	assert.GreaterOrEqual(t, len(cyc), 3)
}

func TestSelfCycle(t *testing.T) {
	p := model.NewProgram()
	p.Rules.Set(ident.New("A"), assertRule("A", "F", "F"))
	cyc := Check(p)
	require.NotNil(t, cyc)
}
