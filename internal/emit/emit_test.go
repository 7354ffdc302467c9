package emit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

func wrap(node ast.Node) ast.Operand { return ast.Wrap(node) }

func thisRef(field string, typ ast.Type) ast.Operand {
	return wrap(&ast.ThisRef{Field: ident.New(field), Typ: typ})
}

func localRef(name string, typ ast.Type) ast.Operand {
	return wrap(&ast.LocalRef{Name: ident.New(name), Typ: typ})
}

func eq(lhs, rhs ast.Operand) ast.Operand {
	return wrap(ast.NewBinaryOp("==", lhs, rhs, ast.Bool, ""))
}

func gt(lhs, rhs ast.Operand) ast.Operand {
	return wrap(ast.NewBinaryOp(">", lhs, rhs, ast.Bool, ""))
}

func newOrderProgram(t *testing.T) *model.Program {
	t.Helper()
	prog := model.NewProgram()

	order := model.NewFact(ident.New("Order"))
	order.Fields.Set(ident.New("Total"), ast.Int)
	prog.Facts.Set(order.Name, order)

	bigOrder := model.NewFact(ident.New("BigOrder"))
	bigOrder.Fields.Set(ident.New("Total"), ast.Int)
	prog.Facts.Set(bigOrder.Name, bigOrder)

	rule := model.NewRule(ident.New("Flag"))
	entry := model.NewMatchClause(ident.New("Order"), false)
	entry.Assignments.Set(ident.New("Amount"), thisRef("Total", ast.Int))
	rule.Locals.Set(ident.New("Amount"), ast.Int)
	rule.Matches = append(rule.Matches, entry)

	rule.Kind = model.AssertRule
	rule.ProducedFact = ident.New("BigOrder")
	rule.ProducedFields.Set(ident.New("Total"), localRef("Amount", ast.Int))
	prog.Rules.Set(rule.Name, rule)

	return prog
}

func TestRenderIsDeterministic(t *testing.T) {
	prog := newOrderProgram(t)
	meta := Metadata{File: "test.rule", Description: "test", Timestamp: "2026-07-30"}

	first, err := Render(prog, meta, "rf", "pub")
	require.NoError(t, err)

	prog2 := newOrderProgram(t)
	second, err := Render(prog2, meta, "rf", "pub")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRenderEmitsFactTableAndOutputView(t *testing.T) {
	prog := model.NewProgram()
	alert := model.NewFact(ident.New("Alert"))
	alert.Fields.Set(ident.New("Message"), ast.Str)
	alert.IsOutput = true
	prog.Facts.Set(alert.Name, alert)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "CREATE TABLE rf_Alert (")
	assert.Contains(t, out, "Message text")
	assert.Contains(t, out, "CREATE VIEW pub_Alert AS SELECT * FROM rf_Alert;")
}

func TestRenderEmitsParameterTableAndSeedRow(t *testing.T) {
	prog := model.NewProgram()
	p := &model.Parameter{Name: ident.New("Threshold"), Default: ast.IntValue(3)}
	prog.Parameters.Set(p.Name, p)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "CREATE TABLE rf_Threshold (value integer);")
	assert.Contains(t, out, "INSERT INTO rf_Threshold (value) VALUES (3);")
}

func TestRenderSingleClauseRuleTriggerAssembly(t *testing.T) {
	prog := newOrderProgram(t)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "CREATE TRIGGER rf_Flag")
	assert.Contains(t, out, "AFTER INSERT ON rf_Order")
	assert.Contains(t, out, "INSERT INTO rf_BigOrder (Total)")
}

func TestRenderMultiClauseRuleBuildsRollingFrameAndIndexes(t *testing.T) {
	prog := model.NewProgram()

	order := model.NewFact(ident.New("Order"))
	order.Fields.Set(ident.New("Total"), ast.Int)
	prog.Facts.Set(order.Name, order)

	threshold := model.NewFact(ident.New("Threshold"))
	threshold.Fields.Set(ident.New("Value"), ast.Int)
	prog.Facts.Set(threshold.Name, threshold)

	bigOrder := model.NewFact(ident.New("BigOrder"))
	bigOrder.Fields.Set(ident.New("Total"), ast.Int)
	prog.Facts.Set(bigOrder.Name, bigOrder)

	rule := model.NewRule(ident.New("FlagOverThreshold"))

	entry := model.NewMatchClause(ident.New("Order"), false)
	entry.Assignments.Set(ident.New("Amount"), thisRef("Total", ast.Int))
	rule.Locals.Set(ident.New("Amount"), ast.Int)
	rule.Matches = append(rule.Matches, entry)

	second := model.NewMatchClause(ident.New("Threshold"), false)
	second.When = gt(thisRef("Value", ast.Int), localRef("Amount", ast.Int))
	rule.Matches = append(rule.Matches, second)

	rule.Kind = model.AssertRule
	rule.ProducedFact = ident.New("BigOrder")
	rule.ProducedFields.Set(ident.New("Total"), localRef("Amount", ast.Int))
	prog.Rules.Set(rule.Name, rule)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "JOIN rf_Threshold AS Threshold ON")
	assert.Contains(t, out, "CREATE INDEX rf_auto_index_1")
}

func TestRenderDistinctAssertAddsGuard(t *testing.T) {
	prog := model.NewProgram()
	alert := model.NewFact(ident.New("Alert"))
	alert.Fields.Set(ident.New("Message"), ast.Str)
	prog.Facts.Set(alert.Name, alert)

	rule := model.NewRule(ident.New("Raise"))
	entry := model.NewMatchClause(ident.New("InitialFact"), false)
	rule.Matches = append(rule.Matches, entry)
	rule.Kind = model.AssertRule
	rule.ProducedFact = ident.New("Alert")
	rule.ProducedFields.Set(ident.New("Message"), ast.Lit(ast.StrValue("hello")))
	rule.Distinct = true
	prog.Rules.Set(rule.Name, rule)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "NOT EXISTS (SELECT 1 FROM rf_Alert AS existing WHERE existing.Message =")
}

func TestRenderSuppressRuleEmitsDelete(t *testing.T) {
	prog := model.NewProgram()
	alert := model.NewFact(ident.New("Alert"))
	alert.Fields.Set(ident.New("Message"), ast.Str)
	prog.Facts.Set(alert.Name, alert)

	rule := model.NewRule(ident.New("Retract"))
	entry := model.NewMatchClause(ident.New("Alert"), false)
	rule.Matches = append(rule.Matches, entry)
	rule.Kind = model.SuppressRule
	rule.SuppressedFact = ident.New("Alert")
	rule.SuppressedWhen = eq(thisRef("Message", ast.Str), localRef("Message", ast.Str))
	prog.Rules.Set(rule.Name, rule)

	out, err := Render(prog, Metadata{File: "f", Description: "d", Timestamp: "t"}, "rf", "pub")
	require.NoError(t, err)

	assert.Contains(t, out, "DELETE FROM rf_Alert WHERE rowid IN (")
	assert.Contains(t, out, "FROM rf_Alert AS Alert")
}

func TestIndexTrailingBlockEndsWithSemicolon(t *testing.T) {
	prog := newOrderProgram(t)
	meta := Metadata{File: "f", Description: "d", Timestamp: "t"}

	out, err := Render(prog, meta, "rf", "pub")
	require.NoError(t, err)

	idx := strings.Index(out, "CREATE INDEX")
	if idx == -1 {
		return
	}
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), ";"))
}
