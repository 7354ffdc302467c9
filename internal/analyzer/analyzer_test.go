package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/doc"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/model"
)

func analyze(t *testing.T, src string, opts Options) (*model.Program, []*diagnostics.DiagnosticError) {
	t.Helper()
	raw, derr := doc.Decode("test.rule", []byte(src))
	require.Nil(t, derr)
	d, verr := doc.Validate("test.rule", raw)
	require.Nil(t, verr)
	return Analyze("test.rule", d, opts)
}

func TestConstantFoldsAndFeedsProducedField(t *testing.T) {
	program, errs := analyze(t, `
Constants:
  Limit: !expr "10 + 5"
Facts:
  Widget:
    Count: INTEGER
Rules:
  R1:
    MatchAll:
      - Fact: InitialFact
    Assert:
      Fact: Widget
      Fields:
        Count: !expr "Constants.Limit"
`, Options{})
	require.Empty(t, errs)

	limit, ok := program.Constants.Get(ident.New("Limit"))
	require.True(t, ok)
	assert.Equal(t, ast.IntValue(15), limit)

	rule, ok := program.Rules.Get(ident.New("R1"))
	require.True(t, ok)
	field, ok := rule.ProducedFields.Get(ident.New("Count"))
	require.True(t, ok)
	lit, ok := field.Literal()
	require.True(t, ok)
	assert.Equal(t, int64(15), lit.I)
}

func TestParameterRejectsOutOfRangeDefault(t *testing.T) {
	_, errs := analyze(t, `
Parameters:
  Threshold:
    Default: 10
    Lower: 0
    Upper: 5
`, Options{})
	require.NotEmpty(t, errs)
	assert.Equal(t, diagnostics.ErrS012, errs[0].Code)
}

func TestParameterCreatesImplicitFact(t *testing.T) {
	program, errs := analyze(t, `
Parameters:
  Threshold:
    Default: 3
    Lower: 0
    Upper: 10
Facts:
  Seen:
    Level: INTEGER
Rules:
  Observe:
    MatchAll:
      - Fact: Threshold
    Assert:
      Fact: Seen
      Fields:
        Level: 1
`, Options{})
	require.Empty(t, errs)

	param, ok := program.Parameters.Get(ident.New("Threshold"))
	require.True(t, ok)
	assert.Equal(t, int64(3), param.Default.I)

	fact, ok := program.Facts.Get(ident.New("Threshold"))
	require.True(t, ok)
	assert.Equal(t, 1, fact.Fields.Len())
}

func TestEmptyRuleSetIsError(t *testing.T) {
	_, errs := analyze(t, `Description: nothing here`, Options{})
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Code == diagnostics.ErrS009 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUnmatchedProducedFactBecomesOutput(t *testing.T) {
	program, errs := analyze(t, `
Facts:
  Alert:
    Message: STRING
Rules:
  Raise:
    MatchAll:
      - Fact: InitialFact
    Assert:
      Fact: Alert
      Fields:
        Message: "hello"
`, Options{})
	require.Empty(t, errs)
	fact, ok := program.Facts.Get(ident.New("Alert"))
	require.True(t, ok)
	assert.True(t, fact.IsOutput)
}

func TestSuppressingDistinctFactIsError(t *testing.T) {
	_, errs := analyze(t, `
Facts:
  Alert:
    Message: STRING
Rules:
  Raise:
    MatchAll:
      - Fact: InitialFact
    Assert: !distinct
      Fact: Alert
      Fields:
        Message: "hello"
  Retract:
    MatchAll:
      - Fact: Alert
    Suppress:
      Fact: Alert
      When: !expr "This.Message == \"hello\""
`, Options{})
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Code == diagnostics.ErrS008 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDependencyCycleIsDetected(t *testing.T) {
	_, errs := analyze(t, `
Facts:
  F:
    N: INTEGER
  G:
    N: INTEGER
Rules:
  A:
    MatchAll:
      - Fact: G
    Assert:
      Fact: F
      Fields:
        N: 1
  B:
    MatchAll:
      - Fact: F
    Assert:
      Fact: G
      Fields:
        N: 1
`, Options{})
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Code == diagnostics.ErrS010 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDisableCyclesSkipsCheck(t *testing.T) {
	_, errs := analyze(t, `
Facts:
  F:
    N: INTEGER
  G:
    N: INTEGER
Rules:
  A:
    MatchAll:
      - Fact: G
    Assert:
      Fact: F
      Fields:
        N: 1
  B:
    MatchAll:
      - Fact: F
    Assert:
      Fact: G
      Fields:
        N: 1
`, Options{DisableCycles: true})
	for _, e := range errs {
		assert.NotEqual(t, diagnostics.ErrS010, e.Code)
	}
}

func TestUnassignedFieldIsError(t *testing.T) {
	_, errs := analyze(t, `
Facts:
  Widget:
    Name: STRING
    Count: INTEGER
Rules:
  R1:
    MatchAll:
      - Fact: InitialFact
    Assert:
      Fact: Widget
      Fields:
        Name: "x"
`, Options{})
	require.NotEmpty(t, errs)
	assert.Equal(t, diagnostics.ErrS005, errs[0].Code)
}

func TestMatchWithJoinPredicate(t *testing.T) {
	program, errs := analyze(t, `
Facts:
  Order:
    Total: INTEGER
  BigOrder:
    Total: INTEGER
Rules:
  Flag:
    MatchAll:
      - Fact: Order
        Assign:
          Amount: !expr "This.Total"
      - Fact: Order
        When: !expr "This.Total > Locals.Amount"
    Assert:
      Fact: BigOrder
      Fields:
        Total: !expr "Locals.Amount"
`, Options{})
	require.Empty(t, errs)
	rule, ok := program.Rules.Get(ident.New("Flag"))
	require.True(t, ok)
	assert.Len(t, rule.Matches, 2)
}

func TestNegativeMatchCannotBindAssignments(t *testing.T) {
	_, errs := analyze(t, `
Facts:
  Alert:
    Message: STRING
Rules:
  R1:
    MatchNone:
      - Fact: Alert
        Assign:
          Msg: !expr "This.Message"
    Assert:
      Fact: Alert
      Fields:
        Message: "hello"
`, Options{})
	require.NotEmpty(t, errs)
	assert.Equal(t, diagnostics.ErrS013, errs[0].Code)
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	program, errs := analyze(t, `
Facts:
  Alert:
    Message: STRING
Rules:
  Raise:
    Enabled: false
    MatchAll:
      - Fact: InitialFact
    Assert:
      Fact: Alert
      Fields:
        Message: "hello"
`, Options{})
	require.NotEmpty(t, errs)
	assert.False(t, program.Rules.Has(ident.New("Raise")))
}
