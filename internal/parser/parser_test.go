package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/lexer"
)

func emptyScope() lexer.Scope {
	return lexer.Scope{
		Constants:  ident.NewMap[ast.Value](),
		ThisFields: ident.NewMap[ast.Type](),
		Locals:     ident.NewMap[ast.Type](),
	}
}

func parse(t *testing.T, expr string, opts Options) (ast.Operand, []error) {
	t.Helper()
	p := New("test.rule", expr, emptyScope(), opts)
	op, errs := p.Parse()
	var out []error
	for _, e := range errs {
		out = append(out, e)
	}
	return op, out
}

func TestArithmeticFoldsToLiteral(t *testing.T) {
	op, errs := parse(t, "1 + 2 * 3", Options{})
	require.Empty(t, errs)
	require.True(t, op.IsLiteral())
	v, _ := op.Literal()
	assert.Equal(t, int64(7), v.I)
}

func TestPrecedenceOfLogicalOperators(t *testing.T) {
	// && binds tighter than ||
	op, errs := parse(t, "false || true && true", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.True(t, v.B)
}

func TestDivisionByZeroIsError(t *testing.T) {
	_, errs := parse(t, "1 / 0", Options{})
	require.NotEmpty(t, errs)
}

func TestMixedTypeArithmeticIsError(t *testing.T) {
	_, errs := parse(t, "1 + 2.0", Options{})
	require.NotEmpty(t, errs)
}

func TestStringConcatenation(t *testing.T) {
	op, errs := parse(t, "'foo' . 'bar'", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.Equal(t, "foobar", v.S)
}

func TestIfBuiltinFoldsOnLiteralPredicate(t *testing.T) {
	op, errs := parse(t, "if(true, 1, 2)", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.Equal(t, int64(1), v.I)
}

func TestIfBuiltinRequiresMatchingBranchTypes(t *testing.T) {
	_, errs := parse(t, "if(true, 1, 'x')", Options{})
	require.NotEmpty(t, errs)
}

func TestStringOfBoolFoldsToCapitalisedForm(t *testing.T) {
	op, errs := parse(t, "string_of_bool(true)", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.Equal(t, "True", v.S)
}

func TestIntOfStringFoldFailureIsError(t *testing.T) {
	_, errs := parse(t, "int_of_string('not a number')", Options{})
	require.NotEmpty(t, errs)
}

func TestAndOperatorRequiresMatchContext(t *testing.T) {
	_, errs := parse(t, "true and false", Options{InMatchContext: false})
	require.NotEmpty(t, errs)

	op, errs := parse(t, "true and false", Options{InMatchContext: true})
	require.Empty(t, errs)
	_, isNode := op.AsNode()
	assert.True(t, isNode, "and must never fold, even for literal operands")
}

func TestLikeOperatorFolding(t *testing.T) {
	op, errs := parse(t, "'hello world' like 'hello%'", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.True(t, v.B)
}

func TestRegexpOperatorRequiresFlag(t *testing.T) {
	_, errs := parse(t, "'abc' ~ 'a.c'", Options{AllowRegexp: false})
	require.NotEmpty(t, errs)

	op, errs := parse(t, "'abc' ~ 'a.c'", Options{AllowRegexp: true})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.True(t, v.B)
}

func TestUnknownFunctionIsError(t *testing.T) {
	_, errs := parse(t, "frobnicate(1)", Options{})
	require.NotEmpty(t, errs)
}

func TestExternalFunctionCallBuildsNode(t *testing.T) {
	funcs := ident.NewMap[FunctionSig]()
	funcs.Set(ident.New("score"), FunctionSig{ExternalSymbol: "Score", Params: []ast.Type{ast.Int}, Returns: ast.Real})
	op, errs := parse(t, "score(1)", Options{Functions: funcs})
	require.Empty(t, errs)
	node, ok := op.AsNode()
	require.True(t, ok, "external calls never fold")
	fn, ok := node.(*ast.Function)
	require.True(t, ok)
	assert.Equal(t, "Score", fn.ExternalSymbol)
	assert.Equal(t, ast.Real, fn.Returns)
}

func TestUnaryMinusFolds(t *testing.T) {
	op, errs := parse(t, "-5", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.Equal(t, int64(-5), v.I)
}

func TestParenthesesOverridePrecedence(t *testing.T) {
	op, errs := parse(t, "(1 + 2) * 3", Options{})
	require.Empty(t, errs)
	v, ok := op.Literal()
	require.True(t, ok)
	assert.Equal(t, int64(9), v.I)
}

func TestTrailingGarbageIsError(t *testing.T) {
	_, errs := parse(t, "1 + 2 3", Options{})
	require.NotEmpty(t, errs)
}
