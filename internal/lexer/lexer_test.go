package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/token"
)

func emptyScope() Scope {
	return Scope{
		Constants:  ident.NewMap[ast.Value](),
		ThisFields: ident.NewMap[ast.Type](),
		Locals:     ident.NewMap[ast.Type](),
	}
}

func tokensOf(t *testing.T, expr string, scope Scope) []token.Token {
	t.Helper()
	l := New("test.rule", expr, scope)
	var out []token.Token
	for {
		tok, err := l.NextToken()
		require.Nil(t, err, "unexpected lexer error: %v", err)
		out = append(out, tok)
		if tok.Type == token.EOF {
			return out
		}
	}
}

func TestNumbersAndOperators(t *testing.T) {
	toks := tokensOf(t, "1 + 2 * 3", emptyScope())
	types := []token.Type{token.INT, token.OP_PLUS, token.INT, token.OP_STAR, token.INT, token.EOF}
	require.Len(t, toks, len(types))
	for i, want := range types {
		assert.Equal(t, want, toks[i].Type)
	}
}

func TestRealLiteral(t *testing.T) {
	toks := tokensOf(t, "3.14", emptyScope())
	require.Len(t, toks, 2)
	v := toks[0].Literal.(ast.Value)
	assert.Equal(t, ast.Real, v.Typ)
	assert.InDelta(t, 3.14, v.R, 1e-9)
}

func TestKeywordsBecomeOperators(t *testing.T) {
	toks := tokensOf(t, "true and false", emptyScope())
	require.Len(t, toks, 4)
	assert.Equal(t, token.BOOL, toks[0].Type)
	assert.Equal(t, token.OP_AND, toks[1].Type)
	assert.Equal(t, token.BOOL, toks[2].Type)
}

func TestFunctionNameToken(t *testing.T) {
	scope := emptyScope()
	scope.Locals.Set(ident.New("x"), ast.Int)
	toks := tokensOf(t, "string_of_int(Locals.x)", scope)
	assert.Equal(t, token.FUNCTION, toks[0].Type)
	assert.Equal(t, "string_of_int", toks[0].Lexeme)
}

func TestConstantReferenceResolvesToLiteral(t *testing.T) {
	scope := emptyScope()
	scope.Constants.Set(ident.New("X"), ast.IntValue(7))
	toks := tokensOf(t, "Constants.X", scope)
	require.Equal(t, token.INT, toks[0].Type)
	v := toks[0].Literal.(ast.Value)
	assert.Equal(t, int64(7), v.I)
}

func TestUnknownConstantIsError(t *testing.T) {
	l := New("test.rule", "Constants.Missing", emptyScope())
	_, err := l.NextToken()
	require.NotNil(t, err)
	assert.Equal(t, "T001", err.Code)
}

func TestThisFieldResolution(t *testing.T) {
	scope := emptyScope()
	scope.ThisFields.Set(ident.New("Amount"), ast.Real)
	toks := tokensOf(t, "This.Amount", scope)
	require.Equal(t, token.THIS_REF, toks[0].Type)
	ref := toks[0].Literal.(Ref)
	assert.Equal(t, "Amount", ref.Name.Display())
	assert.Equal(t, ast.Real, ref.Typ)
}

func TestCharacterReference(t *testing.T) {
	toks := tokensOf(t, "$41", emptyScope())
	v := toks[0].Literal.(ast.Value)
	assert.Equal(t, "A", v.S)
}

func TestCommentIsSkipped(t *testing.T) {
	toks := tokensOf(t, "1 # trailing comment\n+ 2", emptyScope())
	types := []token.Type{token.INT, token.OP_PLUS, token.INT, token.EOF}
	require.Len(t, toks, len(types))
}

func TestUnterminatedStringIsError(t *testing.T) {
	l := New("test.rule", "'abc", emptyScope())
	_, err := l.NextToken()
	require.NotNil(t, err)
	assert.Equal(t, "T001", err.Code)
}
