// Package parser implements the expression parser: an
// operator-precedence (Pratt) parser over the token stream produced
// by internal/lexer, building a typed, constant-folded expression
// tree per internal/ast's Operand sum type.
//
// Precedence table (higher binds tighter), exactly as declared by the
// language:
//
//	40  &&
//	30  ||
//	20  * / % .
//	10  + -
//	5   == != < <= > >= ~ !~ like unlike
//	0   and            (reifies to a Join; valid only in match context)
//	98  unary + - not
//
// All operators are left-associative; unary operators bind to a single
// operand. There is no implicit coercion: every operator and function
// application is checked against an explicit, enumerated set of
// accepted type tuples, and any expression whose leaves are entirely
// literal is folded to a literal rather than represented as a Node —
// the "operator overloading for AST construction" design note becomes,
// here, an explicit apply-or-fold function per operator rather than a
// dynamically dispatched method.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/lexer"
	"github.com/ruleforge/ruleforge/internal/token"
)

// FunctionSig describes a user-declared external function as known to
// the parser: its parameter types (exact match required, no
// overloading) and return type.
type FunctionSig struct {
	ExternalSymbol string
	Params         []ast.Type
	Returns        ast.Type
}

// Options configures one parse.
type Options struct {
	AllowRegexp    bool
	InMatchContext bool
	Functions      *ident.Map[FunctionSig]
}

// Parser parses one expression's source text into an ast.Operand.
// Like the lexer beneath it, a Parser is single-use: construct, call
// Parse once, discard.
type Parser struct {
	lex   *lexer.Lexer
	opts  Options
	cur   token.Token
	errs  []*diagnostics.DiagnosticError
	fatal bool
}

// New constructs a Parser over expr's source text.
func New(file, expr string, scope lexer.Scope, opts Options) *Parser {
	if opts.Functions == nil {
		opts.Functions = ident.NewMap[FunctionSig]()
	}
	return &Parser{lex: lexer.New(file, expr, scope), opts: opts}
}

// Parse consumes the entire expression and returns the resulting
// operand, or the diagnostics collected while trying.
func (p *Parser) Parse() (ast.Operand, []*diagnostics.DiagnosticError) {
	p.advance()
	if p.fatal {
		return ast.Operand{}, p.errs
	}
	result := p.parseExpr(0)
	if p.fatal {
		return ast.Operand{}, p.errs
	}
	if p.cur.Type != token.EOF {
		p.fail(diagnostics.ErrP001, "unexpected extra input: '%s'", p.cur.Lexeme)
		return ast.Operand{}, p.errs
	}
	return result, nil
}

func (p *Parser) advance() {
	tok, err := p.lex.NextToken()
	if err != nil {
		p.errs = append(p.errs, err)
		p.fatal = true
		return
	}
	p.cur = tok
}

func (p *Parser) fail(code, format string, args ...interface{}) {
	pos := diagnostics.Position{Line: p.cur.Line, Column: p.cur.Column}
	p.errs = append(p.errs, diagnostics.NewError(code, pos, fmt.Sprintf(format, args...)))
	p.fatal = true
}

func binaryPrecedence(t token.Type) (int, bool) {
	switch t {
	case token.OP_AND_AND:
		return 40, true
	case token.OP_OR_OR:
		return 30, true
	case token.OP_STAR, token.OP_SLASH, token.OP_PERCENT, token.OP_DOT:
		return 20, true
	case token.OP_PLUS, token.OP_MINUS:
		return 10, true
	case token.OP_EQ, token.OP_NEQ, token.OP_LT, token.OP_LE, token.OP_GT, token.OP_GE,
		token.OP_TILDE, token.OP_NOT_TILDE, token.OP_LIKE, token.OP_UNLIKE:
		return 5, true
	case token.OP_AND:
		return 0, true
	default:
		return -1, false
	}
}

func (p *Parser) parseExpr(minPrec int) ast.Operand {
	left := p.parseUnary()
	if p.fatal {
		return ast.Operand{}
	}
	for {
		prec, isBinary := binaryPrecedence(p.cur.Type)
		if !isBinary || prec < minPrec {
			break
		}
		opTok := p.cur
		p.advance()
		if p.fatal {
			return ast.Operand{}
		}
		right := p.parseExpr(prec + 1)
		if p.fatal {
			return ast.Operand{}
		}
		left = p.applyBinary(opTok, left, right)
		if p.fatal {
			return ast.Operand{}
		}
	}
	return left
}

func (p *Parser) parseUnary() ast.Operand {
	switch p.cur.Type {
	case token.OP_PLUS, token.OP_MINUS, token.OP_NOT:
		opTok := p.cur
		p.advance()
		if p.fatal {
			return ast.Operand{}
		}
		operand := p.parseExpr(98)
		if p.fatal {
			return ast.Operand{}
		}
		return p.applyUnary(opTok, operand)
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) parsePrimary() ast.Operand {
	switch p.cur.Type {
	case token.INT, token.REAL, token.STRING, token.BOOL:
		v := p.cur.Literal.(ast.Value)
		p.advance()
		return ast.Lit(v)

	case token.THIS_REF:
		ref := p.cur.Literal.(lexer.Ref)
		p.advance()
		return ast.Wrap(&ast.ThisRef{Field: ref.Name, Typ: ref.Typ})

	case token.LOCAL_REF:
		ref := p.cur.Literal.(lexer.Ref)
		p.advance()
		return ast.Wrap(&ast.LocalRef{Name: ref.Name, Typ: ref.Typ})

	case token.LPAREN:
		p.advance()
		if p.fatal {
			return ast.Operand{}
		}
		inner := p.parseExpr(0)
		if p.fatal {
			return ast.Operand{}
		}
		if p.cur.Type != token.RPAREN {
			p.fail(diagnostics.ErrP001, "expected ')'")
			return ast.Operand{}
		}
		p.advance()
		return inner

	case token.FUNCTION:
		return p.parseFunctionCall()

	default:
		p.fail(diagnostics.ErrP001, "unexpected token: '%s'", p.cur.Lexeme)
		return ast.Operand{}
	}
}

func (p *Parser) parseFunctionCall() ast.Operand {
	name := p.cur.Lexeme
	p.advance()
	if p.fatal {
		return ast.Operand{}
	}
	if p.cur.Type != token.LPAREN {
		p.fail(diagnostics.ErrP001, "expected '(' after function name '%s'", name)
		return ast.Operand{}
	}
	p.advance()
	if p.fatal {
		return ast.Operand{}
	}

	var args []ast.Operand
	if p.cur.Type != token.RPAREN {
		for {
			arg := p.parseExpr(0)
			if p.fatal {
				return ast.Operand{}
			}
			args = append(args, arg)
			if p.cur.Type == token.COMMA {
				p.advance()
				if p.fatal {
					return ast.Operand{}
				}
				continue
			}
			break
		}
	}
	if p.cur.Type != token.RPAREN {
		p.fail(diagnostics.ErrP001, "expected ')' or ',' in argument list of '%s'", name)
		return ast.Operand{}
	}
	p.advance()

	return p.applyFunction(name, args)
}

// ---- operator and function semantics -------------------------------

func (p *Parser) typeErr(name string, types ...ast.Type) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	p.fail(diagnostics.ErrY001, "invalid types for '%s': %s", name, strings.Join(names, " and "))
}

func (p *Parser) applyBinary(opTok token.Token, lhs, rhs ast.Operand) ast.Operand {
	op := strings.ToLower(opTok.Lexeme)
	lt, rt := lhs.Type(), rhs.Type()

	switch opTok.Type {
	case token.OP_PLUS, token.OP_MINUS, token.OP_STAR, token.OP_SLASH:
		if !((lt == ast.Int && rt == ast.Int) || (lt == ast.Real && rt == ast.Real)) {
			p.typeErr("operator '"+op+"'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildArith(op, opTok.Type, lhs, rhs, lt)

	case token.OP_PERCENT:
		if !(lt == ast.Int && rt == ast.Int) {
			p.typeErr("operator '%'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildArith(op, opTok.Type, lhs, rhs, ast.Int)

	case token.OP_DOT:
		if !(lt == ast.Str && rt == ast.Str) {
			p.typeErr("operator '.'", lt, rt)
			return ast.Operand{}
		}
		if a, ok := lhs.Literal(); ok {
			if b, ok2 := rhs.Literal(); ok2 {
				return ast.Lit(ast.StrValue(a.S + b.S))
			}
		}
		return ast.Wrap(ast.NewBinaryOp("||", lhs, rhs, ast.Str, "."))

	case token.OP_EQ, token.OP_NEQ, token.OP_LT, token.OP_LE, token.OP_GT, token.OP_GE:
		if !typesComparable(lt, rt) {
			p.typeErr("operator '"+op+"'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildCompare(opTok.Lexeme, opTok.Type, lhs, rhs)

	case token.OP_AND_AND:
		if !(lt == ast.Bool && rt == ast.Bool) {
			p.typeErr("operator '&&'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildLogic(true, lhs, rhs)

	case token.OP_OR_OR:
		if !(lt == ast.Bool && rt == ast.Bool) {
			p.typeErr("operator '||'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildLogic(false, lhs, rhs)

	case token.OP_TILDE, token.OP_NOT_TILDE:
		if !p.opts.AllowRegexp {
			p.fail(diagnostics.ErrS003, "regular expressions in expressions are disabled")
			return ast.Operand{}
		}
		if !(lt == ast.Str && rt == ast.Str) {
			p.typeErr("operator '"+op+"'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildRegexp(opTok.Type == token.OP_TILDE, lhs, rhs)

	case token.OP_LIKE, token.OP_UNLIKE:
		if !(lt == ast.Str && rt == ast.Str) {
			p.typeErr("operator '"+op+"'", lt, rt)
			return ast.Operand{}
		}
		return p.foldOrBuildLike(opTok.Type == token.OP_LIKE, lhs, rhs)

	case token.OP_AND:
		if !p.opts.InMatchContext {
			p.fail(diagnostics.ErrS003, "logical conjunctions of conditions are valid only in match predicates")
			return ast.Operand{}
		}
		if !(lt == ast.Bool && rt == ast.Bool) {
			p.typeErr("operator 'and'", lt, rt)
			return ast.Operand{}
		}
		return ast.Wrap(&ast.Join{Lhs: lhs, Rhs: rhs})

	default:
		p.fail(diagnostics.ErrP001, "unknown operator: '%s'", opTok.Lexeme)
		return ast.Operand{}
	}
}

func typesComparable(a, b ast.Type) bool {
	return a == b && (a == ast.Bool || a == ast.Int || a == ast.Real || a == ast.Str)
}

func (p *Parser) foldOrBuildArith(symbol string, opType token.Type, lhs, rhs ast.Operand, typ ast.Type) ast.Operand {
	a, aok := lhs.Literal()
	b, bok := rhs.Literal()
	if aok && bok {
		if typ == ast.Int {
			var r int64
			switch opType {
			case token.OP_PLUS:
				r = a.I + b.I
			case token.OP_MINUS:
				r = a.I - b.I
			case token.OP_STAR:
				r = a.I * b.I
			case token.OP_SLASH:
				if b.I == 0 {
					p.fail(diagnostics.ErrY001, "division by zero")
					return ast.Operand{}
				}
				r = a.I / b.I
			case token.OP_PERCENT:
				if b.I == 0 {
					p.fail(diagnostics.ErrY001, "division by zero")
					return ast.Operand{}
				}
				r = a.I % b.I
			}
			return ast.Lit(ast.IntValue(r))
		}
		var r float64
		switch opType {
		case token.OP_PLUS:
			r = a.R + b.R
		case token.OP_MINUS:
			r = a.R - b.R
		case token.OP_STAR:
			r = a.R * b.R
		case token.OP_SLASH:
			r = a.R / b.R
		}
		return ast.Lit(ast.RealValue(r))
	}
	return ast.Wrap(ast.NewBinaryOp(symbol, lhs, rhs, typ, ""))
}

func (p *Parser) foldOrBuildCompare(symbol string, opType token.Type, lhs, rhs ast.Operand) ast.Operand {
	a, aok := lhs.Literal()
	b, bok := rhs.Literal()
	if aok && bok {
		var cmp int
		switch a.Typ {
		case ast.Bool:
			cmp = boolCmp(a.B, b.B)
		case ast.Int:
			cmp = int64Cmp(a.I, b.I)
		case ast.Real:
			cmp = float64Cmp(a.R, b.R)
		case ast.Str:
			cmp = strings.Compare(a.S, b.S)
		}
		var result bool
		switch opType {
		case token.OP_EQ:
			result = cmp == 0
		case token.OP_NEQ:
			result = cmp != 0
		case token.OP_LT:
			result = cmp < 0
		case token.OP_LE:
			result = cmp <= 0
		case token.OP_GT:
			result = cmp > 0
		case token.OP_GE:
			result = cmp >= 0
		}
		return ast.Lit(ast.BoolValue(result))
	}
	return ast.Wrap(ast.NewBinaryOp(symbol, lhs, rhs, ast.Bool, ""))
}

func boolCmp(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}
func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func float64Cmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (p *Parser) foldOrBuildLogic(isAnd bool, lhs, rhs ast.Operand) ast.Operand {
	a, aok := lhs.Literal()
	b, bok := rhs.Literal()
	if aok && bok {
		if isAnd {
			return ast.Lit(ast.BoolValue(a.B && b.B))
		}
		return ast.Lit(ast.BoolValue(a.B || b.B))
	}
	symbol := "OR"
	if isAnd {
		symbol = "AND"
	}
	return ast.Wrap(ast.NewBinaryOp(symbol, lhs, rhs, ast.Bool, ""))
}

// likeToRegexp converts a SQL LIKE pattern (% and _ wildcards) to an
// anchored Go regular expression, matching the original tokeniser's
// escape-then-substitute strategy.
func likeToRegexp(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\%`, "%")
	escaped = strings.ReplaceAll(escaped, `\_`, "_")
	escaped = strings.ReplaceAll(escaped, "%", ".*")
	escaped = strings.ReplaceAll(escaped, "_", ".")
	return "^" + escaped + "$"
}

func (p *Parser) foldOrBuildLike(isLike bool, lhs, rhs ast.Operand) ast.Operand {
	symbol := "LIKE"
	if !isLike {
		symbol = "NOT LIKE"
	}
	a, aok := lhs.Literal()
	b, bok := rhs.Literal()
	if aok && bok {
		re, err := regexp.Compile(likeToRegexp(b.S))
		if err != nil {
			p.fail(diagnostics.ErrY001, "invalid LIKE pattern: %v", err)
			return ast.Operand{}
		}
		matched := re.MatchString(a.S)
		return ast.Lit(ast.BoolValue(matched == isLike))
	}
	return ast.Wrap(ast.NewBinaryOp(symbol, lhs, rhs, ast.Bool, ""))
}

func (p *Parser) foldOrBuildRegexp(isMatch bool, lhs, rhs ast.Operand) ast.Operand {
	symbol := "REGEXP"
	if !isMatch {
		symbol = "NOT REGEXP"
	}
	b, bok := rhs.Literal()
	if bok {
		if _, err := regexp.Compile(b.S); err != nil {
			p.fail(diagnostics.ErrY001, "invalid regular expression: %v", err)
			return ast.Operand{}
		}
	}
	a, aok := lhs.Literal()
	if aok && bok {
		re, err := regexp.Compile("^" + b.S)
		if err != nil {
			p.fail(diagnostics.ErrY001, "invalid regular expression: %v", err)
			return ast.Operand{}
		}
		matched := re.MatchString(a.S)
		return ast.Lit(ast.BoolValue(matched == isMatch))
	}
	return ast.Wrap(ast.NewBinaryOp(symbol, lhs, rhs, ast.Bool, ""))
}

func (p *Parser) applyUnary(opTok token.Token, operand ast.Operand) ast.Operand {
	t := operand.Type()
	switch opTok.Type {
	case token.OP_PLUS:
		if t != ast.Int && t != ast.Real {
			p.typeErr("unary operator '+'", t)
			return ast.Operand{}
		}
		return operand // unary plus is the identity

	case token.OP_MINUS:
		if t != ast.Int && t != ast.Real {
			p.typeErr("unary operator '-'", t)
			return ast.Operand{}
		}
		if v, ok := operand.Literal(); ok {
			if v.Typ == ast.Int {
				return ast.Lit(ast.IntValue(-v.I))
			}
			return ast.Lit(ast.RealValue(-v.R))
		}
		return ast.Wrap(ast.NewUnaryOp("-", operand, t, ""))

	case token.OP_NOT:
		if t != ast.Bool {
			p.typeErr("unary operator 'not'", t)
			return ast.Operand{}
		}
		if v, ok := operand.Literal(); ok {
			return ast.Lit(ast.BoolValue(!v.B))
		}
		return ast.Wrap(ast.NewUnaryOp("NOT", operand, ast.Bool, ""))

	default:
		p.fail(diagnostics.ErrP001, "unknown unary operator: '%s'", opTok.Lexeme)
		return ast.Operand{}
	}
}

// builtin cast/ternary function names recognised before falling back
// to a user-declared external function lookup.
const (
	fnStringOfBool = "string_of_bool"
	fnStringOfReal = "string_of_real"
	fnStringOfInt  = "string_of_int"
	fnRealOfInt    = "real_of_int"
	fnIntOfReal    = "int_of_real"
	fnIntOfString  = "int_of_string"
	fnIf           = "if"
)

func (p *Parser) applyFunction(name string, args []ast.Operand) ast.Operand {
	switch strings.ToLower(name) {
	case fnStringOfBool:
		return p.applyCast(name, args, ast.Bool, ast.Str, func(v ast.Value) ast.Value {
			if v.B {
				return ast.StrValue("True")
			}
			return ast.StrValue("False")
		})
	case fnStringOfReal:
		return p.applyCast(name, args, ast.Real, ast.Str, func(v ast.Value) ast.Value {
			return ast.StrValue(strconv.FormatFloat(v.R, 'g', -1, 64))
		})
	case fnStringOfInt:
		return p.applyCast(name, args, ast.Int, ast.Str, func(v ast.Value) ast.Value {
			return ast.StrValue(strconv.FormatInt(v.I, 10))
		})
	case fnRealOfInt:
		return p.applyCast(name, args, ast.Int, ast.Real, func(v ast.Value) ast.Value {
			return ast.RealValue(float64(v.I))
		})
	case fnIntOfReal:
		return p.applyCast(name, args, ast.Real, ast.Int, func(v ast.Value) ast.Value {
			return ast.IntValue(int64(v.R))
		})
	case fnIntOfString:
		return p.applyIntOfString(args)
	case fnIf:
		return p.applyIf(args)
	default:
		return p.applyExternal(name, args)
	}
}

func (p *Parser) applyCast(name string, args []ast.Operand, from, to ast.Type, fold func(ast.Value) ast.Value) ast.Operand {
	if len(args) != 1 {
		p.fail(diagnostics.ErrP001, "function '%s' takes exactly one argument", name)
		return ast.Operand{}
	}
	if args[0].Type() != from {
		p.typeErr("function '"+name+"'", args[0].Type())
		return ast.Operand{}
	}
	if v, ok := args[0].Literal(); ok {
		return ast.Lit(fold(v))
	}
	return ast.Wrap(&ast.Cast{Expr: args[0], Target: to})
}

func (p *Parser) applyIntOfString(args []ast.Operand) ast.Operand {
	const name = fnIntOfString
	if len(args) != 1 {
		p.fail(diagnostics.ErrP001, "function '%s' takes exactly one argument", name)
		return ast.Operand{}
	}
	if args[0].Type() != ast.Str {
		p.typeErr("function '"+name+"'", args[0].Type())
		return ast.Operand{}
	}
	if v, ok := args[0].Literal(); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v.S), 10, 64)
		if err != nil {
			p.fail(diagnostics.ErrY001, "'%s': cannot convert %q to an integer", name, v.S)
			return ast.Operand{}
		}
		return ast.Lit(ast.IntValue(n))
	}
	return ast.Wrap(&ast.Cast{Expr: args[0], Target: ast.Int})
}

func (p *Parser) applyIf(args []ast.Operand) ast.Operand {
	if len(args) != 3 {
		p.fail(diagnostics.ErrP001, "function 'if' takes exactly three arguments")
		return ast.Operand{}
	}
	pred, then, els := args[0], args[1], args[2]
	if pred.Type() != ast.Bool {
		p.typeErr("function 'if'", pred.Type(), then.Type(), els.Type())
		return ast.Operand{}
	}
	if then.Type() != els.Type() {
		p.typeErr("function 'if'", pred.Type(), then.Type(), els.Type())
		return ast.Operand{}
	}
	if v, ok := pred.Literal(); ok {
		if v.B {
			return then
		}
		return els
	}
	return ast.Wrap(&ast.If{Pred: pred, Then: then, Else: els, Typ: then.Type()})
}

func (p *Parser) applyExternal(name string, args []ast.Operand) ast.Operand {
	sig, ok := p.opts.Functions.Get(ident.New(name))
	if !ok {
		p.fail(diagnostics.ErrP001, "unknown function: '%s'", name)
		return ast.Operand{}
	}
	if len(args) != len(sig.Params) {
		p.fail(diagnostics.ErrY001, "function '%s' expects %d argument(s), got %d", name, len(sig.Params), len(args))
		return ast.Operand{}
	}
	for i, arg := range args {
		if arg.Type() != sig.Params[i] {
			p.typeErr("function '"+name+"'", arg.Type())
			return ast.Operand{}
		}
	}
	return ast.Wrap(&ast.Function{Name: name, ExternalSymbol: sig.ExternalSymbol, Returns: sig.Returns, Args: args})
}
