// Package lexer implements the expression tokeniser described by the
// rule language: a single-use, longest-match scanner that also
// resolves Constants.X/This.X/Locals.X references as it scans.
//
// Adapted from the teacher's internal/lexer rune-by-rune scanner
// (readChar/peekChar with line/column tracking), cut down to this
// language's much smaller token set: no string interpolation, no
// big/rational numeric literals, no raw/triple-quoted strings. A
// Lexer is constructed once per expression and discarded after the
// last token; it is not reentrant and holds no state useful across
// two different expressions.
package lexer

import (
	"strconv"
	"strings"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/token"
)

// Ref is the payload carried by a THIS_REF or LOCAL_REF token: the
// resolved field/local name and its declared type. The tokeniser
// resolves the name against the current scope immediately, so by the
// time the parser sees the token the reference is already known-good.
type Ref struct {
	Name ident.Identifier
	Typ  ast.Type
}

// Scope is everything the tokeniser needs to resolve identifiers as it
// scans: the constants already evaluated so far, the fields of the
// fact currently being matched (nil outside a match context), and the
// locals bound so far in the enclosing rule.
type Scope struct {
	Constants  *ident.Map[ast.Value]
	ThisFields *ident.Map[ast.Type]
	Locals     *ident.Map[ast.Type]
}

// Lexer scans one expression's source text into tokens.
type Lexer struct {
	file    string
	input   string
	pos     int
	readPos int
	ch      byte
	line    int
	col     int
	scope   Scope
}

// New constructs a Lexer over expr's source text. file is used only
// for error position reporting.
func New(file, expr string, scope Scope) *Lexer {
	l := &Lexer{file: file, input: expr, line: 1, col: 0, scope: scope}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
	if l.ch == '\n' {
		l.line++
		l.col = 0
	} else {
		l.col++
	}
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) errPos() diagnostics.Position {
	return diagnostics.Position{File: l.file, Line: l.line, Column: l.col}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
func isLetter(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
func isAlnum(ch byte) bool  { return isLetter(ch) || isDigit(ch) }
func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' || l.ch == '\n' {
		l.readChar()
	}
}

// NextToken returns the next token, or a diagnostic if the input
// cannot be scanned (unknown character, unresolved reference,
// unterminated string).
func (l *Lexer) NextToken() (token.Token, *diagnostics.DiagnosticError) {
	l.skipWhitespace()
	for l.ch == '#' {
		for l.ch != '\n' && l.ch != 0 {
			l.readChar()
		}
		l.skipWhitespace()
	}

	line, col := l.line, l.col
	mk := func(t token.Type, lex string, lit interface{}) token.Token {
		return token.Token{Type: t, Lexeme: lex, Literal: lit, Line: line, Column: col}
	}

	switch {
	case l.ch == 0:
		return mk(token.EOF, "", nil), nil
	case l.ch == '(':
		l.readChar()
		return mk(token.LPAREN, "(", nil), nil
	case l.ch == ')':
		l.readChar()
		return mk(token.RPAREN, ")", nil), nil
	case l.ch == ',':
		l.readChar()
		return mk(token.COMMA, ",", nil), nil
	case l.ch == '\'' || l.ch == '"':
		return l.readString(mk)
	case l.ch == '$':
		return l.readCharRef(mk)
	case isDigit(l.ch):
		return l.readNumber(mk)
	case isLetter(l.ch):
		return l.readWord(mk)
	default:
		return l.readOperator(mk)
	}
}

// readOperator handles the operator-character class:
// (!?~|[=!]=|[<>]=?|&&|[|][|]|[-+*/%.])
func (l *Lexer) readOperator(mk func(token.Type, string, interface{}) token.Token) (token.Token, *diagnostics.DiagnosticError) {
	ch := l.ch
	switch ch {
	case '&':
		if l.peekChar() == '&' {
			l.readChar()
			l.readChar()
			return mk(token.OP_AND_AND, "&&", nil), nil
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			l.readChar()
			return mk(token.OP_OR_OR, "||", nil), nil
		}
	case '~':
		l.readChar()
		return mk(token.OP_TILDE, "~", nil), nil
	case '!':
		if l.peekChar() == '~' {
			l.readChar()
			l.readChar()
			return mk(token.OP_NOT_TILDE, "!~", nil), nil
		}
		if l.peekChar() == '=' {
			l.readChar()
			l.readChar()
			return mk(token.OP_NEQ, "!=", nil), nil
		}
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
			l.readChar()
			return mk(token.OP_EQ, "==", nil), nil
		}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			l.readChar()
			return mk(token.OP_LE, "<=", nil), nil
		}
		l.readChar()
		return mk(token.OP_LT, "<", nil), nil
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			l.readChar()
			return mk(token.OP_GE, ">=", nil), nil
		}
		l.readChar()
		return mk(token.OP_GT, ">", nil), nil
	case '+':
		l.readChar()
		return mk(token.OP_PLUS, "+", nil), nil
	case '-':
		l.readChar()
		return mk(token.OP_MINUS, "-", nil), nil
	case '*':
		l.readChar()
		return mk(token.OP_STAR, "*", nil), nil
	case '/':
		l.readChar()
		return mk(token.OP_SLASH, "/", nil), nil
	case '%':
		l.readChar()
		return mk(token.OP_PERCENT, "%", nil), nil
	case '.':
		l.readChar()
		return mk(token.OP_DOT, ".", nil), nil
	}
	bad := string(ch)
	l.readChar()
	return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "unexpected character: '"+bad+"'")
}

func (l *Lexer) readString(mk func(token.Type, string, interface{}) token.Token) (token.Token, *diagnostics.DiagnosticError) {
	quote := l.ch
	l.readChar()
	start := l.pos
	for l.ch != quote && l.ch != 0 {
		l.readChar()
	}
	if l.ch == 0 {
		return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "unterminated string literal")
	}
	s := l.input[start:l.pos]
	l.readChar()
	return mk(token.STRING, s, ast.StrValue(s)), nil
}

// readCharRef handles the $hh character-escape token, a standalone
// two-hex-digit literal that yields a one-character string value.
func (l *Lexer) readCharRef(mk func(token.Type, string, interface{}) token.Token) (token.Token, *diagnostics.DiagnosticError) {
	start := l.pos
	l.readChar()
	var hex [2]byte
	for i := 0; i < 2; i++ {
		if !isHexDigit(l.ch) {
			return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "invalid character reference: expected two hex digits after '$'")
		}
		hex[i] = l.ch
		l.readChar()
	}
	n, err := strconv.ParseInt(string(hex[:]), 16, 32)
	if err != nil {
		return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "invalid character reference")
	}
	lexeme := l.input[start:l.pos]
	return mk(token.STRING, lexeme, ast.StrValue(string(rune(n)))), nil
}

// readNumber handles \d+ (int) and \d+[.]\d+(e[-]?\d+)? (real).
func (l *Lexer) readNumber(mk func(token.Type, string, interface{}) token.Token) (token.Token, *diagnostics.DiagnosticError) {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	isReal := false
	if l.ch == '.' && isDigit(l.peekChar()) {
		isReal = true
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
		if l.ch == 'e' || l.ch == 'E' {
			savePos, saveReadPos, saveCh, saveLine, saveCol := l.pos, l.readPos, l.ch, l.line, l.col
			l.readChar()
			if l.ch == '-' {
				l.readChar()
			}
			if isDigit(l.ch) {
				for isDigit(l.ch) {
					l.readChar()
				}
			} else {
				l.pos, l.readPos, l.ch, l.line, l.col = savePos, saveReadPos, saveCh, saveLine, saveCol
			}
		}
	}
	lexeme := l.input[start:l.pos]
	if isReal {
		f, err := strconv.ParseFloat(lexeme, 64)
		if err != nil {
			return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "invalid real literal: "+lexeme)
		}
		return mk(token.REAL, lexeme, ast.RealValue(f)), nil
	}
	i, err := strconv.ParseInt(lexeme, 10, 64)
	if err != nil {
		return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "invalid integer literal: "+lexeme)
	}
	return mk(token.INT, lexeme, ast.IntValue(i)), nil
}

// readWord handles Constants.X / This.X / Locals.X, true/false,
// and/not/like/unlike, and bare function-name identifiers, all of
// which share the same [A-Za-z_][A-Za-z0-9_]* shape at the lexical
// level and are disambiguated by a fixed-prefix check and a keyword
// table, exactly as the original tokeniser's ordered syntax rules did.
func (l *Lexer) readWord(mk func(token.Type, string, interface{}) token.Token) (token.Token, *diagnostics.DiagnosticError) {
	start := l.pos
	for isAlnum(l.ch) {
		l.readChar()
	}
	word := l.input[start:l.pos]

	if l.ch == '.' {
		switch {
		case strings.EqualFold(word, "Constants"):
			return l.readQualifiedRef(mk, "Constants", func(name string) (token.Type, interface{}, *diagnostics.DiagnosticError) {
				id := ident.New(name)
				v, ok := l.scope.Constants.Get(id)
				if !ok {
					return 0, nil, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "unknown constant: '"+name+"'")
				}
				switch v.Typ {
				case ast.Bool:
					return token.BOOL, v, nil
				case ast.Int:
					return token.INT, v, nil
				case ast.Real:
					return token.REAL, v, nil
				default:
					return token.STRING, v, nil
				}
			})
		case strings.EqualFold(word, "This"):
			return l.readQualifiedRef(mk, "This", func(name string) (token.Type, interface{}, *diagnostics.DiagnosticError) {
				id := ident.New(name)
				if l.scope.ThisFields == nil {
					return 0, nil, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "'This' is not available outside a match predicate")
				}
				typ, ok := l.scope.ThisFields.Get(id)
				if !ok {
					return 0, nil, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "unknown field: '"+name+"'")
				}
				return token.THIS_REF, Ref{Name: id, Typ: typ}, nil
			})
		case strings.EqualFold(word, "Locals"):
			return l.readQualifiedRef(mk, "Locals", func(name string) (token.Type, interface{}, *diagnostics.DiagnosticError) {
				id := ident.New(name)
				typ, ok := l.scope.Locals.Get(id)
				if !ok {
					return 0, nil, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "unknown variable: '"+name+"'")
				}
				return token.LOCAL_REF, Ref{Name: id, Typ: typ}, nil
			})
		}
	}

	lower := strings.ToLower(word)
	switch lower {
	case "true":
		return mk(token.BOOL, word, ast.BoolValue(true)), nil
	case "false":
		return mk(token.BOOL, word, ast.BoolValue(false)), nil
	case "and":
		return mk(token.OP_AND, word, nil), nil
	case "not":
		return mk(token.OP_NOT, word, nil), nil
	case "like":
		return mk(token.OP_LIKE, word, nil), nil
	case "unlike":
		return mk(token.OP_UNLIKE, word, nil), nil
	}
	return mk(token.FUNCTION, word, nil), nil
}

// readQualifiedRef consumes the ".Name" suffix following a
// Constants/This/Locals prefix already scanned into word, and invokes
// resolve with the bare member name.
func (l *Lexer) readQualifiedRef(
	mk func(token.Type, string, interface{}) token.Token,
	prefix string,
	resolve func(name string) (token.Type, interface{}, *diagnostics.DiagnosticError),
) (token.Token, *diagnostics.DiagnosticError) {
	l.readChar() // consume '.'
	if !isLetter(l.ch) {
		return token.Token{}, diagnostics.NewError(diagnostics.ErrT001, l.errPos(), "expected identifier after '"+prefix+".'")
	}
	start := l.pos
	for isAlnum(l.ch) {
		l.readChar()
	}
	name := l.input[start:l.pos]
	typ, lit, err := resolve(name)
	if err != nil {
		return token.Token{}, err
	}
	return mk(typ, prefix+"."+name, lit), nil
}
