// Package analyzer implements the Rule Analyser: it walks a validated
// document and produces the typed rule intermediate representation
// (internal/model), resolving every expression along the way via
// internal/lexer and internal/parser with the scope appropriate to
// where the expression appears.
//
// Failure is contained per top-level declaration: a bad constant,
// parameter, or rule is reported and dropped, and analysis of its
// siblings continues, exactly as the error-handling design requires.
// A deferred recover() around each rule guards against any unexpected
// panic reaching the caller — the kind of defensive boundary that
// matters here because expression evaluation walks a document written
// by someone else, not code the compiler's own author controls.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/cycle"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/doc"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/lexer"
	"github.com/ruleforge/ruleforge/internal/model"
	"github.com/ruleforge/ruleforge/internal/parser"
)

// Options configures one analysis pass.
type Options struct {
	EnableRegex   bool
	DisableCycles bool
}

type analysisState struct {
	file           string
	doc            *doc.Document
	program        *model.Program
	opts           Options
	constantsScope *ident.Map[ast.Value]
	funcSigs       *ident.Map[parser.FunctionSig]
}

// Analyze runs the full Rule Analyser over a validated document,
// returning the program built so far (always non-nil, even on
// failure, so callers can inspect partial results) and every
// diagnostic collected.
func Analyze(file string, document *doc.Document, opts Options) (*model.Program, []*diagnostics.DiagnosticError) {
	a := &analysisState{
		file:           file,
		doc:            document,
		program:        model.NewProgram(),
		opts:           opts,
		constantsScope: ident.NewMap[ast.Value](),
		funcSigs:       ident.NewMap[parser.FunctionSig](),
	}
	var errs []*diagnostics.DiagnosticError

	for _, name := range document.Functions.Keys() {
		raw, _ := document.Functions.Get(name)
		fn, err := a.analyzeFunction(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.program.Functions.Set(name, *fn)
		a.funcSigs.Set(name, parser.FunctionSig{ExternalSymbol: fn.ExternalSymbol, Params: fn.Params, Returns: fn.Returns})
	}

	for _, name := range document.Constants.Keys() {
		raw, _ := document.Constants.Get(name)
		val, err := a.analyzeConstant(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.program.Constants.Set(name, val)
		a.constantsScope.Set(name, val)
	}

	for _, name := range document.Facts.Keys() {
		raw, _ := document.Facts.Get(name)
		fact, err := a.analyzeFact(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.program.Facts.Set(name, fact)
	}

	for _, name := range document.Parameters.Keys() {
		raw, _ := document.Parameters.Get(name)
		param, err := a.analyzeParameter(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a.program.Facts.Has(name) {
			errs = append(errs, a.errf(diagnostics.ErrS004, "parameter '%s' collides with an existing fact", name.Display()))
			continue
		}
		a.program.Parameters.Set(name, param)
		a.program.Facts.Set(name, param.ImplicitFact())
	}

	for _, name := range document.Rules.Keys() {
		raw, _ := document.Rules.Get(name)
		if !raw.Enabled {
			continue
		}
		rule, err := a.analyzeRuleSafe(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.program.Rules.Set(name, rule)
	}

	errs = append(errs, a.postChecks()...)
	return a.program, errs
}

func (a *analysisState) errf(code, format string, args ...interface{}) *diagnostics.DiagnosticError {
	return diagnostics.NewError(code, diagnostics.Position{File: a.file}, fmt.Sprintf(format, args...))
}

func typeFromValue(v interface{}) (ast.Type, bool) {
	id, ok := v.(ident.Identifier)
	if !ok {
		return 0, false
	}
	return ast.ParseTypeName(id.Display())
}

func toASTValue(v interface{}) (ast.Value, bool) {
	switch t := v.(type) {
	case bool:
		return ast.BoolValue(t), true
	case int64:
		return ast.IntValue(t), true
	case float64:
		return ast.RealValue(t), true
	case string:
		return ast.StrValue(t), true
	default:
		return ast.Value{}, false
	}
}

// evalExpr resolves either a bare literal scalar or a doc.Expr into an
// Operand, tokenising and parsing the latter against scope.
func (a *analysisState) evalExpr(v interface{}, scope lexer.Scope, inMatchContext bool) (ast.Operand, *diagnostics.DiagnosticError) {
	if e, ok := v.(doc.Expr); ok {
		p := parser.New(a.file, e.Source, scope, parser.Options{
			AllowRegexp:    a.opts.EnableRegex,
			InMatchContext: inMatchContext,
			Functions:      a.funcSigs,
		})
		operand, errs := p.Parse()
		if len(errs) > 0 {
			return ast.Operand{}, errs[0]
		}
		return operand, nil
	}
	val, ok := toASTValue(v)
	if !ok {
		return ast.Operand{}, a.errf(diagnostics.ErrV001, "expected a literal value or expression")
	}
	return ast.Lit(val), nil
}

func (a *analysisState) analyzeFunction(name ident.Identifier, raw *doc.RawFunction) (*model.ExternalFunction, *diagnostics.DiagnosticError) {
	returns, ok := typeFromValue(raw.Returns)
	if !ok {
		return nil, a.errf(diagnostics.ErrY001, "function '%s': unknown return type", name.Display())
	}
	params := make([]ast.Type, len(raw.Parameters))
	for i, p := range raw.Parameters {
		t, ok := typeFromValue(p)
		if !ok {
			return nil, a.errf(diagnostics.ErrY001, "function '%s': unknown parameter type at position %d", name.Display(), i)
		}
		params[i] = t
	}
	return &model.ExternalFunction{Name: name, ExternalSymbol: raw.External, Params: params, Returns: returns}, nil
}

func (a *analysisState) noLocalsScope() lexer.Scope {
	return lexer.Scope{Constants: a.constantsScope, ThisFields: nil, Locals: ident.NewMap[ast.Type]()}
}

func (a *analysisState) analyzeConstant(raw interface{}) (ast.Value, *diagnostics.DiagnosticError) {
	operand, err := a.evalExpr(raw, a.noLocalsScope(), false)
	if err != nil {
		return ast.Value{}, err
	}
	lit, ok := operand.Literal()
	if !ok {
		return ast.Value{}, a.errf(diagnostics.ErrS011, "constant expression did not reduce to a literal value")
	}
	return lit, nil
}

func (a *analysisState) analyzeFact(name ident.Identifier, raw *doc.RawFact) (*model.Fact, *diagnostics.DiagnosticError) {
	fact := model.NewFact(name)
	fact.IsOutput = raw.IsOutput
	for _, fieldName := range raw.Fields.Keys() {
		v, _ := raw.Fields.Get(fieldName)
		t, ok := typeFromValue(v)
		if !ok {
			return nil, a.errf(diagnostics.ErrY001, "fact '%s': unknown type for field '%s'", name.Display(), fieldName.Display())
		}
		fact.Fields.Set(fieldName, t)
	}
	return fact, nil
}

func (a *analysisState) analyzeParameter(name ident.Identifier, raw *doc.RawParameter) (*model.Parameter, *diagnostics.DiagnosticError) {
	scope := a.noLocalsScope()
	defOperand, err := a.evalExpr(raw.Default, scope, false)
	if err != nil {
		return nil, err
	}
	defLit, ok := defOperand.Literal()
	if !ok {
		return nil, a.errf(diagnostics.ErrS011, "parameter '%s': default did not reduce to a literal value", name.Display())
	}

	param := &model.Parameter{Name: name, Default: defLit, Dictionary: raw.Dictionary}

	if raw.Lower != nil || raw.Upper != nil {
		if defLit.Typ != ast.Int && defLit.Typ != ast.Real {
			return nil, a.errf(diagnostics.ErrS012, "parameter '%s': bounds only apply to numeric parameters", name.Display())
		}
		if raw.Lower == nil || raw.Upper == nil {
			return nil, a.errf(diagnostics.ErrS012, "parameter '%s': numeric parameters require both Lower and Upper", name.Display())
		}
		lowerOp, err := a.evalExpr(raw.Lower, scope, false)
		if err != nil {
			return nil, err
		}
		lowerLit, ok := lowerOp.Literal()
		if !ok || lowerLit.Typ != defLit.Typ {
			return nil, a.errf(diagnostics.ErrS012, "parameter '%s': Lower must be a literal of the same type as Default", name.Display())
		}
		upperOp, err := a.evalExpr(raw.Upper, scope, false)
		if err != nil {
			return nil, err
		}
		upperLit, ok := upperOp.Literal()
		if !ok || upperLit.Typ != defLit.Typ {
			return nil, a.errf(diagnostics.ErrS012, "parameter '%s': Upper must be a literal of the same type as Default", name.Display())
		}
		if !withinBounds(lowerLit, defLit, upperLit) {
			return nil, a.errf(diagnostics.ErrS012, "parameter '%s': default is out of [Lower, Upper] range", name.Display())
		}
		param.Lower = &lowerLit
		param.Upper = &upperLit
	}
	return param, nil
}

func withinBounds(lower, def, upper ast.Value) bool {
	if def.Typ == ast.Int {
		return lower.I <= def.I && def.I <= upper.I
	}
	return lower.R <= def.R && def.R <= upper.R
}

func (a *analysisState) analyzeRuleSafe(name ident.Identifier, raw *doc.RawRule) (rule *model.Rule, err *diagnostics.DiagnosticError) {
	defer func() {
		if r := recover(); r != nil {
			rule = nil
			err = a.errf(diagnostics.ErrS001, "internal error analysing rule '%s': %v", name.Display(), r)
		}
	}()
	return a.analyzeRule(name, raw)
}

func (a *analysisState) analyzeRule(name ident.Identifier, raw *doc.RawRule) (*model.Rule, *diagnostics.DiagnosticError) {
	rule := model.NewRule(name)
	rule.Description = raw.Description
	rule.Metadata = raw.Metadata

	for _, rm := range raw.MatchAll {
		clause, err := a.analyzeMatch(rm, rule.Locals, false)
		if err != nil {
			return nil, err
		}
		rule.Matches = append(rule.Matches, clause)
	}
	for _, rm := range raw.MatchNone {
		clause, err := a.analyzeMatch(rm, rule.Locals, true)
		if err != nil {
			return nil, err
		}
		rule.InvertedMatches = append(rule.InvertedMatches, clause)
	}

	if raw.When != nil {
		scope := lexer.Scope{Constants: a.constantsScope, ThisFields: nil, Locals: rule.Locals}
		operand, err := a.evalExpr(raw.When, scope, false)
		if err != nil {
			return nil, err
		}
		if operand.Type() != ast.Bool {
			return nil, a.errf(diagnostics.ErrY001, "rule '%s': final predicate must be boolean", name.Display())
		}
		rule.FinalPredicate = operand
	} else {
		rule.FinalPredicate = ast.Lit(ast.BoolValue(true))
	}

	switch {
	case raw.Assert != nil:
		if err := a.analyzeAssert(rule, raw.Assert); err != nil {
			return nil, err
		}
	case raw.Suppress != nil:
		if err := a.analyzeSuppress(rule, raw.Suppress); err != nil {
			return nil, err
		}
	default:
		return nil, a.errf(diagnostics.ErrS001, "rule '%s': must declare Assert or Suppress", name.Display())
	}

	return rule, nil
}

func (a *analysisState) analyzeMatch(rm *doc.RawMatch, locals *ident.Map[ast.Type], negative bool) (model.MatchClause, *diagnostics.DiagnosticError) {
	factName := ident.New(rm.Fact)
	fact, ok := a.program.Facts.Get(factName)
	if !ok {
		return model.MatchClause{}, a.errf(diagnostics.ErrS001, "unknown fact '%s' in match clause", rm.Fact)
	}

	clause := model.NewMatchClause(factName, negative)
	clause.Meaning = rm.Meaning

	scope := lexer.Scope{Constants: a.constantsScope, ThisFields: fact.Fields, Locals: locals}
	if rm.When != nil {
		operand, err := a.evalExpr(rm.When, scope, true)
		if err != nil {
			return model.MatchClause{}, err
		}
		if !isJoinable(operand) {
			return model.MatchClause{}, a.errf(diagnostics.ErrS003, "match on '%s': predicate is neither a join nor rooted on a field reference", rm.Fact)
		}
		clause.When = operand
	}

	if negative {
		if rm.Assign != nil && rm.Assign.Len() > 0 {
			return model.MatchClause{}, a.errf(diagnostics.ErrS013, "negative match on '%s' may not bind assignments", rm.Fact)
		}
		return clause, nil
	}

	if rm.Assign != nil {
		for _, fieldKey := range rm.Assign.Keys() {
			exprVal, _ := rm.Assign.Get(fieldKey)
			operand, err := a.evalExpr(exprVal, scope, false)
			if err != nil {
				return model.MatchClause{}, err
			}
			if locals.Has(fieldKey) {
				return model.MatchClause{}, a.errf(diagnostics.ErrS002, "duplicate local assignment '%s'", fieldKey.Display())
			}
			locals.Set(fieldKey, operand.Type())
			clause.Assignments.Set(fieldKey, operand)
		}
	}
	return clause, nil
}

// isJoinable implements §3 invariant 3: a match predicate is joinable
// only if it is a reified Join or a BinaryOp rooted on a ThisRef.
func isJoinable(op ast.Operand) bool {
	node, ok := op.AsNode()
	if !ok {
		return false
	}
	switch n := node.(type) {
	case *ast.Join:
		return true
	case *ast.BinaryOp:
		lhsNode, ok := n.Lhs.AsNode()
		if !ok {
			return false
		}
		_, isThis := lhsNode.(*ast.ThisRef)
		return isThis
	default:
		return false
	}
}

func (a *analysisState) analyzeAssert(rule *model.Rule, raw *doc.RawAssert) *diagnostics.DiagnosticError {
	factName := ident.New(raw.Fact)
	fact, ok := a.program.Facts.Get(factName)
	if !ok {
		return a.errf(diagnostics.ErrS001, "unknown fact '%s' in Assert", raw.Fact)
	}
	if a.program.Parameters.Has(factName) {
		return a.errf(diagnostics.ErrS004, "rule '%s': cannot produce parameter fact '%s'", rule.Name.Display(), raw.Fact)
	}

	rule.Kind = model.AssertRule
	rule.ProducedFact = factName
	rule.Distinct = raw.Distinct

	scope := lexer.Scope{Constants: a.constantsScope, ThisFields: nil, Locals: rule.Locals}
	assigned := ident.NewMap[bool]()
	if raw.Fields != nil {
		for _, fieldKey := range raw.Fields.Keys() {
			exprVal, _ := raw.Fields.Get(fieldKey)
			declaredType, ok := fact.Fields.Get(fieldKey)
			if !ok {
				return a.errf(diagnostics.ErrS001, "fact '%s' has no field '%s'", raw.Fact, fieldKey.Display())
			}
			operand, err := a.evalExpr(exprVal, scope, false)
			if err != nil {
				return err
			}
			if operand.Type() != declaredType {
				return a.errf(diagnostics.ErrS006, "fact '%s' field '%s': expected %s, got %s", raw.Fact, fieldKey.Display(), declaredType, operand.Type())
			}
			rule.ProducedFields.Set(fieldKey, operand)
			assigned.Set(fieldKey, true)
		}
	}
	for _, fieldName := range fact.Fields.Keys() {
		if !assigned.Has(fieldName) {
			return a.errf(diagnostics.ErrS005, "fact '%s' field '%s' is never assigned", raw.Fact, fieldName.Display())
		}
	}

	if raw.Distinct {
		if fact.Fields.Len() == 0 {
			return a.errf(diagnostics.ErrS007, "fact '%s' has no fields and cannot be produced distinctly", raw.Fact)
		}
		a.program.DistinctFacts.Set(factName, true)
	}
	return nil
}

func (a *analysisState) analyzeSuppress(rule *model.Rule, raw *doc.RawSuppress) *diagnostics.DiagnosticError {
	factName := ident.New(raw.Fact)
	fact, ok := a.program.Facts.Get(factName)
	if !ok {
		return a.errf(diagnostics.ErrS001, "unknown fact '%s' in Suppress", raw.Fact)
	}
	if a.program.Parameters.Has(factName) {
		return a.errf(diagnostics.ErrS004, "rule '%s': cannot suppress parameter fact '%s'", rule.Name.Display(), raw.Fact)
	}

	rule.Kind = model.SuppressRule
	rule.SuppressedFact = factName

	scope := lexer.Scope{Constants: a.constantsScope, ThisFields: fact.Fields, Locals: rule.Locals}
	operand, err := a.evalExpr(raw.When, scope, false)
	if err != nil {
		return err
	}
	if operand.Type() != ast.Bool {
		return a.errf(diagnostics.ErrY001, "rule '%s': suppression condition must be boolean", rule.Name.Display())
	}
	rule.SuppressedWhen = operand
	return nil
}

// postChecks performs the whole-program checks that can only run once
// every rule has been analysed: non-empty rule set, no suppression of
// a distinctly-produced fact, implicit output upgrading, and cycle
// detection.
func (a *analysisState) postChecks() []*diagnostics.DiagnosticError {
	var errs []*diagnostics.DiagnosticError

	if a.program.Rules.Len() == 0 {
		errs = append(errs, a.errf(diagnostics.ErrS009, "no active rules after analysis"))
	}

	matched := ident.NewMap[bool]()
	produced := ident.NewMap[bool]()
	for _, rname := range a.program.Rules.Keys() {
		rule, _ := a.program.Rules.Get(rname)
		for _, m := range rule.Matches {
			matched.Set(m.Fact, true)
		}
		for _, m := range rule.InvertedMatches {
			matched.Set(m.Fact, true)
		}
		switch rule.Kind {
		case model.AssertRule:
			produced.Set(rule.ProducedFact, true)
		case model.SuppressRule:
			produced.Set(rule.SuppressedFact, true)
			if a.program.DistinctFacts.Has(rule.SuppressedFact) {
				errs = append(errs, a.errf(diagnostics.ErrS008, "rule '%s' suppresses distinctly-produced fact '%s'", rname.Display(), rule.SuppressedFact.Display()))
			}
		}
	}

	for _, factName := range a.program.Facts.Keys() {
		fact, _ := a.program.Facts.Get(factName)
		if produced.Has(factName) && !matched.Has(factName) {
			fact.IsOutput = true
		}
	}

	if !a.opts.DisableCycles {
		if path := cycle.Check(a.program); path != nil {
			names := make([]string, len(path))
			for i, id := range path {
				names[i] = id.Display()
			}
			errs = append(errs, a.errf(diagnostics.ErrS010, "dependency cycle: %s", strings.Join(names, " -> ")))
		}
	}

	return errs
}
