package doc

import (
	"regexp"
	"strings"

	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/ident"
)

// identifierPattern is the document-wide name rule: a letter followed
// by letters or digits, checked case-insensitively. No underscores —
// unlike most Go identifiers, these name SQL objects downstream.
var identifierPattern = regexp.MustCompile(`(?i)^[A-Za-z][A-Za-z0-9]*$`)

var typeNamePattern = regexp.MustCompile(`(?i)^(BOOLEAN|INTEGER|REAL|STRING)$`)

func identifierKey() Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		s, ok := v.(string)
		if !ok {
			return nil, fail(loc, "expected an identifier")
		}
		if !identifierPattern.MatchString(s) {
			return nil, fail(loc, "invalid identifier: '%s'", s)
		}
		if config.IsReserved(strings.ToUpper(s)) {
			return nil, fail(loc, "'%s' is a reserved name", s)
		}
		return s, nil
	}
}

func isExpr(v interface{}) bool {
	_, ok := v.(Expr)
	return ok
}

// literalOrExpr accepts a bare literal scalar or a delayed !expr.
var literalOrExpr = Any(
	InstanceOf("an expression", isExpr),
	Boolean(BooleanOpts{}),
	Integer(IntegerOpts{}),
	Float(FloatOpts{AllowInteger: true}),
	String(StringOpts{CaseSensitive: true}),
)

var typeName = String(StringOpts{Pattern: typeNamePattern, CaseSensitive: false})

var identifierName = String(StringOpts{Pattern: identifierPattern, CaseSensitive: false})

// RawParameter is a Parameters entry before analysis resolves its
// literal/expr values and checks numeric bounds.
type RawParameter struct {
	Default    interface{} // literal scalar or Expr
	Lower      interface{} // nil, literal scalar, or Expr
	Upper      interface{}
	Dictionary bool
}

func parameterEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	validator := Dictionary(DictionaryOpts{
		Required: map[string]Validator{"Default": literalOrExpr},
		Optional: map[string]Validator{
			"Lower":      literalOrExpr,
			"Upper":      literalOrExpr,
			"Dictionary": Boolean(BooleanOpts{}),
		},
	})
	normalized, err := validator(v, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	out := &RawParameter{}
	out.Default, _ = m.Get(ident.New("Default"))
	out.Lower, _ = m.Get(ident.New("Lower"))
	out.Upper, _ = m.Get(ident.New("Upper"))
	if d, ok := m.Get(ident.New("Dictionary")); ok {
		out.Dictionary = d.(bool)
	}
	return out, nil
}

// RawFunction is a Functions entry.
type RawFunction struct {
	External   string
	Parameters []interface{} // each an ident.Identifier (type name)
	Returns    interface{}   // an ident.Identifier (type name)
}

func functionEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	validator := Dictionary(DictionaryOpts{
		Required: map[string]Validator{
			"External":   String(StringOpts{CaseSensitive: true, MinLen: intPtr(1)}),
			"Parameters": List(typeName, ListOpts{}),
			"Returns":    typeName,
		},
	})
	normalized, err := validator(v, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	out := &RawFunction{}
	ext, _ := m.Get(ident.New("External"))
	out.External = ext.(string)
	params, _ := m.Get(ident.New("Parameters"))
	out.Parameters, _ = params.([]interface{})
	out.Returns, _ = m.Get(ident.New("Returns"))
	return out, nil
}

// RawFact is a Facts entry.
type RawFact struct {
	Fields   *ident.Map[interface{}] // field name -> ident.Identifier (type name)
	IsOutput bool
}

func factEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	output := false
	body := v
	if o, ok := v.(Output); ok {
		output = true
		body = o.Value
	}
	validator := Dictionary(DictionaryOpts{Extra: typeName, ExtraKeys: identifierKey()})
	normalized, err := validator(body, loc)
	if err != nil {
		return nil, err
	}
	return &RawFact{Fields: normalized.(*ident.Map[interface{}]), IsOutput: output}, nil
}

// RawMatch is one MatchAll/MatchNone entry.
type RawMatch struct {
	Fact    string
	Meaning string
	When    interface{} // nil or Expr
	Assign  *ident.Map[interface{}]
}

func matchEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	validator := Dictionary(DictionaryOpts{
		Required: map[string]Validator{"Fact": identifierName},
		Optional: map[string]Validator{
			"Meaning": String(StringOpts{CaseSensitive: true}),
			"When":    InstanceOf("an expression", isExpr),
			"Assign":  Dictionary(DictionaryOpts{Extra: literalOrExpr, ExtraKeys: identifierKey()}),
		},
	})
	normalized, err := validator(v, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	out := &RawMatch{}
	factName, _ := m.Get(ident.New("Fact"))
	out.Fact = displayOf(factName)
	if meaning, ok := m.Get(ident.New("Meaning")); ok {
		out.Meaning = meaning.(string)
	}
	out.When, _ = m.Get(ident.New("When"))
	if assign, ok := m.Get(ident.New("Assign")); ok {
		out.Assign = assign.(*ident.Map[interface{}])
	} else {
		out.Assign = ident.NewMap[interface{}]()
	}
	return out, nil
}

func displayOf(v interface{}) string {
	if id, ok := v.(ident.Identifier); ok {
		return id.Display()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// RawAssert is an Assert rule body.
type RawAssert struct {
	Fact     string
	Fields   *ident.Map[interface{}] // field name -> literal/Expr
	Distinct bool
}

func assertEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	distinct := false
	body := v
	if d, ok := v.(Distinct); ok {
		distinct = true
		body = d.Value
	}
	validator := Dictionary(DictionaryOpts{
		Required: map[string]Validator{
			"Fact":   identifierName,
			"Fields": Dictionary(DictionaryOpts{Extra: literalOrExpr, ExtraKeys: identifierKey()}),
		},
	})
	normalized, err := validator(body, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	factName, _ := m.Get(ident.New("Fact"))
	fields, _ := m.Get(ident.New("Fields"))
	return &RawAssert{Fact: displayOf(factName), Fields: fields.(*ident.Map[interface{}]), Distinct: distinct}, nil
}

// RawSuppress is a Suppress rule body.
type RawSuppress struct {
	Fact string
	When interface{} // Expr
}

func suppressEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	validator := Dictionary(DictionaryOpts{
		Required: map[string]Validator{
			"Fact": identifierName,
			"When": InstanceOf("an expression", isExpr),
		},
	})
	normalized, err := validator(v, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	factName, _ := m.Get(ident.New("Fact"))
	when, _ := m.Get(ident.New("When"))
	return &RawSuppress{Fact: displayOf(factName), When: when}, nil
}

// RawRule is a Rules entry.
type RawRule struct {
	Description string
	Enabled     bool
	Metadata    map[string]string
	MatchAll    []*RawMatch
	MatchNone   []*RawMatch
	When        interface{} // Expr
	Assert      *RawAssert  // mutually exclusive with Suppress
	Suppress    *RawSuppress
}

func ruleEntry(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
	validator := Dictionary(DictionaryOpts{
		Optional: map[string]Validator{
			"Description": String(StringOpts{CaseSensitive: true}),
			"Enabled":     Boolean(BooleanOpts{}),
			"Metadata":    Dictionary(DictionaryOpts{Extra: String(StringOpts{CaseSensitive: true}), ExtraKeys: identifierKey()}),
			"MatchAll":    List(matchEntry, ListOpts{}),
			"MatchNone":   List(matchEntry, ListOpts{}),
			"When":        InstanceOf("an expression", isExpr),
			"Assert":      assertEntry,
			"Suppress":    suppressEntry,
		},
	})
	normalized, err := validator(v, loc)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])

	out := &RawRule{Enabled: true}
	if d, ok := m.Get(ident.New("Description")); ok {
		out.Description = d.(string)
	}
	if e, ok := m.Get(ident.New("Enabled")); ok {
		out.Enabled = e.(bool)
	}
	if md, ok := m.Get(ident.New("Metadata")); ok {
		raw := md.(*ident.Map[interface{}])
		out.Metadata = make(map[string]string, raw.Len())
		for _, k := range raw.Keys() {
			val, _ := raw.Get(k)
			out.Metadata[k.Display()] = val.(string)
		}
	}
	if ma, ok := m.Get(ident.New("MatchAll")); ok {
		for _, item := range ma.([]interface{}) {
			out.MatchAll = append(out.MatchAll, item.(*RawMatch))
		}
	}
	if mn, ok := m.Get(ident.New("MatchNone")); ok {
		for _, item := range mn.([]interface{}) {
			out.MatchNone = append(out.MatchNone, item.(*RawMatch))
		}
	}
	out.When, _ = m.Get(ident.New("When"))
	if a, ok := m.Get(ident.New("Assert")); ok {
		out.Assert = a.(*RawAssert)
	}
	if s, ok := m.Get(ident.New("Suppress")); ok {
		out.Suppress = s.(*RawSuppress)
	}
	if (out.Assert == nil) == (out.Suppress == nil) {
		return nil, fail(loc, "a rule must declare exactly one of Assert or Suppress")
	}
	return out, nil
}

// Document is the fully validated, structurally normalised form of
// one or more merged input files. Expression fields remain as Expr
// (delayed source text); internal/analyzer resolves them once it has
// the scope to tokenise and parse against.
type Document struct {
	Description string
	Constants   *ident.Map[interface{}]
	Parameters  *ident.Map[*RawParameter]
	Functions   *ident.Map[*RawFunction]
	Facts       *ident.Map[*RawFact]
	Rules       *ident.Map[*RawRule]
}

func newDocument() *Document {
	return &Document{
		Constants:  ident.NewMap[interface{}](),
		Parameters: ident.NewMap[*RawParameter](),
		Functions:  ident.NewMap[*RawFunction](),
		Facts:      ident.NewMap[*RawFact](),
		Rules:      ident.NewMap[*RawRule](),
	}
}

var documentSchema = Dictionary(DictionaryOpts{
	Optional: map[string]Validator{
		"Description": String(StringOpts{CaseSensitive: true}),
		"Constants":   Dictionary(DictionaryOpts{Extra: literalOrExpr, ExtraKeys: identifierKey()}),
		"Parameters":  Dictionary(DictionaryOpts{Extra: parameterEntry, ExtraKeys: identifierKey()}),
		"Functions":   Dictionary(DictionaryOpts{Extra: functionEntry, ExtraKeys: identifierKey()}),
		"Facts":       Dictionary(DictionaryOpts{Extra: factEntry, ExtraKeys: identifierKey()}),
		"Rules":       Dictionary(DictionaryOpts{Extra: ruleEntry, ExtraKeys: identifierKey()}),
	},
})

// Validate runs the full document schema against a decoded tree
// (produced by Decode) and assembles a *Document.
func Validate(filename string, raw interface{}) (*Document, *diagnostics.DiagnosticError) {
	normalized, err := documentSchema(raw, filename)
	if err != nil {
		return nil, err
	}
	m := normalized.(*ident.Map[interface{}])
	out := newDocument()
	if d, ok := m.Get(ident.New("Description")); ok {
		out.Description = d.(string)
	}
	if c, ok := m.Get(ident.New("Constants")); ok {
		out.Constants = c.(*ident.Map[interface{}])
	}
	if p, ok := m.Get(ident.New("Parameters")); ok {
		raw := p.(*ident.Map[interface{}])
		for _, k := range raw.Keys() {
			v, _ := raw.Get(k)
			out.Parameters.Set(k, v.(*RawParameter))
		}
	}
	if f, ok := m.Get(ident.New("Functions")); ok {
		raw := f.(*ident.Map[interface{}])
		for _, k := range raw.Keys() {
			v, _ := raw.Get(k)
			out.Functions.Set(k, v.(*RawFunction))
		}
	}
	if fa, ok := m.Get(ident.New("Facts")); ok {
		raw := fa.(*ident.Map[interface{}])
		for _, k := range raw.Keys() {
			v, _ := raw.Get(k)
			out.Facts.Set(k, v.(*RawFact))
		}
	}
	if r, ok := m.Get(ident.New("Rules")); ok {
		raw := r.(*ident.Map[interface{}])
		for _, k := range raw.Keys() {
			v, _ := raw.Get(k)
			out.Rules.Set(k, v.(*RawRule))
		}
	}
	return out, nil
}

// Merge combines documents left to right: a name collision in
// Constants/Parameters/Functions/Facts/Rules resolves to the last
// document that declared it, per the document-merge invariant, while
// the declaration order of first appearance is preserved for
// deterministic downstream iteration and emission.
func Merge(docs ...*Document) *Document {
	out := newDocument()
	for _, d := range docs {
		if d.Description != "" {
			out.Description = d.Description
		}
		for _, k := range d.Constants.Keys() {
			v, _ := d.Constants.Get(k)
			out.Constants.Set(k, v)
		}
		for _, k := range d.Parameters.Keys() {
			v, _ := d.Parameters.Get(k)
			out.Parameters.Set(k, v)
		}
		for _, k := range d.Functions.Keys() {
			v, _ := d.Functions.Get(k)
			out.Functions.Set(k, v)
		}
		for _, k := range d.Facts.Keys() {
			v, _ := d.Facts.Get(k)
			out.Facts.Set(k, v)
		}
		for _, k := range d.Rules.Keys() {
			v, _ := d.Rules.Get(k)
			out.Rules.Set(k, v)
		}
	}
	return out
}

func intPtr(v int) *int { return &v }
