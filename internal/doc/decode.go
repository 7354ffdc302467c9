package doc

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ruleforge/ruleforge/internal/diagnostics"
)

// RawMap is a mapping decoded straight off a YAML node, preserving
// every key exactly as written (including apparent duplicates that
// only differ in case) and insertion order, so the Dictionary
// validator — not the decoder — is the one place duplicate-under-
// folding detection happens.
type RawMap struct {
	Keys   []string
	Values []interface{}
}

// Get looks up key by exact (case-sensitive) match; used internally
// by callers that already know the exact casing they decoded.
func (m *RawMap) Get(key string) (interface{}, bool) {
	for i, k := range m.Keys {
		if k == key {
			return m.Values[i], true
		}
	}
	return nil, false
}

// Expr is a delayed expression: source text the document declared
// with !expr, not yet tokenised or parsed. Resolution happens in
// internal/analyzer, which has the scope (constants/fields/locals)
// needed to tokenise it.
type Expr struct {
	Source string
	Line   int
	Column int
}

// Output wraps a fact declaration tagged !output.
type Output struct {
	Value interface{}
}

// Distinct wraps an Assert clause tagged !distinct.
type Distinct struct {
	Value interface{}
}

// Decode parses raw YAML-like source text into the decoder's
// intermediate tree: *RawMap for mappings, []interface{} for
// sequences, bool/int64/float64/string for scalars, and Expr/Output/
// Distinct wherever the corresponding custom tag appears.
func Decode(filename string, source []byte) (interface{}, *diagnostics.DiagnosticError) {
	var root yaml.Node
	if err := yaml.Unmarshal(source, &root); err != nil {
		return nil, diagnostics.NewError(diagnostics.ErrV001, diagnostics.Position{File: filename}, "YAML syntax error: "+err.Error())
	}
	if len(root.Content) == 0 {
		return nil, diagnostics.NewError(diagnostics.ErrV001, diagnostics.Position{File: filename}, "empty document")
	}
	return decodeNode(filename, root.Content[0])
}

func decodeNode(filename string, n *yaml.Node) (interface{}, *diagnostics.DiagnosticError) {
	if n.Kind == yaml.AliasNode {
		return decodeNode(filename, n.Alias)
	}

	if n.Tag == "!expr" {
		if n.Kind != yaml.ScalarNode {
			return nil, nodeErr(filename, n, "!expr requires a scalar string")
		}
		return Expr{Source: n.Value, Line: n.Line, Column: n.Column}, nil
	}

	var base interface{}
	var derr *diagnostics.DiagnosticError
	switch n.Kind {
	case yaml.MappingNode:
		base, derr = decodeMapping(filename, n)
	case yaml.SequenceNode:
		base, derr = decodeSequence(filename, n)
	case yaml.ScalarNode:
		base, derr = decodeScalar(filename, n)
	default:
		return nil, nodeErr(filename, n, "unsupported YAML construct")
	}
	if derr != nil {
		return nil, derr
	}

	switch n.Tag {
	case "!output":
		return Output{Value: base}, nil
	case "!distinct":
		return Distinct{Value: base}, nil
	}
	return base, nil
}

func decodeMapping(filename string, n *yaml.Node) (*RawMap, *diagnostics.DiagnosticError) {
	out := &RawMap{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valNode := n.Content[i], n.Content[i+1]
		if keyNode.Kind != yaml.ScalarNode {
			return nil, nodeErr(filename, keyNode, "mapping keys must be scalars")
		}
		val, err := decodeNode(filename, valNode)
		if err != nil {
			return nil, err
		}
		out.Keys = append(out.Keys, keyNode.Value)
		out.Values = append(out.Values, val)
	}
	return out, nil
}

func decodeSequence(filename string, n *yaml.Node) ([]interface{}, *diagnostics.DiagnosticError) {
	out := make([]interface{}, 0, len(n.Content))
	for _, c := range n.Content {
		val, err := decodeNode(filename, c)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

func decodeScalar(filename string, n *yaml.Node) (interface{}, *diagnostics.DiagnosticError) {
	var v interface{}
	if err := n.Decode(&v); err != nil {
		return nil, nodeErr(filename, n, "cannot decode scalar: "+err.Error())
	}
	if i, ok := v.(int); ok {
		return int64(i), nil
	}
	return v, nil
}

func nodeErr(filename string, n *yaml.Node, format string, args ...interface{}) *diagnostics.DiagnosticError {
	pos := diagnostics.Position{File: filename, Line: n.Line, Column: n.Column}
	return diagnostics.NewError(diagnostics.ErrV001, pos, fmt.Sprintf(format, args...))
}
