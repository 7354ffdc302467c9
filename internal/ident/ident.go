// Package ident implements Identifier, a case-insensitive,
// case-preserving string key. Every language name in a rule
// document — constants, facts, fields, locals, parameters, functions,
// rules — is keyed on Identifier so that "Foo" and "FOO" name the same
// entity while error messages and emitted SQL still show whatever
// casing the author wrote.
//
// Unlike the original implementation's CaselessString, which subclassed
// str and dynamically installed delegate methods for the whole string
// API, Identifier exposes a small, fixed set of operations. There is
// no dynamic method installation and no attempt to mirror every string
// method; callers that need substring manipulation work on Display()
// and rewrap the result with New.
package ident

import "strings"

// Identifier is a case-insensitive, case-preserving name.
type Identifier struct {
	display string
	folded  string
}

// New builds an Identifier from its display form.
func New(display string) Identifier {
	return Identifier{display: display, folded: strings.ToUpper(display)}
}

// Display returns the original casing the identifier was created with.
func (id Identifier) Display() string {
	return id.display
}

// Folded returns the case-folded form used for comparison and hashing.
func (id Identifier) Folded() string {
	return id.folded
}

// String implements fmt.Stringer, returning the display form.
func (id Identifier) String() string {
	return id.display
}

// Equal reports whether two identifiers name the same entity under
// case folding.
func (id Identifier) Equal(other Identifier) bool {
	return id.folded == other.folded
}

// Less orders identifiers lexicographically on their folded form, for
// deterministic sorting (e.g. the lowerer's field-name ordering).
func (id Identifier) Less(other Identifier) bool {
	return id.folded < other.folded
}

// IsZero reports whether this is the zero-value Identifier.
func (id Identifier) IsZero() bool {
	return id.display == "" && id.folded == ""
}

// Map is a convenience ordered-insertion map keyed by folded identity.
// It preserves the first display form seen for a given key and the
// order keys were first inserted, matching the document's declaration
// order (needed so emitted schema text and error messages are
// deterministic, per the determinism invariant).
type Map[V any] struct {
	order  []Identifier
	values map[string]V
}

// NewMap creates an empty ordered Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{values: make(map[string]V)}
}

// Set inserts or overwrites the value for key, preserving first-seen
// display casing and insertion order.
func (m *Map[V]) Set(key Identifier, value V) {
	if _, exists := m.values[key.folded]; !exists {
		m.order = append(m.order, key)
	}
	m.values[key.folded] = value
}

// Get looks up a value by identifier, case-insensitively.
func (m *Map[V]) Get(key Identifier) (V, bool) {
	v, ok := m.values[key.folded]
	return v, ok
}

// Has reports whether key is present.
func (m *Map[V]) Has(key Identifier) bool {
	_, ok := m.values[key.folded]
	return ok
}

// Delete removes key if present.
func (m *Map[V]) Delete(key Identifier) {
	if _, ok := m.values[key.folded]; !ok {
		return
	}
	delete(m.values, key.folded)
	for i, k := range m.order {
		if k.folded == key.folded {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Keys returns identifiers in insertion order.
func (m *Map[V]) Keys() []Identifier {
	out := make([]Identifier, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return len(m.order)
}
