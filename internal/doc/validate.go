// Package doc implements the schema validator combinator library and
// the document-shape schema built from it, plus decoding of the
// YAML-like rule-document input format (including its !expr, !output
// and !distinct tags) into a normalised tree ready for rule analysis.
//
// The combinators mirror the original validate.py family exactly:
// each one is a function of (value, location) that either returns a
// normalised value or fails with a single-line diagnostic identifying
// where in the document it happened. Go has no exception to unwind,
// so a Validator returns (value, error) instead of raising.
package doc

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/ident"
)

// Validator validates and normalises one value found at location loc
// (a path built from bracketed key and index suffixes, used only for
// error messages).
type Validator func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError)

func fail(loc, format string, args ...interface{}) *diagnostics.DiagnosticError {
	return diagnostics.NewError(diagnostics.ErrV001, diagnostics.Position{File: loc}, fmt.Sprintf(format, args...))
}

func childLoc(loc, key string) string {
	return loc + "[" + key + "]"
}

// Any tries each validator in turn and returns the first success; if
// all fail, it reports a combined failure message.
func Any(validators ...Validator) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		var msgs []string
		for _, val := range validators {
			result, err := val(v, loc)
			if err == nil {
				return result, nil
			}
			msgs = append(msgs, err.Msg)
		}
		return nil, fail(loc, "%s", strings.Join(msgs, " and "))
	}
}

// All requires every validator to pass, threading the value through
// each in turn so later validators see any normalisation earlier ones
// performed.
func All(validators ...Validator) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		cur := v
		for _, val := range validators {
			result, err := val(cur, loc)
			if err != nil {
				return nil, err
			}
			cur = result
		}
		return cur, nil
	}
}

// Not passes iff inner fails; msg is reported when inner unexpectedly
// succeeds.
func Not(inner Validator, msg string) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		if _, err := inner(v, loc); err != nil {
			return v, nil
		}
		return nil, fail(loc, "%s", msg)
	}
}

// Notify replaces inner's failure message with msg while preserving
// location, on failure only.
func Notify(msg string, inner Validator) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		result, err := inner(v, loc)
		if err != nil {
			return nil, fail(loc, "%s", msg)
		}
		return result, nil
	}
}

// BooleanOpts configures the Boolean validator.
type BooleanOpts struct {
	// Value, if non-nil, requires an exact match.
	Value *bool
}

// Boolean validates a Go bool.
func Boolean(opts BooleanOpts) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		b, ok := v.(bool)
		if !ok {
			return nil, fail(loc, "expected a boolean value")
		}
		if opts.Value != nil && b != *opts.Value {
			return nil, fail(loc, "expected the boolean value %v", *opts.Value)
		}
		return b, nil
	}
}

// IntegerOpts configures the Integer validator. AllowBool mirrors the
// original's quirky default-false policy: Go bools and ints never
// collide at the type-assertion level the way Python's bool-is-a-int
// does, but the option is kept for shape fidelity with the decoded
// YAML value (a YAML `true` always decodes to Go bool, never int, so
// AllowBool is effectively a no-op in this port; no validator in the
// document schema sets it).
type IntegerOpts struct {
	Value          *int64
	Minimum, Maximum *int64
	AllowBool      bool
}

// Integer validates a Go int64.
func Integer(opts IntegerOpts) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		n, ok := asInt(v)
		if !ok {
			return nil, fail(loc, "expected an integer")
		}
		if opts.Value != nil && n != *opts.Value {
			return nil, fail(loc, "expected %d", *opts.Value)
		}
		if opts.Minimum != nil && n < *opts.Minimum {
			return nil, fail(loc, "expected an integer greater than or equal to %d", *opts.Minimum)
		}
		if opts.Maximum != nil && n > *opts.Maximum {
			return nil, fail(loc, "expected an integer less than or equal to %d", *opts.Maximum)
		}
		return n, nil
	}
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// FloatOpts configures the Float validator.
type FloatOpts struct {
	Value            *float64
	Minimum, Maximum *float64
	AllowInteger     bool
}

// Float validates a Go float64; if AllowInteger is set, a YAML
// integer scalar is accepted and widened.
func Float(opts FloatOpts) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case int, int64:
			if !opts.AllowInteger {
				return nil, fail(loc, "expected a real number")
			}
			iv, _ := asInt(n)
			f = float64(iv)
		default:
			return nil, fail(loc, "expected a real number")
		}
		if opts.Value != nil && f != *opts.Value {
			return nil, fail(loc, "expected %g", *opts.Value)
		}
		if opts.Minimum != nil && f < *opts.Minimum {
			return nil, fail(loc, "expected a real number greater than or equal to %g", *opts.Minimum)
		}
		if opts.Maximum != nil && f > *opts.Maximum {
			return nil, fail(loc, "expected a real number less than or equal to %g", *opts.Maximum)
		}
		return f, nil
	}
}

// StringOpts configures the String validator. When CaseSensitive is
// false, the result is normalised to an ident.Identifier rather than a
// plain string, mirroring the original's CS() wrapping.
type StringOpts struct {
	Pattern          *regexp.Regexp
	Exact            string
	MinLen, MaxLen   *int
	CaseSensitive    bool
}

// String validates a Go string.
func String(opts StringOpts) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		s, ok := v.(string)
		if !ok {
			return nil, fail(loc, "expected a string")
		}
		if opts.Exact != "" {
			if opts.CaseSensitive {
				if s != opts.Exact {
					return nil, fail(loc, "expected '%s'", opts.Exact)
				}
			} else if !strings.EqualFold(s, opts.Exact) {
				return nil, fail(loc, "expected '%s'", opts.Exact)
			}
		}
		if opts.Pattern != nil && !opts.Pattern.MatchString(s) {
			return nil, fail(loc, "expected a string matching '%s'", opts.Pattern.String())
		}
		if opts.MinLen != nil && len(s) < *opts.MinLen {
			return nil, fail(loc, "expected a string of at least %d characters", *opts.MinLen)
		}
		if opts.MaxLen != nil && len(s) > *opts.MaxLen {
			return nil, fail(loc, "expected a string of at most %d characters", *opts.MaxLen)
		}
		if !opts.CaseSensitive {
			return ident.New(s), nil
		}
		return s, nil
	}
}

// InstanceOf passes through any value for which predicate returns
// true, tagging failures with name.
func InstanceOf(name string, predicate func(interface{}) bool) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		if !predicate(v) {
			return nil, fail(loc, "expected %s", name)
		}
		return v, nil
	}
}

// ListOpts configures the List validator.
type ListOpts struct {
	Min, Max *int
}

// List validates a homogeneous, bounded slice, applying member to
// every element.
func List(member Validator, opts ListOpts) Validator {
	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		items, ok := v.([]interface{})
		if !ok {
			return nil, fail(loc, "expected a list")
		}
		if opts.Min != nil && len(items) < *opts.Min {
			return nil, fail(loc, "expected a list of at least %d elements", *opts.Min)
		}
		if opts.Max != nil && len(items) > *opts.Max {
			return nil, fail(loc, "expected a list of at most %d elements", *opts.Max)
		}
		result := make([]interface{}, len(items))
		for i, item := range items {
			normalized, err := member(item, fmt.Sprintf("%s[%d]", loc, i))
			if err != nil {
				return nil, err
			}
			result[i] = normalized
		}
		return result, nil
	}
}

// DictionaryOpts configures the Dictionary validator. Required and
// Optional are keyed by display-form field name and matched against
// the document's keys case-insensitively, exactly as every dictionary
// in this language's document shape is keyed.
type DictionaryOpts struct {
	Required          map[string]Validator
	Optional          map[string]Validator
	Extra             Validator // nil: extra keys are disallowed
	ExtraKeys         Validator // validates each extra key's raw string
	MinExtra, MaxExtra *int
	AllowDups         bool
}

// Dictionary validates a *RawMap, case-folding its keys, enforcing
// required/optional membership, and returning a fresh ordered
// *ident.Map[interface{}].
func Dictionary(opts DictionaryOpts) Validator {
	required := make(map[string]Validator, len(opts.Required))
	for k, v := range opts.Required {
		required[strings.ToUpper(k)] = v
	}
	optional := make(map[string]Validator, len(opts.Optional))
	for k, v := range opts.Optional {
		optional[strings.ToUpper(k)] = v
	}

	return func(v interface{}, loc string) (interface{}, *diagnostics.DiagnosticError) {
		raw, ok := v.(*RawMap)
		if !ok {
			return nil, fail(loc, "expected a dictionary")
		}

		counts := make(map[string]int, len(raw.Keys))
		for _, k := range raw.Keys {
			counts[strings.ToUpper(k)]++
		}

		seenRequired := make(map[string]bool, len(required))
		result := ident.NewMap[interface{}]()
		extraCount := 0

		for i, k := range raw.Keys {
			folded := strings.ToUpper(k)
			if !opts.AllowDups && counts[folded] > 1 {
				return nil, fail(loc, "duplicate key '%s'", k)
			}
			val := raw.Values[i]
			sub := childLoc(loc, k)
			switch {
			case required[folded] != nil:
				normalized, err := required[folded](val, sub)
				if err != nil {
					return nil, err
				}
				result.Set(ident.New(k), normalized)
				seenRequired[folded] = true
			case optional[folded] != nil:
				normalized, err := optional[folded](val, sub)
				if err != nil {
					return nil, err
				}
				result.Set(ident.New(k), normalized)
			default:
				if opts.Extra == nil {
					return nil, fail(loc, "disallowed key '%s'", k)
				}
				if opts.ExtraKeys != nil {
					if _, err := opts.ExtraKeys(k, sub); err != nil {
						return nil, err
					}
				}
				normalized, err := opts.Extra(val, sub)
				if err != nil {
					return nil, err
				}
				result.Set(ident.New(k), normalized)
				extraCount++
			}
		}

		for folded := range required {
			if !seenRequired[folded] {
				return nil, fail(loc, "missing required key '%s'", folded)
			}
		}
		if opts.MinExtra != nil && extraCount < *opts.MinExtra {
			return nil, fail(loc, "expected at least %d extra key(s)", *opts.MinExtra)
		}
		if opts.MaxExtra != nil && extraCount > *opts.MaxExtra {
			return nil, fail(loc, "expected at most %d extra key(s)", *opts.MaxExtra)
		}
		return result, nil
	}
}
