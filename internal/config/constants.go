// Package config holds small, static facts about the ruleforge build:
// version metadata, recognised document extensions, and reserved
// identifier names. It deliberately carries no logic beyond tiny pure
// helpers.
package config

// Version is the current ruleforge release, reported by the -v flag.
var Version = "1.2.0"

// SourceFileExt is the canonical rule-document extension.
const SourceFileExt = ".rule"

// SourceFileExtensions lists the recognised rule-document extensions.
// The CLI reads the paths it is given as they are; it does not scan
// directories or filter paths by extension.
var SourceFileExtensions = []string{".rule", ".rules", ".rfg"}

// HasSourceExt reports whether path ends in a recognised extension.
func HasSourceExt(path string) bool {
	for _, ext := range SourceFileExtensions {
		if len(path) >= len(ext) && path[len(path)-len(ext):] == ext {
			return true
		}
	}
	return false
}

// DefaultBackend is the emitter selected when -b is not given.
const DefaultBackend = "sql"

// ReservedNames is the set of identifiers a rule document may not use
// to name a constant, fact, field, parameter, function, local, or rule.
// Ported from the original implementation's forbidden-name list and
// extended with this language's own keyword surface.
var ReservedNames = map[string]bool{
	"AND": true, "NOT": true, "LIKE": true, "UNLIKE": true, "OR": true,
	"IF": true, "THIS": true, "LOCALS": true, "CONSTANTS": true,
	"TRUE": true, "FALSE": true, "NULL": true,
	"INITIALFACT": true, "INITIALIZATIONTIME": true,
	"BOOLEAN": true, "INTEGER": true, "REAL": true, "STRING": true,
	"VALUE": true, "KEY": true,
}

// IsReserved reports whether the upper-cased form of name collides
// with a reserved language name.
func IsReserved(upperName string) bool {
	return ReservedNames[upperName]
}
