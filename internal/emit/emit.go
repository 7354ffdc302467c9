// Package emit is the Schema Emitter boundary: it turns an analysed
// model.Program into the final SQL schema text. Per the front-end/
// boundary split this compiler draws, only the *interface* of this
// package matters to the rest of the pipeline — the exact DDL shape
// is a template-rendering concern, not a correctness one.
//
// Grounded on the original backend's generate() orchestration
// (original_source/giles/sqlite_backend.py): it resets to fresh
// per-compilation state, marks always-true-predicate facts as output,
// runs the synthetic-assignment rewrite, renders a text template, and
// appends the accumulated index demands afterward in deterministic
// order. Heavier structural assembly (projecting the nested join
// frame a rule's match clauses build up, rendering field expressions)
// happens in Go rather than inside the template text itself — the
// same split the teacher draws in internal/ext/codegen.go, which
// builds a fully resolved view-model in Go and leaves its template a
// plain stitcher. Only the once helper, a genuinely rendering-time
// deduplication concern, is exposed to the template (see DESIGN.md).
package emit

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/ruleforge/ruleforge/internal/ast"
	"github.com/ruleforge/ruleforge/internal/ident"
	"github.com/ruleforge/ruleforge/internal/lower"
	"github.com/ruleforge/ruleforge/internal/model"
)

// Metadata is render-time information that is not part of the
// program's IR: the source filename, its description, and a
// generation timestamp.
type Metadata struct {
	File        string
	Description string
	Timestamp   string
}

type fieldView struct {
	Name    string
	SQLType string
}

type factView struct {
	Table    string
	View     string
	IsOutput bool
	Fields   []fieldView
}

type paramView struct {
	Table      string
	SQLType    string
	DefaultSQL string
}

type triggerView struct {
	Name    string
	OnFact  string
	WhenSQL string
	BodySQL string
}

type ruleView struct {
	Name        string
	Description string
	Triggers    []triggerView
}

type document struct {
	Metadata
	Prefix       string
	PublicPrefix string
	Facts        []factView
	Parameters   []paramView
	Rules        []ruleView
}

// Render produces the complete schema text for prog: a table per
// fact (plus a view over every output fact under publicPrefix), a
// seed table per parameter, a trigger per rule, and a trailing block
// of CREATE INDEX statements for every surviving index demand
// discovered while lowering the rules' joins.
func Render(prog *model.Program, meta Metadata, prefix, publicPrefix string) (string, error) {
	ctx := lower.NewContext()

	for _, name := range prog.Rules.Keys() {
		rule, _ := prog.Rules.Get(name)
		lower.RewriteSyntheticAssignments(rule)
	}
	promoteAlwaysTrueMatches(prog)

	doc := document{
		Metadata:     meta,
		Prefix:       prefix,
		PublicPrefix: publicPrefix,
		Facts:        buildFacts(prog, prefix, publicPrefix),
		Parameters:   buildParameters(prog, prefix),
	}
	for _, name := range prog.Rules.Keys() {
		rule, _ := prog.Rules.Get(name)
		doc.Rules = append(doc.Rules, buildRule(ctx, prefix, rule))
	}

	tmpl, err := template.New("schema").Funcs(sprig.FuncMap()).Funcs(template.FuncMap{
		"once": ctx.Once,
	}).Parse(schemaTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing schema template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("rendering schema template: %w", err)
	}

	out := buf.String()
	for i, leaf := range ctx.Indexes.Leaves() {
		names := make([]string, len(leaf.Fields))
		for j, f := range leaf.Fields {
			names[j] = f.Display()
		}
		out += fmt.Sprintf("\nCREATE INDEX %s_auto_index_%d ON %s(%s);",
			prefix, i+1, leaf.Table.Display(), strings.Join(names, ","))
	}
	return out, nil
}

// promoteAlwaysTrueMatches upgrades any fact matched through at least
// one clause whose alpha predicate reduces to "always true" to an output
// fact, mirroring the original's pre-render pass that saves the alpha
// pruning phase from ever considering such a match: a row that always
// survives pruning is, for output purposes, indistinguishable from a
// fact nothing ever filters.
func promoteAlwaysTrueMatches(prog *model.Program) {
	for _, name := range prog.Rules.Keys() {
		rule, _ := prog.Rules.Get(name)
		for _, m := range append(append([]model.MatchClause{}, rule.Matches...), rule.InvertedMatches...) {
			if len(lower.GeneratePredicate(m.When)) == 0 {
				if fact, ok := prog.Facts.Get(m.Fact); ok {
					fact.IsOutput = true
				}
			}
		}
	}
}

func tableName(prefix string, fact ident.Identifier) string {
	return prefix + "_" + fact.Display()
}

func buildFacts(prog *model.Program, prefix, publicPrefix string) []factView {
	var out []factView
	for _, name := range prog.Facts.Keys() {
		fact, _ := prog.Facts.Get(name)
		fv := factView{Table: tableName(prefix, name), IsOutput: fact.IsOutput}
		if fact.IsOutput {
			fv.View = publicPrefix + "_" + name.Display()
		}
		for _, fname := range fact.Fields.Keys() {
			typ, _ := fact.Fields.Get(fname)
			fv.Fields = append(fv.Fields, fieldView{Name: fname.Display(), SQLType: lower.SQLType(typ)})
		}
		out = append(out, fv)
	}
	return out
}

func buildParameters(prog *model.Program, prefix string) []paramView {
	var out []paramView
	for _, name := range prog.Parameters.Keys() {
		p, _ := prog.Parameters.Get(name)
		out = append(out, paramView{
			Table:      tableName(prefix, name),
			SQLType:    lower.SQLType(p.Default.Typ),
			DefaultSQL: lower.RenderExpression(ast.Lit(p.Default), "", ""),
		})
	}
	return out
}

// buildRule assembles one trigger per rule. The rule's first positive
// match clause is the entry point: an insert into its fact table
// drives evaluation. Every subsequent positive clause joins against a
// rolling "frame" derived table that carries forward, as named
// columns, every local bound so far, exactly mirroring the single
// frame_prefix the original lowerer always assumes. Negative clauses
// become NOT EXISTS subqueries evaluated against that same frame.
func buildRule(ctx *lower.Context, prefix string, rule *model.Rule) ruleView {
	rv := ruleView{Name: rule.Name.Display(), Description: rule.Description}
	if len(rule.Matches) == 0 {
		return rv
	}

	entry := rule.Matches[0]
	frameSQL := buildEntryFrame(prefix, entry)

	seen := map[string]int{entry.Fact.Folded(): 1}
	for _, clause := range rule.Matches[1:] {
		alias := uniqueAlias(seen, clause.Fact)
		joinSQL, ok := ctx.GenerateJoin(clause.When, "frame", alias, false)
		if !ok {
			joinSQL = "1"
		}
		projection := "frame.*"
		if assigns := projectAssignments(clause, alias); assigns != "" {
			projection += ", " + assigns
		}
		frameSQL = fmt.Sprintf(
			"SELECT %s\nFROM (%s) AS frame\nJOIN %s AS %s ON %s",
			projection, frameSQL, tableName(prefix, clause.Fact), alias, joinSQL)
	}

	var conditions []string
	for _, neg := range rule.InvertedMatches {
		alias := uniqueAlias(seen, neg.Fact)
		joinSQL, ok := ctx.GenerateJoin(neg.When, "frame", alias, true)
		if !ok {
			joinSQL = "1"
		}
		conditions = append(conditions, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM %s AS %s WHERE %s)", tableName(prefix, neg.Fact), alias, joinSQL))
	}
	if !rule.FinalPredicate.IsZero() {
		conditions = append(conditions, lower.RenderExpression(rule.FinalPredicate, "frame", ""))
	}
	whereSQL := "1"
	if len(conditions) > 0 {
		whereSQL = strings.Join(conditions, " AND ")
	}

	body := buildBody(ctx, prefix, rule, frameSQL, whereSQL)

	rv.Triggers = append(rv.Triggers, triggerView{
		Name:    fmt.Sprintf("%s_%s", prefix, rule.Name.Display()),
		OnFact:  tableName(prefix, entry.Fact),
		WhenSQL: lower.GeneratePredicateSQL(entry.When),
		BodySQL: body,
	})
	return rv
}

// buildEntryFrame seeds the rolling join frame from the row that
// fired the trigger, projecting whatever locals the entry clause
// itself assigns as named columns alongside a stable row identifier.
func buildEntryFrame(prefix string, entry model.MatchClause) string {
	assigns := projectAssignments(entry, "new")
	if assigns == "" {
		return fmt.Sprintf("SELECT new.rowid AS rowid_ FROM %s AS new", tableName(prefix, entry.Fact))
	}
	return fmt.Sprintf("SELECT new.rowid AS rowid_, %s FROM %s AS new", assigns, tableName(prefix, entry.Fact))
}

// projectAssignments renders clause's Assign bindings as "expr AS
// name" column projections against alias, sorted by name for
// deterministic output across repeated compilations of the same
// program.
func projectAssignments(clause model.MatchClause, alias string) string {
	names := clause.Assignments.Keys()
	sort.Slice(names, func(i, j int) bool { return names[i].Less(names[j]) })
	parts := make([]string, len(names))
	for i, name := range names {
		expr, _ := clause.Assignments.Get(name)
		parts[i] = fmt.Sprintf("%s AS %s", lower.RenderExpression(expr, "", alias), name.Display())
	}
	return strings.Join(parts, ", ")
}

// uniqueAlias returns a SQL alias for fact that also doubles as the
// index-demand key GenerateJoin records it under, so an index ends up
// keyed on the real table it targets rather than a disposable SQL
// alias. A fact referenced more than once within the same rule (a
// self-join) gets a numeric suffix on every occurrence after the
// first to keep the aliases distinct.
func uniqueAlias(seen map[string]int, fact ident.Identifier) string {
	key := fact.Folded()
	seen[key]++
	if seen[key] == 1 {
		return fact.Display()
	}
	return fmt.Sprintf("%s%d", fact.Display(), seen[key])
}

func buildBody(ctx *lower.Context, prefix string, rule *model.Rule, frameSQL, whereSQL string) string {
	switch rule.Kind {
	case model.SuppressRule:
		alias := rule.SuppressedFact.Display()
		joinSQL, ok := ctx.GenerateJoin(rule.SuppressedWhen, "frame", alias, true)
		if !ok {
			joinSQL = "1"
		}
		return fmt.Sprintf(
			"DELETE FROM %s WHERE rowid IN (\n    SELECT %s.rowid FROM %s AS %s\n    JOIN (%s) AS frame ON %s\n    WHERE %s\n  );",
			tableName(prefix, rule.SuppressedFact), alias, tableName(prefix, rule.SuppressedFact), alias, frameSQL, joinSQL, whereSQL)
	default:
		names := rule.ProducedFields.Keys()
		sort.Slice(names, func(i, j int) bool { return names[i].Less(names[j]) })
		cols := make([]string, len(names))
		exprs := make([]string, len(names))
		for i, name := range names {
			expr, _ := rule.ProducedFields.Get(name)
			cols[i] = name.Display()
			exprs[i] = lower.RenderExpression(expr, "frame", "")
		}
		distinctSQL := ""
		if rule.Distinct {
			distinctSQL = fmt.Sprintf(
				"\n    AND NOT EXISTS (SELECT 1 FROM %s AS existing WHERE %s)",
				tableName(prefix, rule.ProducedFact), distinctGuard(rule, names))
		}
		return fmt.Sprintf(
			"INSERT INTO %s (%s)\n    SELECT %s FROM (%s) AS frame\n    WHERE %s%s;",
			tableName(prefix, rule.ProducedFact), strings.Join(cols, ", "), strings.Join(exprs, ", "), frameSQL, whereSQL, distinctSQL)
	}
}

// distinctGuard builds the existing-row equality test a !distinct
// assertion needs: every produced field must match the candidate row
// exactly, or the insert would silently duplicate an existing fact.
func distinctGuard(rule *model.Rule, names []ident.Identifier) string {
	parts := make([]string, len(names))
	for i, name := range names {
		expr, _ := rule.ProducedFields.Get(name)
		parts[i] = fmt.Sprintf("existing.%s = %s", name.Display(), lower.RenderExpression(expr, "frame", ""))
	}
	return strings.Join(parts, " AND ")
}

const schemaTemplate = `-- Generated by ruleforge from {{.File}}
-- {{.Description}}
-- {{.Timestamp}}

{{range .Facts}}
{{if once "table" .Table}}
CREATE TABLE {{.Table}} (
{{range $i, $f := .Fields}}{{if $i}},
{{end}}  {{$f.Name}} {{$f.SQLType}}{{end}}
);
{{if .IsOutput}}
CREATE VIEW {{.View}} AS SELECT * FROM {{.Table}};
{{end}}
{{end}}
{{end}}
{{range .Parameters}}
CREATE TABLE {{.Table}} (value {{.SQLType}});
INSERT INTO {{.Table}} (value) VALUES ({{.DefaultSQL}});
{{end}}
{{range .Rules}}
{{range .Triggers}}
CREATE TRIGGER {{.Name}}
AFTER INSERT ON {{.OnFact}}
WHEN {{.WhenSQL}}
BEGIN
  {{.BodySQL}}
END;
{{end}}
{{end}}`
