package pipeline

import (
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/doc"
	"github.com/ruleforge/ruleforge/internal/model"
)

// Options records the CLI's -b/-c/-r/-p/-o flags for one compilation.
// The stages do not read it: AnalyzerProcessor takes its settings from
// its own Options field and EmitterProcessor from its own Prefix field.
type Options struct {
	Backend       string
	DisableCycles bool
	EnableRegex   bool
	Prefix        string
	Output        string
}

// Processor is one stage of the compilation pipeline. Implementations
// must not mutate the ctx they are given beyond appending to
// ctx.Errors and setting the fields they own; they read whatever
// earlier stages populated.
type Processor interface {
	Process(ctx *PipelineContext) *PipelineContext
}

// PipelineContext is the single mutable structure threaded through
// every stage of one compilation. A fresh PipelineContext is built
// per invocation; nothing here survives across compilations.
type PipelineContext struct {
	// FilePaths are the rule-document files given on the command
	// line, in merge order.
	FilePaths []string
	Options   Options

	// RawDocument is the decoded, merged, structurally-validated
	// document, populated by the Schema Validator stage.
	RawDocument *doc.Document

	// Program is the rule IR populated by the Rule Analyser stage.
	Program *model.Program

	// Schema is the final rendered schema text, populated by the
	// Schema Emitter stage.
	Schema string

	// Errors accumulates diagnostics from every stage. A nonzero
	// length at the end of the pipeline means compilation failed.
	Errors []*diagnostics.DiagnosticError
}

// NewPipelineContext builds a zeroed context for the given document
// paths and options.
func NewPipelineContext(filePaths []string, opts Options) *PipelineContext {
	return &PipelineContext{FilePaths: filePaths, Options: opts}
}

// AddError appends a diagnostic to the context. It is the only
// mutation helper stages should need for error reporting.
func (c *PipelineContext) AddError(err *diagnostics.DiagnosticError) {
	if err == nil {
		return
	}
	c.Errors = append(c.Errors, err)
}

// HasErrors reports whether any stage has recorded a diagnostic.
func (c *PipelineContext) HasErrors() bool {
	return len(c.Errors) > 0
}
