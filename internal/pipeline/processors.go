package pipeline

import (
	"strings"

	"github.com/ruleforge/ruleforge/internal/analyzer"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/doc"
	"github.com/ruleforge/ruleforge/internal/emit"
)

// DocumentProcessor reads, decodes, validates, and merges every file
// in ctx.FilePaths into ctx.RawDocument, left to right.
type DocumentProcessor struct {
	ReadFile func(path string) ([]byte, error)
}

func (p *DocumentProcessor) Process(ctx *PipelineContext) *PipelineContext {
	var docs []*doc.Document
	for _, path := range ctx.FilePaths {
		source, err := p.ReadFile(path)
		if err != nil {
			ctx.AddError(diagnostics.NewError(diagnostics.ErrI001, diagnostics.Position{File: path}, err.Error()))
			return ctx
		}
		raw, derr := doc.Decode(path, source)
		if derr != nil {
			ctx.AddError(derr)
			return ctx
		}
		d, verr := doc.Validate(path, raw)
		if verr != nil {
			ctx.AddError(verr)
			return ctx
		}
		docs = append(docs, d)
	}
	ctx.RawDocument = doc.Merge(docs...)
	return ctx
}

// AnalyzerProcessor runs the Rule Analyser over ctx.RawDocument,
// populating ctx.Program. It does not run if an earlier stage already
// failed, since there is nothing valid left to analyse.
type AnalyzerProcessor struct {
	Options analyzer.Options
}

func (p *AnalyzerProcessor) Process(ctx *PipelineContext) *PipelineContext {
	if ctx.HasErrors() || ctx.RawDocument == nil {
		return ctx
	}
	program, errs := analyzer.Analyze(strings.Join(ctx.FilePaths, ","), ctx.RawDocument, p.Options)
	ctx.Program = program
	for _, e := range errs {
		ctx.AddError(e)
	}
	return ctx
}

// EmitterProcessor renders ctx.Program into ctx.Schema. Per the error
// handling design, a nonzero error count anywhere earlier in the
// pipeline suppresses schema emission entirely.
type EmitterProcessor struct {
	Meta         emit.Metadata
	Prefix       string
	PublicPrefix string
}

func (p *EmitterProcessor) Process(ctx *PipelineContext) *PipelineContext {
	if ctx.HasErrors() {
		return ctx
	}
	meta := p.Meta
	if ctx.RawDocument != nil {
		meta.Description = ctx.RawDocument.Description
	}
	schema, err := emit.Render(ctx.Program, meta, p.Prefix, p.PublicPrefix)
	if err != nil {
		ctx.AddError(diagnostics.NewError(diagnostics.ErrI002, diagnostics.Position{}, err.Error()))
		return ctx
	}
	ctx.Schema = schema
	return ctx
}
