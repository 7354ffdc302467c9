package pipeline

// Pipeline represents a sequence of processing stages.
type Pipeline struct {
	processors []Processor
}

func New(processors ...Processor) *Pipeline {
	return &Pipeline{processors: processors}
}

// Run executes every stage in order, always threading the context
// through to the end. Run itself does not stop on error; each stage
// decides whether to do its work (the analyzer and emitter stages skip
// once ctx already holds errors), and the CLI decides at the very end
// whether ctx.Errors is nonempty.
func (p *Pipeline) Run(initialCtx *PipelineContext) *PipelineContext {
	ctx := initialCtx
	for _, processor := range p.processors {
		ctx = processor.Process(ctx)
	}
	return ctx
}
