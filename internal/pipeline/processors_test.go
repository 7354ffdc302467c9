package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/analyzer"
	"github.com/ruleforge/ruleforge/internal/emit"
	"github.com/ruleforge/ruleforge/internal/ident"
)

const validSource = `
Facts:
  Order:
    Total: INTEGER
  BigOrder:
    Total: INTEGER
Rules:
  Flag:
    MatchAll:
      - Fact: Order
        Assign:
          Amount: !expr "this.Total"
    Assert:
      Fact: BigOrder
      Fields:
        Total: !expr "Locals.Amount"
`

func fakeReader(contents map[string][]byte) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		src, ok := contents[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return src, nil
	}
}

func TestDocumentProcessorDecodesValidatesAndMerges(t *testing.T) {
	ctx := NewPipelineContext([]string{"a.rule"}, Options{})
	proc := &DocumentProcessor{ReadFile: fakeReader(map[string][]byte{
		"a.rule": []byte(validSource),
	})}

	out := proc.Process(ctx)

	require.Empty(t, out.Errors)
	require.NotNil(t, out.RawDocument)
	assert.Equal(t, 2, out.RawDocument.Facts.Len())
}

func TestDocumentProcessorRecordsReadErrorAndStops(t *testing.T) {
	ctx := NewPipelineContext([]string{"missing.rule"}, Options{})
	proc := &DocumentProcessor{ReadFile: fakeReader(nil)}

	out := proc.Process(ctx)

	require.True(t, out.HasErrors())
	assert.Nil(t, out.RawDocument)
}

func TestAnalyzerProcessorSkipsWhenEarlierStageFailed(t *testing.T) {
	ctx := NewPipelineContext([]string{"missing.rule"}, Options{})
	ctx = (&DocumentProcessor{ReadFile: fakeReader(nil)}).Process(ctx)

	out := (&AnalyzerProcessor{}).Process(ctx)

	assert.Nil(t, out.Program)
	assert.Len(t, out.Errors, 1)
}

func TestAnalyzerProcessorPopulatesProgram(t *testing.T) {
	ctx := NewPipelineContext([]string{"a.rule"}, Options{})
	ctx = (&DocumentProcessor{ReadFile: fakeReader(map[string][]byte{
		"a.rule": []byte(validSource),
	})}).Process(ctx)

	out := (&AnalyzerProcessor{Options: analyzer.Options{}}).Process(ctx)

	require.Empty(t, out.Errors)
	require.NotNil(t, out.Program)
	_, ok := out.Program.Rules.Get(ident.New("Flag"))
	assert.True(t, ok)
}

func TestEmitterProcessorSkipsWhenEarlierStageFailed(t *testing.T) {
	ctx := NewPipelineContext([]string{"missing.rule"}, Options{})
	ctx = (&DocumentProcessor{ReadFile: fakeReader(nil)}).Process(ctx)

	out := (&EmitterProcessor{Prefix: "_rf", PublicPrefix: "rf"}).Process(ctx)

	assert.Empty(t, out.Schema)
}

func TestEmitterProcessorRendersSchemaAndPicksUpDescription(t *testing.T) {
	ctx := NewPipelineContext([]string{"a.rule"}, Options{})
	ctx = (&DocumentProcessor{ReadFile: fakeReader(map[string][]byte{
		"a.rule": []byte("Description: widgets\n" + validSource),
	})}).Process(ctx)
	ctx = (&AnalyzerProcessor{}).Process(ctx)

	out := (&EmitterProcessor{
		Meta:         emit.Metadata{File: "a.rule", Timestamp: "t"},
		Prefix:       "_rf",
		PublicPrefix: "rf",
	}).Process(ctx)

	require.Empty(t, out.Errors)
	assert.Contains(t, out.Schema, "CREATE TABLE _rf_Order")
	assert.Contains(t, out.Schema, "widgets")
}
