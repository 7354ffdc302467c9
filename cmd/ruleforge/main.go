// Command ruleforge compiles one or more rule documents into a SQL
// schema implementing their forward-chaining production rules.
package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ruleforge/ruleforge/internal/analyzer"
	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/diagnostics"
	"github.com/ruleforge/ruleforge/internal/emit"
	"github.com/ruleforge/ruleforge/internal/pipeline"
)

var prefixPattern = regexp.MustCompile(`(?i)^[A-Z][A-Za-z0-9]*$`)

// flags mirrors the -b/-c/-r/-p/-o/-v surface from the original
// giles CLI (original_source/giles/giles.py's ArgumentParser), rebuilt
// on cobra the way aiseeq-glint/cmd/glint/main.go wires its own flags.
var flags = struct {
	backend       string
	disableCycles bool
	enableRegex   bool
	prefix        string
	output        string
	noColor       bool
}{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var flagVersion bool

var rootCmd = &cobra.Command{
	Use:           "ruleforge FILE...",
	Short:         "Compile production-rule documents into a relational schema",
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCompile,
}

func init() {
	rootCmd.Flags().StringVarP(&flags.backend, "backend", "b", config.DefaultBackend, "emitter backend to use")
	rootCmd.Flags().BoolVarP(&flags.disableCycles, "no-cycles", "c", false, "disable cycle checking")
	rootCmd.Flags().BoolVarP(&flags.enableRegex, "regex", "r", false, "enable regex operators (~, !~)")
	rootCmd.Flags().StringVarP(&flags.prefix, "prefix", "p", "ruleforge", "prefix for generated schema objects")
	rootCmd.Flags().StringVarP(&flags.output, "output", "o", "-", "destination schema file (- for stdout)")
	rootCmd.Flags().BoolVarP(&flagVersion, "version", "v", false, "print version and exit")
	rootCmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored diagnostics")
}

func runCompile(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Println("ruleforge " + config.Version)
		return nil
	}
	if len(args) == 0 {
		return reportAndExit([]*diagnostics.DiagnosticError{
			diagnostics.NewError(diagnostics.ErrC001, diagnostics.Position{}, "at least one rule-document file is required"),
		})
	}
	if flags.backend != config.DefaultBackend {
		return reportAndExit([]*diagnostics.DiagnosticError{
			diagnostics.NewError(diagnostics.ErrC001, diagnostics.Position{}, fmt.Sprintf("unknown backend %q", flags.backend)),
		})
	}
	if !prefixPattern.MatchString(flags.prefix) {
		return reportAndExit([]*diagnostics.DiagnosticError{
			diagnostics.NewError(diagnostics.ErrC001, diagnostics.Position{}, fmt.Sprintf("invalid prefix: %q", flags.prefix)),
		})
	}

	ctx := pipeline.NewPipelineContext(args, pipeline.Options{
		Backend:       flags.backend,
		DisableCycles: flags.disableCycles,
		EnableRegex:   flags.enableRegex,
		Prefix:        flags.prefix,
		Output:        flags.output,
	})

	processingPipeline := pipeline.New(
		&pipeline.DocumentProcessor{ReadFile: os.ReadFile},
		&pipeline.AnalyzerProcessor{Options: analyzer.Options{
			EnableRegex:   flags.enableRegex,
			DisableCycles: flags.disableCycles,
		}},
		&pipeline.EmitterProcessor{
			Meta: emit.Metadata{
				File:      strings.Join(args, ","),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
			Prefix:       "_" + flags.prefix,
			PublicPrefix: flags.prefix,
		},
	)

	final := processingPipeline.Run(ctx)
	if final.HasErrors() {
		return reportAndExit(final.Errors)
	}

	return writeSchema(flags.output, final.Schema)
}

func writeSchema(output, schema string) error {
	if output == "-" {
		fmt.Println(schema)
		return nil
	}
	return os.WriteFile(output, []byte(schema+"\n"), 0644)
}

// reportAndExit renders every collected diagnostic to stderr, colored
// red when the destination is a terminal (matching aiseeq-glint's
// pkg/output console-writer convention of a TTY-gated, --no-color-
// overridable writer), then exits with status 1 — a nonzero error
// count always suppresses schema emission per the error handling
// design.
func reportAndExit(errs []*diagnostics.DiagnosticError) error {
	if flags.noColor || !isatty.IsTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
	red := color.New(color.FgRed, color.Bold)
	for _, e := range errs {
		red.Fprintln(os.Stderr, e.Error())
	}
	os.Exit(1)
	return nil
}
