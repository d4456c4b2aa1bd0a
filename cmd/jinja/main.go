// Package main implements the jinja CLI: lex, parse, render, format, and
// lint verbs over the template pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cmdRoot = &cobra.Command{
	Use:   "jinja",
	Short: "Jinja-compatible template processing CLI",
	Long:  `Tokenize, parse, render, format, and lint Jinja-compatible templates.`,
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jinja: %v\n", err)
		os.Exit(2)
	}
}

// Execute wires every verb's flags onto the root command and runs it. Each
// verb's own Run func calls os.Exit directly with the pipeline's exit code
// once it has printed its output, so a returned error here only ever
// reflects a cobra-level usage problem (unknown flag, bad arg count).
func Execute() error {
	cmdRoot.PersistentFlags().BoolVar(&argsRoot.stdin, "stdin", false, "read source from stdin")
	cmdRoot.PersistentFlags().StringVar(&argsRoot.format, "format", "", "output format: json|text|html (default varies by command)")
	cmdRoot.PersistentFlags().BoolVar(&argsRoot.pretty, "pretty", false, "pretty-print JSON output")
	cmdRoot.PersistentFlags().BoolVar(&argsRoot.noColor, "no-color", false, "disable ANSI colors in text output")
	cmdRoot.PersistentFlags().BoolVar(&argsRoot.strict, "strict", false, "treat warnings as errors for the exit code")
	cmdRoot.PersistentFlags().IntVar(&argsRoot.maxErrors, "max-errors", 0, "cap reported diagnostics at N (0 = unlimited)")
	cmdRoot.PersistentFlags().StringVar(&argsRoot.snapshotsDir, "snapshots-dir", "", "write per-stage artefacts to PATH")
	cmdRoot.PersistentFlags().StringVar(&argsRoot.auditLog, "audit-log", "", "path to a JSON-lines file for execution/security audit events")
	cmdRoot.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		configureAuditLogging()
	}

	cmdRoot.AddCommand(cmdLex)
	cmdRoot.AddCommand(cmdParse)
	cmdRoot.AddCommand(cmdRender)
	cmdRoot.AddCommand(cmdFormat)
	cmdRoot.AddCommand(cmdLint)

	return cmdRoot.Execute()
}
