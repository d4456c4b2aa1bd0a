// Package cliformat renders diagnostics for the CLI's text output mode,
// colorizing severity labels the way pgavlin-yomlette's yparse colors YAML
// node kinds: an Attribute-based prefix/suffix pair wrapped around the text.
package cliformat

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"

	"github.com/deicod/crinkle/diagnostics"
)

// Writer renders diagnostic lines to an underlying io.Writer, optionally in
// color. Disabled automatically when NoColor is set or stdout isn't a TTY.
type Writer struct {
	out     io.Writer
	NoColor bool
}

// NewStdoutWriter builds a Writer around a colorable stdout handle, so ANSI
// escapes behave on Windows consoles too.
func NewStdoutWriter(noColor bool) *Writer {
	return &Writer{out: colorable.NewColorableStdout(), NoColor: noColor || !isTerminal()}
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func severityColor(s diagnostics.Severity) *color.Color {
	switch s {
	case diagnostics.Error:
		return color.New(color.FgRed, color.Bold)
	case diagnostics.Warning:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}

// WriteDiagnostic writes one "<label>:<line>:<col>: <id> <message>" line,
// coloring the severity-bearing id segment.
func (w *Writer) WriteDiagnostic(label string, d diagnostics.Diagnostic) {
	if w.NoColor {
		fmt.Fprintln(w.out, d.Text(label))
		return
	}
	c := severityColor(d.Severity)
	fmt.Fprintf(w.out, "%s:%d:%d: %s %s\n", label, d.Span.Start.Line, d.Span.Start.Column, c.Sprint(d.ID), d.Message)
}

// WriteDiagnostics writes every diagnostic in order.
func (w *Writer) WriteDiagnostics(label string, diags []diagnostics.Diagnostic) {
	for _, d := range diags {
		w.WriteDiagnostic(label, d)
	}
}
