// Package diagnostics provides the structured error-reporting types shared by
// the lexer, parser, renderer, and linter stages of the template pipeline.
//
// Each stage accumulates Diagnostic values into a Bag instead of aborting, so
// that a later stage always receives a best-effort result from the one
// before it (see the pipeline's recovery invariants).
package diagnostics

import (
	"fmt"
	"sort"
	"sync"
)

// Position is a 0-based byte offset paired with 1-based line/column.
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is a half-open source range; End is exclusive.
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// NewSpan builds a Span, swapping start/end if End precedes Start so callers
// never have to special-case a malformed range by hand.
func NewSpan(start, end Position) Span {
	if end.Offset < start.Offset {
		start, end = end, start
	}
	return Span{Start: start, End: end}
}

// Severity classifies how serious a Diagnostic is.
type Severity int

const (
	Error Severity = iota
	Warning
	Info
)

func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	default:
		return "unknown"
	}
}

// Stage identifies which pipeline stage produced a Diagnostic. It is the
// first component of a Diagnostic's dotted id, e.g. "Lexer/UnterminatedString".
type Stage int

const (
	StageLexer Stage = iota
	StageParser
	StageRenderer
	StageLinter
)

func (s Stage) String() string {
	switch s {
	case StageLexer:
		return "Lexer"
	case StageParser:
		return "Parser"
	case StageRenderer:
		return "Renderer"
	case StageLinter:
		return "Linter"
	default:
		return "Unknown"
	}
}

// Type is the closed enumeration of diagnostic kinds from the spec's
// DiagnosticType taxonomy.
type Type int

const (
	UnterminatedExpression Type = iota
	UnterminatedBlock
	UnterminatedString
	UnterminatedComment
	UnexpectedChar
	UnexpectedToken
	ExpectedToken
	ExpectedExpression
	MissingEndTag
	UnknownTag
	UnexpectedEndTag
	UnknownVariable
	UnknownFilter
	UnknownTest
	UnknownFunction
	UnknownTagRenderer
	InvalidOperand
	NotIterable
	UnsupportedNode
	TemplateNotFound
	UnknownMacro
	TemplateCycle
	HtmlUnexpectedEndTag
	HtmlMismatchedEndTag
	HtmlUnclosedTag
)

var typeNames = map[Type]string{
	UnterminatedExpression: "UnterminatedExpression",
	UnterminatedBlock:      "UnterminatedBlock",
	UnterminatedString:     "UnterminatedString",
	UnterminatedComment:    "UnterminatedComment",
	UnexpectedChar:         "UnexpectedChar",
	UnexpectedToken:        "UnexpectedToken",
	ExpectedToken:          "ExpectedToken",
	ExpectedExpression:     "ExpectedExpression",
	MissingEndTag:          "MissingEndTag",
	UnknownTag:             "UnknownTag",
	UnexpectedEndTag:       "UnexpectedEndTag",
	UnknownVariable:        "UnknownVariable",
	UnknownFilter:          "UnknownFilter",
	UnknownTest:            "UnknownTest",
	UnknownFunction:        "UnknownFunction",
	UnknownTagRenderer:     "UnknownTagRenderer",
	InvalidOperand:         "InvalidOperand",
	NotIterable:            "NotIterable",
	UnsupportedNode:        "UnsupportedNode",
	TemplateNotFound:       "TemplateNotFound",
	UnknownMacro:           "UnknownMacro",
	TemplateCycle:          "TemplateCycle",
	HtmlUnexpectedEndTag:   "HtmlUnexpectedEndTag",
	HtmlMismatchedEndTag:   "HtmlMismatchedEndTag",
	HtmlUnclosedTag:        "HtmlUnclosedTag",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// defaultSeverity is used by New when a caller doesn't need to override it.
func (t Type) defaultSeverity() Severity {
	switch t {
	case UnknownVariable, UnknownFilter, UnknownTest, UnknownFunction, UnknownMacro:
		return Warning
	default:
		return Error
	}
}

// Diagnostic is a single structured report attached to a source span.
type Diagnostic struct {
	Stage    Stage    `json:"-"`
	Type     Type     `json:"-"`
	Severity Severity `json:"-"`
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Span     Span      `json:"span"`
}

// New builds a Diagnostic with the type's default severity.
func New(stage Stage, typ Type, message string, span Span) Diagnostic {
	return NewWithSeverity(stage, typ, typ.defaultSeverity(), message, span)
}

// NewWithSeverity builds a Diagnostic with an explicit severity override.
func NewWithSeverity(stage Stage, typ Type, severity Severity, message string, span Span) Diagnostic {
	return Diagnostic{
		Stage:    stage,
		Type:     typ,
		Severity: severity,
		ID:       stage.String() + "/" + typ.String(),
		Message:  message,
		Span:     span,
	}
}

// Text renders the diagnostic in the CLI's "<label>:<line>:<col>: <id> <message>" form.
func (d Diagnostic) Text(label string) string {
	return fmt.Sprintf("%s:%d:%d: %s %s", label, d.Span.Start.Line, d.Span.Start.Column, d.ID, d.Message)
}

// Bag accumulates diagnostics from one or more pipeline stages, in the
// order they were produced, and knows how to merge them back into source
// order for presentation (spec's ordering rule: by span, then by pipeline
// stage order for ties).
type Bag struct {
	mu    sync.Mutex
	items []Diagnostic
}

// Add appends a diagnostic to the bag. Safe for concurrent use since a
// renderer may be shared across goroutines (e.g. batch rendering).
func (b *Bag) Add(d Diagnostic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, d)
}

// Addf is a convenience wrapper around Add + New.
func (b *Bag) Addf(stage Stage, typ Type, span Span, format string, args ...interface{}) {
	b.Add(New(stage, typ, fmt.Sprintf(format, args...), span))
}

// Extend appends every diagnostic from other, preserving its internal order.
func (b *Bag) Extend(other *Bag) {
	if other == nil {
		return
	}
	other.mu.Lock()
	items := make([]Diagnostic, len(other.items))
	copy(items, other.items)
	other.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
}

// List returns a copy of the accumulated diagnostics in source-span order,
// stage order as the tiebreaker (Lexer < Parser < Renderer < Linter).
func (b *Bag) List() []Diagnostic {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Diagnostic, len(b.items))
	copy(out, b.items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Span.Start.Offset != out[j].Span.Start.Offset {
			return out[i].Span.Start.Offset < out[j].Span.Start.Offset
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

// Len reports how many diagnostics have been recorded.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// HasErrors reports whether any recorded diagnostic has Error severity.
func (b *Bag) HasErrors() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.items {
		if d.Severity == Error {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any recorded diagnostic has Warning severity.
func (b *Bag) HasWarnings() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.items {
		if d.Severity == Warning {
			return true
		}
	}
	return false
}

// Truncate caps the bag at n diagnostics (in current insertion order),
// implementing the CLI's --max-errors option. n <= 0 means no cap.
func (b *Bag) Truncate(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.items) <= n {
		return
	}
	b.items = b.items[:n]
}
