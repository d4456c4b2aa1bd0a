package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/lexer"
	"github.com/deicod/crinkle/nodes"
	"github.com/deicod/crinkle/parser"
	"github.com/deicod/crinkle/runtime"
)

// argsRoot holds the persistent flags shared by every verb.
var argsRoot struct {
	stdin        bool
	format       string
	pretty       bool
	noColor      bool
	strict       bool
	maxErrors    int
	snapshotsDir string
	auditLog     string
}

// configureAuditLogging wires a FileAuditLogger at argsRoot.auditLog onto the
// global audit manager when --audit-log is set, so execution start/end and
// security violation events (emitted from runtime.ExecuteTemplate and
// SecurityContext) land in a durable JSON-lines log instead of only the
// console logger every Environment starts with.
func configureAuditLogging() {
	if argsRoot.auditLog == "" {
		return
	}
	logger, err := runtime.NewFileAuditLogger(argsRoot.auditLog, 10*1024*1024, 3)
	if err != nil {
		usageError(fmt.Errorf("audit log: %w", err))
	}
	runtime.ConfigureAuditLogging(logger, runtime.AuditLevelInfo)
}

// usageError reports a usage problem and exits with code 2, per the CLI's
// exit code convention (0 success, 1 diagnostics present, 2 usage error).
func usageError(err error) {
	fmt.Fprintf(os.Stderr, "jinja: %v\n", err)
	os.Exit(2)
}

// readSource resolves the template source from --stdin or a positional path,
// returning the source text and a display label used in diagnostics and
// snapshot file names.
func readSource(args []string) (source, label string) {
	if argsRoot.stdin {
		if len(args) > 0 {
			usageError(fmt.Errorf("--stdin is mutually exclusive with a positional path"))
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			usageError(fmt.Errorf("reading stdin: %w", err))
		}
		return string(data), "<stdin>"
	}
	if len(args) != 1 {
		usageError(fmt.Errorf("expected exactly one template path (or --stdin)"))
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		usageError(fmt.Errorf("reading %s: %w", args[0], err))
	}
	return string(data), filepath.Base(args[0])
}

// snapshotBasename strips the label down to its basename without extension,
// matching the "<basename>.<ext>" convention of the snapshots directory
// layout. "<stdin>" becomes "stdin".
func snapshotBasename(label string) string {
	if label == "<stdin>" {
		return "stdin"
	}
	ext := filepath.Ext(label)
	return strings.TrimSuffix(label, ext)
}

// resolveFormat applies the --format default for a verb when the flag was
// left unset.
func resolveFormat(def string) string {
	if argsRoot.format == "" {
		return def
	}
	return argsRoot.format
}

// marshalJSON encodes v honoring --pretty.
func marshalJSON(v interface{}) ([]byte, error) {
	if argsRoot.pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// writeSnapshot writes data to DIR/<basename><suffix> when a snapshots
// directory was requested; a no-op otherwise.
func writeSnapshot(basename, suffix string, data []byte) {
	if argsRoot.snapshotsDir == "" {
		return
	}
	if err := os.MkdirAll(argsRoot.snapshotsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "jinja: creating snapshots dir: %v\n", err)
		return
	}
	path := filepath.Join(argsRoot.snapshotsDir, basename+suffix)
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "jinja: writing %s: %v\n", path, err)
	}
}

// diagJSON is the wire shape of one diagnostic: diagnostics.Diagnostic omits
// Severity from its own JSON tags since most callers want the typed value,
// but the CLI's JSON output needs it spelled out as a string.
type diagJSON struct {
	ID       string           `json:"id"`
	Severity string           `json:"severity"`
	Message  string           `json:"message"`
	Span     diagnostics.Span `json:"span"`
}

func toDiagJSON(diags []diagnostics.Diagnostic) []diagJSON {
	out := make([]diagJSON, 0, len(diags))
	for _, d := range diags {
		out = append(out, diagJSON{ID: d.ID, Severity: d.Severity.String(), Message: d.Message, Span: d.Span})
	}
	return out
}

// exitCode implements the CLI's exit code rule: 1 when the bag has errors,
// or has warnings under --strict; 0 otherwise.
func exitCode(bag *diagnostics.Bag) int {
	if bag == nil {
		return 0
	}
	if bag.HasErrors() {
		return 1
	}
	if argsRoot.strict && bag.HasWarnings() {
		return 1
	}
	return 0
}

// boundedDiagnostics applies --max-errors, returning the (possibly
// truncated) diagnostic list in source order.
func boundedDiagnostics(bag *diagnostics.Bag) []diagnostics.Diagnostic {
	bag.Truncate(argsRoot.maxErrors)
	return bag.List()
}

// tokenSpan computes a token's half-open span, since lexer.Token only
// records its start position; the end is derived by walking the token's own
// value for embedded newlines, mirroring the column arithmetic the lexer
// itself uses (utf8.RuneCountInString-based columns).
func tokenSpan(t lexer.Token) diagnostics.Span {
	start := diagnostics.Position{Offset: t.Position, Line: t.Line, Column: t.Column}
	line, column, offset := t.Line, t.Column, t.Position
	for _, r := range t.Value {
		if r == '\n' {
			line++
			column = 1
		} else {
			column++
		}
		offset += utf8.RuneLen(r)
	}
	return diagnostics.Span{Start: start, End: diagnostics.Position{Offset: offset, Line: line, Column: column}}
}

// compiledTemplate bundles the parse result the render and lint verbs both
// need: a runtime.Template ready to execute, plus every lexer/parser
// diagnostic collected while building it.
type compiledTemplate struct {
	AST      *nodes.Template
	Template *runtime.Template
	Bag      *diagnostics.Bag
}

// compileTemplate parses source once via the parser package (preserving its
// diagnostics bag) and wraps the result in a runtime.Template bound to env,
// instead of going through Environment.FromString, which would re-parse and
// discard parser-stage diagnostics.
func compileTemplate(env *runtime.Environment, source, name string) (*compiledTemplate, error) {
	p, err := parser.NewParser(nil, source, name, name, string(lexer.StateRoot))
	if err != nil {
		return nil, err
	}
	ast, _ := p.Parse()

	tmpl, err := runtime.NewTemplate(env, ast, name)
	if err != nil {
		return &compiledTemplate{AST: ast, Bag: p.Diagnostics}, err
	}

	return &compiledTemplate{AST: ast, Template: tmpl, Bag: p.Diagnostics}, nil
}
