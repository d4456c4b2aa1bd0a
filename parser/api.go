package parser

import (
	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/nodes"
)

// defaultTemplateFilename is the display name one-shot callers get when they
// don't have a real file path to hand in, e.g. a template embedded in a Go
// string literal passed straight to ParseTemplate.
const defaultTemplateFilename = "template.jinja"

// ParseTemplate is a one-line API for parsing a template string with a
// fresh, unconfigured Environment. It discards recoverable diagnostics
// (unterminated tags, unexpected tokens past the first) along with the
// parser's own error; use ParseTemplateWithDiagnostics to see them.
func ParseTemplate(template string) (*nodes.Template, error) {
	ast, _, err := ParseTemplateWithDiagnostics(&Environment{}, template, "template", defaultTemplateFilename)
	return ast, err
}

// ParseTemplateWithEnv parses a template using the given environment.
// Returns the AST or an error with position information.
func ParseTemplateWithEnv(env *Environment, template, name, filename string) (*nodes.Template, error) {
	ast, _, err := ParseTemplateWithDiagnostics(env, template, name, filename)
	return ast, err
}

// ParseTemplateWithDiagnostics parses a template and also returns every
// diagnostic the lexer and parser stages collected along the way (bag is
// never nil, even on a hard parse error), so a caller that only needs a
// single AST doesn't have to construct a Parser by hand to reach p.Diagnostics.
func ParseTemplateWithDiagnostics(env *Environment, template, name, filename string) (*nodes.Template, *diagnostics.Bag, error) {
	p, err := NewParser(env, template, name, filename, "")
	if err != nil {
		return nil, &diagnostics.Bag{}, err
	}

	ast, err := p.Parse()
	bag := p.Diagnostics
	if bag == nil {
		bag = &diagnostics.Bag{}
	}
	return ast, bag, err
}