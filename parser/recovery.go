package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/lexer"
	"github.com/deicod/crinkle/nodes"
)

// setEndFromToken records node's end span position as just past tok (the
// BlockEnd/VariableEnd token that closed it). This is the one place Subparse
// sets EndPosition, covering every statement and output node it produces
// without needing an edit to each individual ParseX constructor.
func setEndFromToken(node nodes.Node, tok lexer.Token) {
	if node == nil {
		return
	}
	length := utf8.RuneCountInString(tok.Value)
	node.SetEndPosition(nodes.NewPositionWithOffset(tok.Position+len(tok.Value), tok.Line, tok.Column+length))
}

// reportAndSynchronize records err on the parser's diagnostics bag and
// advances the token stream to the next occurrence of sync (normally
// TokenBlockEnd or TokenVariableEnd), consuming it too, so the caller's
// Subparse loop can resume at the next tag or output expression instead of
// aborting the whole parse.
func (p *Parser) reportAndSynchronize(err error, sync lexer.TokenType) {
	p.reportError(err)

	for !p.stream.Eof() {
		tok := p.stream.Next()
		if tok.Type == sync {
			return
		}
	}
}

// reportParseError builds a diagnostic directly from a message and the token
// it concerns, for sites that don't already have a Go error to classify.
func (p *Parser) reportParseError(message string, tok lexer.Token) {
	p.addDiagnostic(diagnostics.UnexpectedToken, message, tok.Line, tok.Column, tok.Position)
}

// reportError classifies a parser-stage Go error into the diagnostics.Type
// taxonomy and records it, using line/column already carried on
// TemplateSyntaxError/TemplateAssertionError when present, falling back to
// the stream's current token position otherwise.
func (p *Parser) reportError(err error) {
	if err == nil {
		return
	}

	line, column := 0, 0
	message := err.Error()
	typ := diagnostics.UnexpectedToken

	switch e := err.(type) {
	case *TemplateSyntaxError:
		line, column = e.Line, e.Column
		message = e.Message
		typ = classifySyntaxMessage(e.Message)
	case *TemplateAssertionError:
		line, column = e.Line, e.Column
		message = e.Message
		typ = classifySyntaxMessage(e.Message)
	}

	if line == 0 {
		tok := p.stream.Peek()
		line, column = tok.Line, tok.Column
	}

	p.addDiagnostic(typ, message, line, column, 0)
}

func classifySyntaxMessage(message string) diagnostics.Type {
	switch {
	case strings.HasPrefix(message, "expected "):
		return diagnostics.ExpectedToken
	case strings.Contains(message, "Encountered unknown tag"):
		return diagnostics.UnknownTag
	case strings.Contains(message, "Unexpected end of template"):
		return diagnostics.MissingEndTag
	case strings.Contains(message, "expected an expression") || strings.Contains(message, "unexpected end of expression"):
		return diagnostics.ExpectedExpression
	default:
		return diagnostics.UnexpectedToken
	}
}

// addDiagnostic appends a Diagnostic built from raw position fields. Offset
// is best-effort: most parser-stage errors only carry line/column, so the
// span collapses to that point without a byte offset (0 is indistinguishable
// from "really offset 0", but callers needing exact offsets should consult
// the node's own Span() instead of a recovered diagnostic).
func (p *Parser) addDiagnostic(typ diagnostics.Type, message string, line, column, offset int) {
	if p.Diagnostics == nil {
		p.Diagnostics = &diagnostics.Bag{}
	}
	pos := diagnostics.Position{Offset: offset, Line: line, Column: column}
	p.Diagnostics.Add(diagnostics.New(diagnostics.StageParser, typ, message, diagnostics.Span{Start: pos, End: pos}))
}
