package lexer

import (
	"strings"

	"github.com/deicod/crinkle/diagnostics"
)

// TokenizeWithDiagnostics tokenizes source the same way Tokenize does, but
// never returns a nil stream: a lexing failure is converted into a
// diagnostics.Diagnostic appended to bag, and the best-effort token stream
// collected up to that point (plus the trailing Eof token) is returned so
// the parser stage always has something to work with.
func (l *Lexer) TokenizeWithDiagnostics(source, name, filename string, initialState LexerState, bag *diagnostics.Bag) *TokenStream {
	stream, err := l.Tokenize(source, name, filename, initialState)
	if err == nil || bag == nil {
		return stream
	}

	lexErr, ok := err.(*LexerError)
	if !ok {
		bag.Add(diagnostics.New(diagnostics.StageLexer, diagnostics.UnexpectedChar, err.Error(), diagnostics.Span{}))
		return stream
	}

	bag.Add(diagnostics.New(diagnostics.StageLexer, classifyLexerError(lexErr), lexErr.Message, lexErr.span()))
	return stream
}

// span builds a zero-width diagnostics.Span at the point the error occurred.
func (e *LexerError) span() diagnostics.Span {
	pos := diagnostics.Position{Offset: e.Pos, Line: e.Line, Column: e.Column}
	return diagnostics.Span{Start: pos, End: pos}
}

// classifyLexerError maps the lexer state active when the error was raised
// (and, for the unexpected-character case, the message text) to the closed
// diagnostics.Type taxonomy.
func classifyLexerError(e *LexerError) diagnostics.Type {
	if strings.Contains(e.Message, "invalid identifier") {
		return diagnostics.UnexpectedToken
	}
	if strings.Contains(e.Message, "unexpected character") && (e.State == StateVariableBegin || e.State == StateBlockBegin) {
		if strings.HasSuffix(e.Message, `'\''`) || strings.HasSuffix(e.Message, `'"'`) {
			return diagnostics.UnterminatedString
		}
		return diagnostics.UnexpectedChar
	}
	if strings.Contains(e.Message, "unexpected character") {
		return diagnostics.UnexpectedChar
	}

	switch e.State {
	case StateVariableBegin:
		return diagnostics.UnterminatedExpression
	case StateBlockBegin, StateLineStatement, StateRawBegin:
		return diagnostics.UnterminatedBlock
	case StateCommentBegin, StateLineComment:
		return diagnostics.UnterminatedComment
	default:
		return diagnostics.UnexpectedChar
	}
}
