package main

import (
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/lexer"
	"github.com/spf13/cobra"

	"github.com/deicod/crinkle/internal/cliformat"
)

var cmdLex = &cobra.Command{
	Use:   "lex [path]",
	Short: "tokenize a template and print its tokens",
	Run:   runLex,
}

type tokenJSON struct {
	Type   string           `json:"type"`
	Lexeme string           `json:"lexeme"`
	Span   diagnostics.Span `json:"span"`
}

func runLex(cmd *cobra.Command, args []string) {
	source, label := readSource(args)

	l := lexer.NewLexer(lexer.DefaultLexerConfig())
	bag := &diagnostics.Bag{}
	stream := l.TokenizeWithDiagnostics(source, label, label, lexer.StateRoot, bag)
	tokens := stream.Tokens()
	ec := exitCode(bag)
	diags := boundedDiagnostics(bag)

	tokensOut := make([]tokenJSON, 0, len(tokens))
	for _, t := range tokens {
		tokensOut = append(tokensOut, tokenJSON{Type: t.Type.String(), Lexeme: t.Value, Span: tokenSpan(t)})
	}

	format := resolveFormat("json")
	switch format {
	case "text":
		var buf strings.Builder
		for _, t := range tokens {
			span := tokenSpan(t)
			fmt.Fprintf(&buf, "%s %q %d:%d-%d:%d\n", t.Type, t.Value, span.Start.Line, span.Start.Column, span.End.Line, span.End.Column)
		}
		fmt.Print(buf.String())
		cliformat.NewStdoutWriter(argsRoot.noColor).WriteDiagnostics(label, diags)
	case "html":
		var buf strings.Builder
		for _, t := range tokens {
			span := tokenSpan(t)
			fmt.Fprintf(&buf, "%s %q %d:%d-%d:%d\n", t.Type, t.Value, span.Start.Line, span.Start.Column, span.End.Line, span.End.Column)
		}
		fmt.Printf("<pre>%s</pre>\n", html.EscapeString(buf.String()))
	default:
		out := struct {
			Tokens      []tokenJSON `json:"tokens"`
			Diagnostics []diagJSON  `json:"diagnostics"`
		}{Tokens: tokensOut, Diagnostics: toDiagJSON(diags)}
		data, err := marshalJSON(out)
		if err != nil {
			usageError(err)
		}
		fmt.Println(string(data))
	}

	basename := snapshotBasename(label)
	if tokensData, err := marshalJSON(tokensOut); err == nil {
		writeSnapshot(basename, ".tokens.json", tokensData)
	}
	if diagData, err := marshalJSON(toDiagJSON(diags)); err == nil {
		writeSnapshot(basename, ".diagnostics.json", diagData)
	}

	os.Exit(ec)
}
