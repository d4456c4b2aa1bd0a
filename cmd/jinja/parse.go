package main

import (
	"fmt"
	"html"
	"os"

	"github.com/deicod/crinkle/lexer"
	"github.com/deicod/crinkle/nodes"
	"github.com/deicod/crinkle/parser"
	"github.com/spf13/cobra"

	"github.com/deicod/crinkle/internal/astjson"
	"github.com/deicod/crinkle/internal/cliformat"
)

var cmdParse = &cobra.Command{
	Use:   "parse [path]",
	Short: "parse a template and print its AST",
	Run:   runParse,
}

func runParse(cmd *cobra.Command, args []string) {
	source, label := readSource(args)

	p, err := parser.NewParser(nil, source, label, label, string(lexer.StateRoot))
	if err != nil {
		usageError(err)
	}
	ast, _ := p.Parse()
	ec := exitCode(p.Diagnostics)
	diags := boundedDiagnostics(p.Diagnostics)

	format := resolveFormat("json")
	switch format {
	case "text":
		fmt.Print(nodes.Dump(ast))
		cliformat.NewStdoutWriter(argsRoot.noColor).WriteDiagnostics(label, diags)
	case "html":
		fmt.Printf("<pre>%s</pre>\n", html.EscapeString(nodes.Dump(ast)))
	default:
		out := struct {
			AST         *astjson.Node `json:"ast"`
			Diagnostics []diagJSON    `json:"diagnostics"`
		}{AST: astjson.Build(ast), Diagnostics: toDiagJSON(diags)}
		data, err := marshalJSON(out)
		if err != nil {
			usageError(err)
		}
		fmt.Println(string(data))
	}

	basename := snapshotBasename(label)
	if astData, err := marshalJSON(astjson.Build(ast)); err == nil {
		writeSnapshot(basename, ".ast.json", astData)
	}
	if diagData, err := marshalJSON(toDiagJSON(diags)); err == nil {
		writeSnapshot(basename, ".diagnostics.json", diagData)
	}

	os.Exit(ec)
}
