package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/internal/cliformat"
	"github.com/deicod/crinkle/lint"
	"github.com/deicod/crinkle/runtime"
)

var argsLint struct {
	schema       string
	listBuiltins bool
}

var cmdLint = &cobra.Command{
	Use:   "lint [path]",
	Short: "run the rule set over a template",
	Run:   runLint,
}

func init() {
	cmdLint.Flags().StringVar(&argsLint.schema, "schema", "", "path to a context schema (default: .crinkle/schema.json if present)")
	cmdLint.Flags().BoolVar(&argsLint.listBuiltins, "list-builtins", false, "print the builtin filter/test registry as JSON instead of linting")
}

// builtinEntry is one row of --list-builtins output: a registered name and
// the registration category it was filed under (see filterRegistration in
// runtime/filters.go).
type builtinEntry struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// listBuiltins prints the environment's builtin filter/test registry. It
// exists so a schema author can see what's already known without grepping
// source, rather than hand-transcribing the standard library into schema.json.
func listBuiltins() {
	env := runtime.NewEnvironment()
	out := struct {
		Filters []builtinEntry `json:"filters"`
		Tests   []builtinEntry `json:"tests"`
	}{}
	for _, name := range env.FilterNames() {
		category, _ := env.FilterCategory(name)
		out.Filters = append(out.Filters, builtinEntry{Name: name, Category: category})
	}
	for _, name := range env.TestNames() {
		category, _ := env.TestCategory(name)
		out.Tests = append(out.Tests, builtinEntry{Name: name, Category: category})
	}
	data, err := marshalJSON(out)
	if err != nil {
		usageError(err)
	}
	fmt.Println(string(data))
	os.Exit(0)
}

// resolveSchema loads --schema, or falls back to .crinkle/schema.json when
// neither is given; a missing default file is not an error, an explicit
// --schema that fails to load is.
func resolveSchema() *lint.Schema {
	path := argsLint.schema
	if path == "" {
		candidate := filepath.Join(".crinkle", "schema.json")
		if _, err := os.Stat(candidate); err != nil {
			return nil
		}
		path = candidate
	}
	schema, err := lint.LoadSchema(path)
	if err != nil {
		usageError(fmt.Errorf("loading schema %s: %w", path, err))
	}
	return schema
}

func runLint(cmd *cobra.Command, args []string) {
	if argsLint.listBuiltins {
		listBuiltins()
		return
	}

	source, label := readSource(args)
	schema := resolveSchema()

	env := runtime.NewEnvironment()
	env.SetLoader(runtime.NewMapLoader(map[string]string{label: source}))

	compiled, err := compileTemplate(env, source, label)
	upstream := &diagnostics.Bag{}
	if compiled != nil {
		upstream.Extend(compiled.Bag)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja: lint: %v\n", err)
	} else {
		// Dry-run the renderer against an empty context to surface
		// undefined-variable and similar diagnostics without producing
		// output anyone cares about.
		_, renderBag, _ := compiled.Template.ExecuteToStringWithDiagnostics(map[string]interface{}{})
		upstream.Extend(renderBag)
	}

	in := lint.Input{Source: source, Upstream: upstream, Schema: schema}
	if compiled != nil {
		in.Template = compiled.AST
	}
	bag := lint.Run(in, nil)

	ec := exitCode(bag)
	diags := boundedDiagnostics(bag)

	format := resolveFormat("text")
	switch format {
	case "json":
		out := struct {
			Diagnostics []diagJSON `json:"diagnostics"`
		}{Diagnostics: toDiagJSON(diags)}
		data, encErr := marshalJSON(out)
		if encErr != nil {
			usageError(encErr)
		}
		fmt.Println(string(data))
	default:
		cliformat.NewStdoutWriter(argsRoot.noColor).WriteDiagnostics(label, diags)
	}

	basename := snapshotBasename(label)
	writeSnapshot(basename, ".diagnostics.json", mustJSON(toDiagJSON(boundedDiagnostics(upstream))))
	writeSnapshot(basename, ".lint.json", mustJSON(toDiagJSON(diags)))
	writeSnapshot(basename, ".macros.json", mustJSON(struct {
		Stats map[string]int `json:"stats"`
		Names []string       `json:"names"`
	}{Stats: env.GetMacroStats(), Names: env.GetMacroNames()}))

	os.Exit(ec)
}
