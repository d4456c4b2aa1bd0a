package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/runtime"

	"github.com/deicod/crinkle/internal/cliformat"
)

var argsRender struct {
	context       string
	policy        string
	stream        bool
	bytecodeCache string
}

var cmdRender = &cobra.Command{
	Use:   "render [path]",
	Short: "render a template against a JSON context",
	Run:   runRender,
}

func init() {
	cmdRender.Flags().StringVar(&argsRender.context, "context", "", "path to a JSON file of template variables")
	cmdRender.Flags().StringVar(&argsRender.policy, "policy", "", "sandbox security level: development|production|restricted")
	cmdRender.Flags().BoolVar(&argsRender.stream, "stream", false, "write rendered output incrementally instead of buffering")
	cmdRender.Flags().StringVar(&argsRender.bytecodeCache, "bytecode-cache", "", "directory for persisting compiled templates across render invocations")
}

// configureBytecodeCache wires a FileBytecodeCache into env when
// --bytecode-cache is set, so compiled ASTs survive between CLI
// invocations instead of only within one process's environment.
func configureBytecodeCache(env *runtime.Environment) {
	if argsRender.bytecodeCache == "" {
		return
	}
	cache, err := runtime.NewFileBytecodeCache(argsRender.bytecodeCache)
	if err != nil {
		usageError(fmt.Errorf("bytecode cache: %w", err))
	}
	env.SetBytecodeCache(cache)
}

func loadContext(path string) map[string]interface{} {
	if path == "" {
		return map[string]interface{}{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		usageError(fmt.Errorf("reading context %s: %w", path, err))
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(data, &vars); err != nil {
		usageError(fmt.Errorf("parsing context %s: %w", path, err))
	}
	return vars
}

// securityPolicyFor registers the builder-produced policy matching name onto
// the global security manager if it isn't already there, then returns name
// unchanged for SandboxEnvironment to look up. Only "default" is registered
// out of the box; development/restricted are real policies the sandbox
// package already builds, just not wired into the manager until asked for.
func securityPolicyFor(name string) string {
	sm := runtime.GetGlobalSecurityManager()
	switch name {
	case "development":
		if _, err := sm.GetPolicy(name); err != nil {
			_ = sm.AddPolicy(name, runtime.DevelopmentSecurityPolicy())
		}
	case "restricted":
		if _, err := sm.GetPolicy(name); err != nil {
			_ = sm.AddPolicy(name, runtime.RestrictedSecurityPolicy())
		}
	case "production", "":
		return "default"
	}
	return name
}

func runRender(cmd *cobra.Command, args []string) {
	source, label := readSource(args)
	vars := loadContext(argsRender.context)
	basename := snapshotBasename(label)

	if argsRender.policy != "" {
		runSandboxedRender(source, label, basename, vars)
		return
	}

	env := runtime.NewEnvironment()
	env.SetLoader(runtime.NewMapLoader(map[string]string{label: source}))
	configureBytecodeCache(env)

	if argsRender.stream {
		stream, err := env.Generate(label, vars)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jinja: render: %v\n", err)
			os.Exit(1)
		}
		_, err = stream.WriteTo(os.Stdout)
		diags := boundedDiagnostics(stream.Diagnostics())
		cliformat.NewStdoutWriter(argsRoot.noColor).WriteDiagnostics("render", diags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jinja: render: %v\n", err)
			os.Exit(1)
		}
		os.Exit(exitCode(stream.Diagnostics()))
	}

	compiled, err := compileTemplate(env, source, label)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja: render: %v\n", err)
		os.Exit(1)
	}

	output, renderBag, err := compiled.Template.ExecuteToStringWithDiagnostics(vars)
	bag := &diagnostics.Bag{}
	bag.Extend(compiled.Bag)
	bag.Extend(renderBag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja: render: %v\n", err)
		bag.Add(runtime.ErrorDiagnostic(err))
	}

	ec := exitCode(bag)
	diags := boundedDiagnostics(bag)
	emitRenderOutput(output, diags)

	writeSnapshot(basename, ".diagnostics.json", mustJSON(toDiagJSON(diags)))
	writeSnapshot(basename, ".html", []byte(output))
	if argsRoot.snapshotsDir != "" {
		writeSnapshot(basename, ".cache.json", mustJSON(env.CacheStats()))
	}

	os.Exit(ec)
}

// runSandboxedRender handles --policy renders. ExecuteToStringWithDiagnostics
// hands back the sandboxed context's own diagnostics bag, so undefined-
// variable and unknown-filter/test/function findings are reported here the
// same as on the unsandboxed path, alongside the policy's security violations.
func runSandboxedRender(source, label, basename string, vars map[string]interface{}) {
	policyName := securityPolicyFor(argsRender.policy)
	se := runtime.NewSandboxEnvironment(policyName)
	se.SetLoader(runtime.NewMapLoader(map[string]string{label: source}))
	configureBytecodeCache(se.Environment)

	compiled, err := compileTemplate(se.Environment, source, label)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja: render: %v\n", err)
		os.Exit(1)
	}

	correlationID := uuid.New().String()
	output, renderBag, err := se.ExecuteToStringWithDiagnostics(compiled.Template, vars)
	bag := &diagnostics.Bag{}
	bag.Extend(compiled.Bag)
	bag.Extend(renderBag)
	if err != nil {
		d := runtime.ErrorDiagnostic(err)
		d.Message = fmt.Sprintf("[%s] %s", correlationID, d.Message)
		bag.Add(d)
	}

	ec := exitCode(bag)
	diags := boundedDiagnostics(bag)
	emitRenderOutput(output, diags)

	if argsRoot.snapshotsDir != "" {
		entry := runtime.SecurityAuditEntry{
			Operation:   "render",
			Resource:    label,
			Allowed:     err == nil,
			Context:     correlationID,
			Template:    label,
			Description: fmt.Sprintf("policy=%s", policyName),
		}
		writeSnapshot(basename, ".audit.json", mustJSON(entry))
	}
	writeSnapshot(basename, ".diagnostics.json", mustJSON(toDiagJSON(diags)))
	writeSnapshot(basename, ".html", []byte(output))

	os.Exit(ec)
}

func emitRenderOutput(output string, diags []diagnostics.Diagnostic) {
	format := resolveFormat("text")
	switch format {
	case "json":
		out := struct {
			Output      string     `json:"output"`
			Diagnostics []diagJSON `json:"diagnostics"`
		}{Output: output, Diagnostics: toDiagJSON(diags)}
		data, err := marshalJSON(out)
		if err != nil {
			usageError(err)
		}
		fmt.Println(string(data))
	default:
		fmt.Print(output)
		cliformat.NewStdoutWriter(argsRoot.noColor).WriteDiagnostics("render", diags)
	}
}

func mustJSON(v interface{}) []byte {
	data, err := marshalJSON(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
