package lint

import (
	"fmt"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/nodes"
)

// pairKeyName extracts the string key of a Filter/Test keyword argument Pair,
// whose Key is an Expr that's a *nodes.Const holding a string in practice.
func pairKeyName(p *nodes.Pair) (string, bool) {
	if p == nil {
		return "", false
	}
	c, ok := p.Key.(*nodes.Const)
	if !ok {
		return "", false
	}
	s, ok := c.Value.(string)
	return s, ok
}

func ruleUnknownFilter(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		f, ok := n.(*nodes.Filter)
		if !ok {
			continue
		}
		if _, known := in.Schema.Filters[f.Name]; !known {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnknownFilter,
				fmt.Sprintf("unknown filter %q", f.Name), spanOf(f)))
		}
	}
	return out
}

func ruleUnknownTest(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		t, ok := n.(*nodes.Test)
		if !ok {
			continue
		}
		if _, known := in.Schema.Tests[t.Name]; !known {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnknownTest,
				fmt.Sprintf("unknown test %q", t.Name), spanOf(t)))
		}
	}
	return out
}

// callName extracts the bare function name a Call targets, when it's a
// direct *nodes.Name (global function call) rather than a method/attribute
// call, which schema entries don't cover.
func callName(c *nodes.Call) (string, bool) {
	name, ok := c.Node.(*nodes.Name)
	if !ok {
		return "", false
	}
	return name.Name, true
}

func ruleUnknownFunction(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		c, ok := n.(*nodes.Call)
		if !ok {
			continue
		}
		name, ok := callName(c)
		if !ok {
			continue
		}
		if _, known := in.Schema.Functions[name]; !known {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnknownFunction,
				fmt.Sprintf("unknown function %q", name), spanOf(c)))
		}
	}
	return out
}

// ruleWrongArgumentCount checks positional argument counts against a
// schema entry's required-parameter count for filters, tests, and calls to
// known functions. It only compares counts, never types: see the type-check
// interaction decision in SPEC_FULL.md.
func ruleWrongArgumentCount(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		switch v := n.(type) {
		case *nodes.Filter:
			if v.DynArgs != nil || v.DynKwargs != nil {
				continue
			}
			if entry, known := in.Schema.Filters[v.Name]; known {
				checkArgCount(entry, len(v.Args), spanOf(v), v.Name, "filter", &out)
			}
		case *nodes.Test:
			if v.DynArgs != nil || v.DynKwargs != nil {
				continue
			}
			if entry, known := in.Schema.Tests[v.Name]; known {
				checkArgCount(entry, len(v.Args), spanOf(v), v.Name, "test", &out)
			}
		case *nodes.Call:
			if v.DynArgs != nil || v.DynKwargs != nil {
				continue
			}
			name, ok := callName(v)
			if !ok {
				continue
			}
			if entry, known := in.Schema.Functions[name]; known {
				checkArgCount(entry, len(v.Args), spanOf(v), name, "function", &out)
			}
		}
	}
	return out
}

func checkArgCount(entry Entry, given int, span diagnostics.Span, name, kind string, out *[]diagnostics.Diagnostic) {
	required := requiredParamCount(entry.Params)
	if given < required {
		*out = append(*out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
			fmt.Sprintf("%s %q expects at least %d argument(s), got %d", kind, name, required, given), span))
		return
	}
	if given > len(entry.Params) {
		*out = append(*out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
			fmt.Sprintf("%s %q takes at most %d argument(s), got %d", kind, name, len(entry.Params), given), span))
	}
}

// ruleUnknownKwarg flags keyword arguments not named in the schema entry's
// parameter list.
func ruleUnknownKwarg(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		switch v := n.(type) {
		case *nodes.Filter:
			entry, known := in.Schema.Filters[v.Name]
			if !known {
				continue
			}
			for _, kw := range v.Kwargs {
				key, ok := pairKeyName(kw)
				if !ok || hasParam(entry, key) {
					continue
				}
				out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					fmt.Sprintf("filter %q has no keyword argument %q", v.Name, key), spanOf(kw)))
			}
		case *nodes.Call:
			name, ok := callName(v)
			if !ok {
				continue
			}
			entry, known := in.Schema.Functions[name]
			if !known {
				continue
			}
			for _, kw := range v.Kwargs {
				if hasParam(entry, kw.Key) {
					continue
				}
				out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					fmt.Sprintf("function %q has no keyword argument %q", name, kw.Key), spanOf(kw)))
			}
		}
	}
	return out
}

func hasParam(entry Entry, name string) bool {
	for _, p := range entry.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ruleMissingRequiredArgument flags a required parameter that is supplied
// neither positionally nor by keyword.
func ruleMissingRequiredArgument(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	check := func(entry Entry, positional int, kwNames map[string]bool, span diagnostics.Span, name, kind string) {
		for i, p := range entry.Params {
			if !p.Required {
				continue
			}
			if i < positional || kwNames[p.Name] {
				continue
			}
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				fmt.Sprintf("%s %q is missing required argument %q", kind, name, p.Name), span))
		}
	}

	for _, n := range walk(in.Template) {
		switch v := n.(type) {
		case *nodes.Filter:
			if v.DynArgs != nil || v.DynKwargs != nil {
				continue
			}
			if entry, known := in.Schema.Filters[v.Name]; known {
				kw := map[string]bool{}
				for _, p := range v.Kwargs {
					if key, ok := pairKeyName(p); ok {
						kw[key] = true
					}
				}
				check(entry, len(v.Args), kw, spanOf(v), v.Name, "filter")
			}
		case *nodes.Call:
			if v.DynArgs != nil || v.DynKwargs != nil {
				continue
			}
			name, ok := callName(v)
			if !ok {
				continue
			}
			if entry, known := in.Schema.Functions[name]; known {
				kw := map[string]bool{}
				for _, k := range v.Kwargs {
					kw[k.Key] = true
				}
				check(entry, len(v.Args), kw, spanOf(v), name, "function")
			}
		}
	}
	return out
}

// ruleDeprecatedUsage flags calls to a schema entry that carries a
// Deprecated replacement hint.
func ruleDeprecatedUsage(in Input) []diagnostics.Diagnostic {
	if in.Schema == nil || in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		switch v := n.(type) {
		case *nodes.Filter:
			if entry, known := in.Schema.Filters[v.Name]; known && entry.Deprecated != "" {
				out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					diagnostics.Warning, fmt.Sprintf("filter %q is deprecated: %s", v.Name, entry.Deprecated), spanOf(v)))
			}
		case *nodes.Test:
			if entry, known := in.Schema.Tests[v.Name]; known && entry.Deprecated != "" {
				out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					diagnostics.Warning, fmt.Sprintf("test %q is deprecated: %s", v.Name, entry.Deprecated), spanOf(v)))
			}
		case *nodes.Call:
			name, ok := callName(v)
			if !ok {
				continue
			}
			if entry, known := in.Schema.Functions[name]; known && entry.Deprecated != "" {
				out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					diagnostics.Warning, fmt.Sprintf("function %q is deprecated: %s", name, entry.Deprecated), spanOf(v)))
			}
		}
	}
	return out
}
