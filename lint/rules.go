package lint

import (
	"fmt"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/nodes"
)

// ruleMultipleExtends flags any *nodes.Extends beyond the first one found at
// the template's top level.
func ruleMultipleExtends(in Input) []diagnostics.Diagnostic {
	if in.Template == nil {
		return nil
	}
	var out []diagnostics.Diagnostic
	seen := false
	for _, n := range in.Template.Body {
		ext, ok := n.(*nodes.Extends)
		if !ok {
			continue
		}
		if seen {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				"a template can only have one {% extends %} tag", spanOf(ext)))
		}
		seen = true
	}
	return out
}

// ruleExtendsNotFirst flags an {% extends %} that isn't the first
// significant top-level statement, ignoring leading Output nodes whose only
// content is whitespace text.
func ruleExtendsNotFirst(in Input) []diagnostics.Diagnostic {
	if in.Template == nil {
		return nil
	}
	sawSignificant := false
	var out []diagnostics.Diagnostic
	for _, n := range in.Template.Body {
		if isWhitespaceOnlyOutput(n) {
			continue
		}
		if ext, ok := n.(*nodes.Extends); ok {
			if sawSignificant {
				out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
					"{% extends %} must be the first statement in the template", spanOf(ext)))
			}
		}
		sawSignificant = true
	}
	return out
}

func isWhitespaceOnlyOutput(n nodes.Node) bool {
	out, ok := n.(*nodes.Output)
	if !ok {
		return false
	}
	for _, expr := range out.Nodes {
		data, ok := expr.(*nodes.TemplateData)
		if !ok {
			return false
		}
		for _, r := range data.Data {
			if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
				return false
			}
		}
	}
	return true
}

// ruleDuplicateBlock flags repeated *nodes.Block names anywhere in the
// template, collected via a flat walk; a block repeated in different if/else
// branches is flagged too, matching Jinja2's "defined twice" error.
func ruleDuplicateBlock(in Input) []diagnostics.Diagnostic {
	if in.Template == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		block, ok := n.(*nodes.Block)
		if !ok {
			continue
		}
		if seen[block.Name] {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				fmt.Sprintf("block %q is already defined", block.Name), spanOf(block)))
			continue
		}
		seen[block.Name] = true
	}
	return out
}

// ruleDuplicateMacro flags repeated *nodes.Macro names at any scope.
func ruleDuplicateMacro(in Input) []diagnostics.Diagnostic {
	if in.Template == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []diagnostics.Diagnostic
	for _, n := range walk(in.Template) {
		macro, ok := n.(*nodes.Macro)
		if !ok {
			continue
		}
		if seen[macro.Name] {
			out = append(out, diagnostics.New(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				fmt.Sprintf("macro %q is already defined", macro.Name), spanOf(macro)))
			continue
		}
		seen[macro.Name] = true
	}
	return out
}
