// Package lint runs structural and textual rules over a parsed template,
// reporting results as diagnostics.Diagnostic values at StageLinter. Rules
// are plain functions rather than an elaborate plugin system, matching the
// scale of the rule set.
package lint

import (
	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/nodes"
)

// Input bundles what a lint run needs: the parsed AST, the raw source it was
// parsed from (for textual rules), and diagnostics already collected by the
// lexer/parser/renderer stages (merged into the result in source order).
type Input struct {
	Template    *nodes.Template
	Source      string
	Upstream    *diagnostics.Bag // lexer/parser/renderer diagnostics, may be nil
	Schema      *Schema          // optional; enables schema-aware rules when non-nil
}

// Rule is a single lint check. Name identifies it in the default rule set.
type Rule struct {
	Name string
	Run  func(in Input) []diagnostics.Diagnostic
}

// DefaultRules is every rule enabled by a plain `jinja lint` run with no
// schema. Schema-aware rules only fire once Input.Schema is non-nil, but
// they're still registered here so a single loop always runs every rule.
var DefaultRules = []Rule{
	{Name: "MultipleExtends", Run: ruleMultipleExtends},
	{Name: "ExtendsNotFirst", Run: ruleExtendsNotFirst},
	{Name: "DuplicateBlock", Run: ruleDuplicateBlock},
	{Name: "DuplicateMacro", Run: ruleDuplicateMacro},
	{Name: "TrailingWhitespace", Run: ruleTrailingWhitespace},
	{Name: "MixedIndentation", Run: ruleMixedIndentation},
	{Name: "ExcessiveBlankLines", Run: ruleExcessiveBlankLines},
	{Name: "Formatting", Run: ruleFormatting},
	{Name: "UnknownFilter", Run: ruleUnknownFilter},
	{Name: "UnknownTest", Run: ruleUnknownTest},
	{Name: "UnknownFunction", Run: ruleUnknownFunction},
	{Name: "WrongArgumentCount", Run: ruleWrongArgumentCount},
	{Name: "UnknownKwarg", Run: ruleUnknownKwarg},
	{Name: "MissingRequiredArgument", Run: ruleMissingRequiredArgument},
	{Name: "DeprecatedUsage", Run: ruleDeprecatedUsage},
}

// Run executes every rule in rules (DefaultRules if nil) against in and
// returns a Bag merging their output with any upstream diagnostics, in
// source-span order.
func Run(in Input, rules []Rule) *diagnostics.Bag {
	if rules == nil {
		rules = DefaultRules
	}

	bag := &diagnostics.Bag{}
	bag.Extend(in.Upstream)

	for _, rule := range rules {
		for _, d := range rule.Run(in) {
			bag.Add(d)
		}
	}

	return bag
}

// walk collects every node in the template via nodes.Walk, since most
// structural rules just need a flat list to filter/count over.
func walk(root nodes.Node) []nodes.Node {
	var all []nodes.Node
	nodes.Walk(nodes.NodeVisitorFunc(func(n nodes.Node) interface{} {
		all = append(all, n)
		return nil
	}), root)
	return all
}

func spanOf(n nodes.Node) diagnostics.Span {
	s := n.Span()
	return diagnostics.Span{
		Start: diagnostics.Position{Offset: s.Start.Offset, Line: s.Start.Line, Column: s.Start.Column},
		End:   diagnostics.Position{Offset: s.End.Offset, Line: s.End.Line, Column: s.End.Column},
	}
}
