package lint

import (
	"testing"

	"github.com/deicod/crinkle/nodes"
)

func block(name string) *nodes.Block {
	b := &nodes.Block{Name: name}
	b.SetPosition(nodes.NewPosition(1, 0))
	return b
}

func macro(name string) *nodes.Macro {
	m := &nodes.Macro{Name: name}
	m.SetPosition(nodes.NewPosition(1, 0))
	return m
}

func TestRuleDuplicateBlock(t *testing.T) {
	tmpl := &nodes.Template{Body: []nodes.Node{block("content"), block("content")}}
	diags := ruleDuplicateBlock(Input{Template: tmpl})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestRuleDuplicateMacro(t *testing.T) {
	tmpl := &nodes.Template{Body: []nodes.Node{macro("greet"), macro("greet"), macro("farewell")}}
	diags := ruleDuplicateMacro(Input{Template: tmpl})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestRuleMultipleExtends(t *testing.T) {
	e1 := &nodes.Extends{}
	e1.SetPosition(nodes.NewPosition(1, 0))
	e2 := &nodes.Extends{}
	e2.SetPosition(nodes.NewPosition(2, 0))
	tmpl := &nodes.Template{Body: []nodes.Node{e1, e2}}
	diags := ruleMultipleExtends(Input{Template: tmpl})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestRuleTrailingWhitespace(t *testing.T) {
	diags := ruleTrailingWhitespace(Input{Source: "hello \nworld\n"})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestRuleExcessiveBlankLines(t *testing.T) {
	diags := ruleExcessiveBlankLines(Input{Source: "a\n\n\n\nb\n"})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestSchemaRulesInactiveWithoutSchema(t *testing.T) {
	tmpl := &nodes.Template{Body: nil}
	in := Input{Template: tmpl}
	for _, rule := range []Rule{
		{Name: "UnknownFilter", Run: ruleUnknownFilter},
		{Name: "UnknownFunction", Run: ruleUnknownFunction},
	} {
		if diags := rule.Run(in); diags != nil {
			t.Errorf("%s: expected nil without schema, got %v", rule.Name, diags)
		}
	}
}

func TestRuleUnknownFilter(t *testing.T) {
	f := &nodes.Filter{}
	f.Name = "nosuchfilter"
	f.SetPosition(nodes.NewPosition(1, 0))
	tmpl := &nodes.Template{Body: []nodes.Node{&nodes.Output{Nodes: []nodes.Expr{f}}}}
	schema := &Schema{Filters: map[string]Entry{"upper": {Name: "upper"}}}

	diags := ruleUnknownFilter(Input{Template: tmpl, Schema: schema})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(diags))
	}
}
