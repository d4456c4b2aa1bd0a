// Package astjson renders a parsed template's AST into a generic,
// JSON-marshalable tree for the CLI's "ast" output key. It walks the same
// Type()/Span()/GetChildren() surface nodes.Dump uses for text output,
// rather than hand-writing a struct per node kind.
package astjson

import "github.com/deicod/crinkle/nodes"

// Node is one entry of the recursive AST serialization.
type Node struct {
	Type     string     `json:"type"`
	Repr     string     `json:"repr"`
	Span     nodes.Span `json:"span"`
	Children []*Node    `json:"children,omitempty"`
}

// Build converts root into a *Node tree, or nil if root is nil.
func Build(root nodes.Node) *Node {
	if root == nil {
		return nil
	}
	n := &Node{
		Type: root.Type(),
		Repr: root.String(),
		Span: root.Span(),
	}
	for _, child := range root.GetChildren() {
		if c := Build(child); c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}
