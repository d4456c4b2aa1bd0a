package lint

import "github.com/deicod/crinkle/nodes"

// TypeRef is a best-effort inferred type. Kind is one of the Jinja scalar
// names ("string", "number", "boolean", "list", "dict") or "" when unknown.
type TypeRef struct {
	Kind string
}

// Any reports whether the type couldn't be narrowed past "unknown".
func (t *TypeRef) Any() bool {
	return t == nil || t.Kind == ""
}

// typeScope records the most recent inferred type for each name bound by an
// Assign/AssignBlock/macro parameter seen so far in a single forward pass
// over a template body. It deliberately has no notion of nested block scope:
// a later assignment anywhere in the walked body wins, matching the
// simplicity of a best-effort typer rather than a full scope analyzer.
type typeScope struct {
	bindings map[string]*TypeRef
}

func newTypeScope() *typeScope {
	return &typeScope{bindings: map[string]*TypeRef{}}
}

// inferTypeScope performs the single forward pass collecting bindings.
func inferTypeScope(root nodes.Node) *typeScope {
	scope := newTypeScope()
	for _, n := range walk(root) {
		switch v := n.(type) {
		case *nodes.Assign:
			if name, ok := v.Target.(*nodes.Name); ok {
				scope.bindings[name.Name] = inferExprType(v.Node, scope)
			}
		case *nodes.AssignBlock:
			if name, ok := v.Target.(*nodes.Name); ok {
				scope.bindings[name.Name] = &TypeRef{Kind: "string"}
			}
		case *nodes.Macro:
			for _, arg := range v.Args {
				if _, known := scope.bindings[arg.Name]; !known {
					scope.bindings[arg.Name] = &TypeRef{}
				}
			}
		}
	}
	return scope
}

// inferExprType infers a constant expression's type without evaluating it;
// anything beyond a literal returns the unknown TypeRef.
func inferExprType(expr nodes.Expr, scope *typeScope) *TypeRef {
	switch v := expr.(type) {
	case *nodes.Const:
		switch v.Value.(type) {
		case string:
			return &TypeRef{Kind: "string"}
		case bool:
			return &TypeRef{Kind: "boolean"}
		case int, int64, float64:
			return &TypeRef{Kind: "number"}
		}
	case *nodes.List:
		return &TypeRef{Kind: "list"}
	case *nodes.Dict:
		return &TypeRef{Kind: "dict"}
	case *nodes.Name:
		if t, ok := scope.bindings[v.Name]; ok {
			return t
		}
	}
	return &TypeRef{}
}

// InferType walks root's single forward pass and returns the best-effort
// type of name, or nil if it was never bound or only bound to something the
// typer can't resolve. No lint rule calls it: the schema-aware rules check
// argument counts and names only, never types.
func InferType(name string, root nodes.Node) *TypeRef {
	scope := inferTypeScope(root)
	t, ok := scope.bindings[name]
	if !ok || t.Any() {
		return nil
	}
	return t
}
