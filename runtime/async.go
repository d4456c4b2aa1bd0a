package runtime

// Awaitable represents a value that can be awaited inside templates when
// `{{ await expr }}` is used with `parser.Environment.EnableAsync` set. The
// evaluator's visitAwait checks a value against this interface first, then
// falls back to SimpleAwaitable, then passes the value through unchanged.
type Awaitable interface {
	Await(ctx *Context) (interface{}, error)
}

// SimpleAwaitable mirrors Awaitable but does not receive rendering context.
// This allows lightweight awaitables that only need to return a value and
// optional error.
type SimpleAwaitable interface {
	Await() (interface{}, error)
}

// FuncAwaitable adapts a plain closure to Awaitable, for Go callers wiring an
// async data source (an HTTP fetch, a channel read) into a template global
// without declaring a named type for it.
type FuncAwaitable func(ctx *Context) (interface{}, error)

func (f FuncAwaitable) Await(ctx *Context) (interface{}, error) {
	return f(ctx)
}

// FuncSimpleAwaitable is FuncAwaitable's SimpleAwaitable counterpart.
type FuncSimpleAwaitable func() (interface{}, error)

func (f FuncSimpleAwaitable) Await() (interface{}, error) {
	return f()
}
