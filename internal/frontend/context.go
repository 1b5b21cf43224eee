package frontend

import "objforge/internal/ir"

// Context carries one function from construction to compilation. A module
// hands out contexts and accepts them back for definition; Clear readies a
// context for the next function.
type Context struct {
	Func *ir.Function
}

// NewContext returns a context holding an empty function.
func NewContext() *Context {
	return &Context{Func: ir.NewFunction("", ir.Signature{})}
}

// Clear empties the function, keeping its allocations.
func (c *Context) Clear() {
	if c.Func == nil {
		c.Func = ir.NewFunction("", ir.Signature{})
		return
	}
	c.Func.Clear()
}
