// Package middleware implements an ordered filter chain over an arbitrary
// context type.
package middleware

// Decision is the outcome of a single middleware invocation.
type Decision uint8

const (
	// PassThrough hands the context to the next middleware in the chain.
	PassThrough Decision = iota

	// Reject drops the context; the caller releases any resources it owns.
	Reject

	// Halt drops the context without invoking the remaining middlewares.
	Halt
)

// Handler inspects or transforms ctx and decides its fate. Handlers must
// not retain references to ctx fields beyond the call.
type Handler[T any] func(ctx T) (Decision, error)

// Pipeline is an insertion-ordered middleware chain. It is owned by the
// tick goroutine.
type Pipeline[T any] struct {
	handlers []Handler[T]
}

// New returns a pipeline preloaded with handlers.
func New[T any](handlers ...Handler[T]) *Pipeline[T] {
	return &Pipeline[T]{handlers: handlers}
}

// Use appends h to the chain.
func (p *Pipeline[T]) Use(h Handler[T]) *Pipeline[T] {
	p.handlers = append(p.handlers, h)
	return p
}

// Invoke walks the chain in insertion order. It reports dropped == true as
// soon as a handler returns Reject or Halt, or fails; a chain that passes
// the context all the way through reports dropped == false. The first
// non-PassThrough decision short-circuits.
func (p *Pipeline[T]) Invoke(ctx T) (dropped bool, err error) {
	for _, h := range p.handlers {
		decision, err := h(ctx)
		if err != nil {
			return true, err
		}
		if decision != PassThrough {
			return true, nil
		}
	}

	return false, nil
}
