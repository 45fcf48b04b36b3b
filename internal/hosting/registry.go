package hosting

// Registry is the type-keyed dependency store handed to service and script
// constructors. Values are registered at build time and resolved by
// asserting against a requested type; no reflection is involved.
type Registry struct {
	values []any
}

// Add registers v. On ties the earliest registration wins in Resolve;
// ResolveAll returns every match in registration order.
func (r *Registry) Add(v any) {
	r.values = append(r.values, v)
}

// Resolve returns the first registered value assignable to T.
func Resolve[T any](r *Registry) (T, bool) {
	for _, v := range r.values {
		if t, ok := v.(T); ok {
			return t, true
		}
	}

	var zero T
	return zero, false
}

// ResolveAll returns every registered value assignable to T, in
// registration order.
func ResolveAll[T any](r *Registry) []T {
	var out []T
	for _, v := range r.values {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}

	return out
}
