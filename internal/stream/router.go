package stream

import "sort"

// Router picks a backend by name, falling back to a default when the
// requested name is unknown.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

func (r *Router[T]) Route(name string) T {
	if b, ok := r.backends[name]; ok {
		return b
	}
	return r.backends[r.fallback]
}

func (r *Router[T]) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

func (r *Router[T]) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
