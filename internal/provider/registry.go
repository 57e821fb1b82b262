package provider

import "fmt"

// UnknownProviderError is returned by Registry.Resolve for names that were not
// registered at startup. It is a configuration failure, not a provider failure.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

// Registry maps provider names to adapters. It is built once at startup and
// immutable afterwards; there is no hot-swapping within a running process.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given adapters, keyed by Name().
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	return p, nil
}

// Names returns the registered provider names (unordered).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
