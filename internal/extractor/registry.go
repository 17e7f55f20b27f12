package extractor

import (
	"fmt"
	"sync"
)

// Registry maps URLs to the extractor that can handle them. Extractors are
// registered explicitly by the caller, there is no package-level state.
type Registry struct {
	mu         sync.RWMutex
	extractors []Extractor
	byName     map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Extractor)}
}

// Register adds an extractor. Duplicate names are rejected.
func (r *Registry) Register(e Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("extractor %q already registered", name)
	}

	r.byName[name] = e
	r.extractors = append(r.extractors, e)
	return nil
}

// Get returns the extractor with the given name, or nil.
func (r *Registry) Get(name string) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ForURL returns the first registered extractor whose CanHandle accepts the
// URL. Registration order decides ties.
func (r *Registry) ForURL(url string) (Extractor, error) {
	if err := ValidateScheme(url); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.extractors {
		if e.CanHandle(url) {
			return e, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoExtractor, url)
}

// List returns the registered extractors in registration order.
func (r *Registry) List() []Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Extractor, len(r.extractors))
	copy(out, r.extractors)
	return out
}
