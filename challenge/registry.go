package challenge

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry holds the drivers available to an engine. Registration order is
// preserved so driver selection is deterministic across restarts.
type Registry struct {
	mu      sync.Mutex
	order   []string
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// NewDefaultRegistry returns a registry with the four reference drivers in
// their canonical order.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []Driver{NewCryptoNL(), NewMultiStep(), NewAmbiguousLogic(), NewCodeExecution()} {
		if err := r.Register(d); err != nil {
			panic("challenge: " + err.Error())
		}
	}
	return r
}

// Register adds d. A second driver with a name already registered is
// rejected rather than silently replacing the first.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := d.Name()
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("driver %q already registered", name)
	}
	r.drivers[name] = d
	r.order = append(r.order, name)
	return nil
}

// Get returns the named driver, or nil when it is not registered.
func (r *Registry) Get(name string) Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drivers[name]
}

// Names returns the registered driver names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Select returns up to count drivers ranked by how many of the requested
// dimensions each covers, ties broken by registration order. An empty dims
// list selects in registration order.
func (r *Registry) Select(dims []Dimension, count int) ([]Driver, error) {
	if count < 1 {
		return nil, fmt.Errorf("selecting drivers: count %d out of range", count)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, errors.New("no drivers registered")
	}

	type ranked struct {
		d       Driver
		overlap int
	}
	candidates := make([]ranked, 0, len(r.order))
	for _, name := range r.order {
		d := r.drivers[name]
		overlap := 0
		for _, want := range dims {
			if slices.Contains(d.Dimensions(), want) {
				overlap++
			}
		}
		candidates = append(candidates, ranked{d: d, overlap: overlap})
	}
	if len(dims) > 0 {
		slices.SortStableFunc(candidates, func(a, b ranked) int {
			return b.overlap - a.overlap
		})
	}

	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]Driver, count)
	for i := range out {
		out[i] = candidates[i].d
	}
	return out, nil
}
