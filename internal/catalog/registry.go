package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Errors returned by the registry.
var (
	ErrDuplicate = errors.New("setting already registered")
	ErrNotFound  = errors.New("setting not registered")
)

// Catalog is a read-only view over registered setting definitions.
type Catalog interface {
	// All returns every definition in registration order.
	All() []Definition
	// Lookup returns the definition registered under a dotted ID.
	Lookup(id string) (Definition, bool)
}

// definitionValidate checks definitions on registration.
var definitionValidate *validator.Validate

func init() {
	definitionValidate = validator.New()
	definitionValidate.RegisterStructValidation(validateRange, Range{})
}

func validateRange(sl validator.StructLevel) {
	r := sl.Current().Interface().(Range)
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		sl.ReportError(r.Max, "Max", "max", "gtefield", "Min")
	}
	if r.Step < 0 {
		sl.ReportError(r.Step, "Step", "step", "gte", "0")
	}
}

// Registry is a concurrency-safe in-memory Catalog.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Definition)}
}

// Register adds a definition after validating it.
func (r *Registry) Register(d Definition) error {
	if err := definitionValidate.Struct(d); err != nil {
		return fmt.Errorf("invalid setting %q: %w", d.ID(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.byID[id] = d
	r.order = append(r.order, id)
	return nil
}

// MustRegister registers definitions and panics on error. Intended for
// built-in definitions known at compile time.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Lookup implements Catalog.
func (r *Registry) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Get returns the definition for (namespace, key).
func (r *Registry) Get(namespace, key string) (Definition, error) {
	d, ok := r.Lookup(namespace + "." + key)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s.%s", ErrNotFound, namespace, key)
	}
	return d, nil
}

// All implements Catalog.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, r.byID[id])
	}
	return defs
}

// Namespaces returns the distinct namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		ns := r.byID[id].Namespace
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
