package models

import (
	"sort"
	"sync"
)

// EntityTypeSpec declares a syncable collection.
// AppendOnly collections keep both sides of a conflict.
type EntityTypeSpec struct {
	Name       string `json:"name"`
	AppendOnly bool   `json:"appendOnly"`
}

// DefaultEntityTypes are registered when no configuration overrides them
func DefaultEntityTypes() []EntityTypeSpec {
	return []EntityTypeSpec{
		{Name: "heart_rate", AppendOnly: true},
		{Name: "steps", AppendOnly: true},
		{Name: "blood_glucose", AppendOnly: true},
		{Name: "weight", AppendOnly: true},
		{Name: "sleep", AppendOnly: true},
		{Name: "profile", AppendOnly: false},
	}
}

// Registry holds the known entity types
type Registry struct {
	mu    sync.RWMutex
	types map[string]EntityTypeSpec
}

// NewRegistry creates a registry with the given types
func NewRegistry(specs ...EntityTypeSpec) *Registry {
	r := &Registry{types: make(map[string]EntityTypeSpec)}
	for _, s := range specs {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a type
func (r *Registry) Register(spec EntityTypeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[spec.Name] = spec
}

// Lookup returns the spec for name
func (r *Registry) Lookup(name string) (EntityTypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.types[name]
	return s, ok
}

// AppendOnly reports whether name resolves conflicts by union.
// Unknown types are treated as mutable.
func (r *Registry) AppendOnly(name string) bool {
	s, _ := r.Lookup(name)
	return s.AppendOnly
}

// Names lists registered types in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
