// Package schema resolves resource type names into schema descriptions used
// to bind persistence models.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyRegistered is returned when registering a resource type twice
var ErrAlreadyRegistered = errors.New("resource schema already registered")

// Registry holds every schema description resolved so far
type Registry struct {
	schemas map[string]*Description
	mu      sync.RWMutex
}

// NewRegistry creates a new schema registry
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Description),
	}
}

// Register registers a new schema description
func (r *Registry) Register(desc *Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[desc.ResourceType]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.ResourceType)
	}
	r.schemas[desc.ResourceType] = desc
	return nil
}

// Get retrieves a schema description by resource type
func (r *Registry) Get(resourceType string) (*Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, exists := r.schemas[resourceType]
	return desc, exists
}

// List returns the registered resource types in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered schemas
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.schemas)
}

// Clear removes all registered schemas (useful for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas = make(map[string]*Description)
}
