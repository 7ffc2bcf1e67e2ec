package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps every collection in process memory. It is used for tests
// and for running the API without a database.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*MemoryCollection
	closed      bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*MemoryCollection),
	}
}

// Collection returns the named collection, creating it on first use
func (s *MemoryStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	c, ok := s.collections[name]
	if !ok {
		c = &MemoryCollection{
			name:    name,
			docs:    make(map[string]Document),
			indexes: make(map[string]IndexSpec),
		}
		s.collections[name] = c
	}
	return c, nil
}

// Ping always succeeds on an open store
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MemoryCollection is a collection held in memory
type MemoryCollection struct {
	mu      sync.RWMutex
	name    string
	docs    map[string]Document
	order   []string
	indexes map[string]IndexSpec
}

// Name returns the collection name
func (c *MemoryCollection) Name() string {
	return c.name
}

// Insert stores a new document
func (c *MemoryCollection) Insert(ctx context.Context, id string, doc Document) error {
	cp, err := copyDocument(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.docs[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, c.name, id)
	}
	c.docs[id] = cp
	c.order = append(c.order, id)
	return nil
}

// Get returns a copy of the document
func (c *MemoryCollection) Get(ctx context.Context, id string) (Document, error) {
	c.mu.RLock()
	doc, ok := c.docs[id]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc)
}

// Replace overwrites an existing document
func (c *MemoryCollection) Replace(ctx context.Context, id string, doc Document) error {
	cp, err := copyDocument(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; !ok {
		return ErrNotFound
	}
	c.docs[id] = cp
	return nil
}

// Delete removes a document
func (c *MemoryCollection) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; !ok {
		return ErrNotFound
	}
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Find returns documents matching the query in insertion order unless sorted
func (c *MemoryCollection) Find(ctx context.Context, q Query) ([]Document, int, error) {
	for _, f := range q.Filters {
		for _, p := range f.Paths {
			if _, err := SplitPath(p); err != nil {
				return nil, 0, err
			}
		}
	}

	c.mu.RLock()
	all := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		all = append(all, c.docs[id])
	}
	c.mu.RUnlock()

	page, total := Apply(all, q)
	out := make([]Document, 0, len(page))
	for _, d := range page {
		cp, err := copyDocument(d)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cp)
	}
	return out, total, nil
}

// EnsureIndex records the index; existing indexes are left untouched
func (c *MemoryCollection) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.indexes[spec.Name]; !exists {
		c.indexes[spec.Name] = spec
	}
	return nil
}

// DropIndex forgets the index if present
func (c *MemoryCollection) DropIndex(ctx context.Context, spec IndexSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.indexes, spec.Name)
	return nil
}

// Indexes returns the sorted index names
func (c *MemoryCollection) Indexes(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// copyDocument deep-copies a document through its JSON form
func copyDocument(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return decodeDocument(raw)
}
