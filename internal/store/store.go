// Package store defines the document persistence layer that backs every
// resource model. A Store hands out named collections; each collection holds
// JSON documents keyed by id and can maintain secondary indexes over dotted
// document paths.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common store errors
var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrDuplicate is returned when inserting a document whose id already exists
	ErrDuplicate = errors.New("document already exists")

	// ErrInvalidPath is returned when a document path cannot be used in a query or index
	ErrInvalidPath = errors.New("invalid document path")

	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("store is closed")
)

// Document is a decoded JSON document
type Document map[string]any

// Store is the persistence connection shared by all models
type Store interface {
	// Collection returns the named collection, creating its backing storage if needed
	Collection(ctx context.Context, name string) (Collection, error)

	// Ping verifies the connection is usable
	Ping(ctx context.Context) error

	// Close releases the connection
	Close() error
}

// Collection is a set of documents of one resource type
type Collection interface {
	Name() string

	Insert(ctx context.Context, id string, doc Document) error
	Get(ctx context.Context, id string) (Document, error)
	Replace(ctx context.Context, id string, doc Document) error
	Delete(ctx context.Context, id string) error
	Find(ctx context.Context, q Query) ([]Document, int, error)

	// EnsureIndex creates the index if it does not already exist
	EnsureIndex(ctx context.Context, spec IndexSpec) error
	// DropIndex removes the index if it exists
	DropIndex(ctx context.Context, spec IndexSpec) error
	// Indexes lists the names of the indexes currently present
	Indexes(ctx context.Context) ([]string, error)
}

// IndexKey is one field of an index
type IndexKey struct {
	Field      string // dotted document path, e.g. "name.family"
	Descending bool
}

// IndexSpec describes a physical index on a collection
type IndexSpec struct {
	Name string
	Keys []IndexKey
}

// FilterOp is a comparison used by a query filter
type FilterOp int

const (
	// OpEquals matches values equal to the filter value
	OpEquals FilterOp = iota
	// OpPrefix matches string values starting with the filter value
	OpPrefix
)

// String returns the string representation of FilterOp
func (o FilterOp) String() string {
	switch o {
	case OpEquals:
		return "eq"
	case OpPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Filter matches documents where any of Paths satisfies Op against Value
type Filter struct {
	Paths []string
	Op    FilterOp
	Value string
}

// SortKey orders query results by a document path
type SortKey struct {
	Path       string
	Descending bool
}

// Query selects documents from a collection. All filters must match.
type Query struct {
	Filters []Filter
	Sort    []SortKey
	Limit   int
	Offset  int
}

var pathSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SplitPath validates a dotted document path and returns its segments
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if !pathSegment.MatchString(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// Validate checks that every key of the index is a usable path
func (s IndexSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("index name is required")
	}
	if len(s.Keys) == 0 {
		return fmt.Errorf("index %s has no keys", s.Name)
	}
	for _, k := range s.Keys {
		if _, err := SplitPath(k.Field); err != nil {
			return fmt.Errorf("index %s: %w", s.Name, err)
		}
	}
	return nil
}
