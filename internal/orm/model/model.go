// Package model binds resource schemas to store collections and provides
// the instance-level operations served by the generated routes.
package model

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/orm/schema"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/google/uuid"
)

// Operation represents an instance operation type
type Operation int

const (
	// OperationCreate represents a create operation
	OperationCreate Operation = iota
	// OperationRead represents a read operation
	OperationRead
	// OperationUpdate represents an update operation
	OperationUpdate
	// OperationDelete represents a delete operation
	OperationDelete
	// OperationSearch represents a search operation
	OperationSearch
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationRead:
		return "read"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	case OperationSearch:
		return "search"
	default:
		return "unknown"
	}
}

// Model is the persistence model of one resource type
type Model struct {
	resourceType string
	schema       *schema.Description
	collection   store.Collection
	now          func() time.Time
}

// Type returns the resource type the model stores
func (m *Model) Type() string {
	return m.resourceType
}

// Schema returns the description the model was bound with
func (m *Model) Schema() *schema.Description {
	return m.schema
}

// Collection returns the backing collection
func (m *Model) Collection() store.Collection {
	return m.collection
}

// Create stores a new instance under a fresh id and returns it with its
// id and meta populated
func (m *Model) Create(ctx context.Context, doc store.Document) (store.Document, error) {
	record := cloneTop(doc)
	if err := m.validate(record, OperationCreate); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	record["id"] = id
	record["resourceType"] = m.resourceType
	m.stamp(record, 1)

	if err := m.collection.Insert(ctx, id, record); err != nil {
		return nil, convertStoreError(err)
	}
	return record, nil
}

// Read returns the instance with the given id
func (m *Model) Read(ctx context.Context, id string) (store.Document, error) {
	doc, err := m.collection.Get(ctx, id)
	if err != nil {
		return nil, convertStoreError(err)
	}
	return doc, nil
}

// Update replaces an existing instance and bumps its version
func (m *Model) Update(ctx context.Context, id string, doc store.Document) (store.Document, error) {
	record := cloneTop(doc)
	if err := m.validate(record, OperationUpdate); err != nil {
		return nil, err
	}
	if bodyID, ok := record["id"]; ok && bodyID != id {
		return nil, &ValidationError{Errors: []FieldError{{Field: "id", Message: "does not match the instance id"}}}
	}

	existing, err := m.collection.Get(ctx, id)
	if err != nil {
		return nil, convertStoreError(err)
	}

	record["id"] = id
	record["resourceType"] = m.resourceType
	if tags := metaTags(existing); len(tags) > 0 && len(metaTags(record)) == 0 {
		setMetaTags(record, tags)
	}
	m.stamp(record, versionOf(existing)+1)

	if err := m.collection.Replace(ctx, id, record); err != nil {
		return nil, convertStoreError(err)
	}
	return record, nil
}

// Delete removes the instance
func (m *Model) Delete(ctx context.Context, id string) error {
	return convertStoreError(m.collection.Delete(ctx, id))
}

// Search returns one page of matching instances and the total match count
func (m *Model) Search(ctx context.Context, q store.Query) ([]store.Document, int, error) {
	docs, total, err := m.collection.Find(ctx, q)
	if err != nil {
		return nil, 0, convertStoreError(err)
	}
	return docs, total, nil
}

// EnsureIndex creates an index on the backing collection
func (m *Model) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	return m.collection.EnsureIndex(ctx, spec)
}

// DropIndex removes an index from the backing collection
func (m *Model) DropIndex(ctx context.Context, spec store.IndexSpec) error {
	return m.collection.DropIndex(ctx, spec)
}

func (m *Model) validate(record store.Document, op Operation) error {
	var errs []FieldError

	if rt, ok := record["resourceType"]; ok && rt != m.resourceType {
		errs = append(errs, FieldError{
			Field:   "resourceType",
			Message: fmt.Sprintf("expected %s, got %v", m.resourceType, rt),
		})
	}

	if m.schema != nil && m.schema.Source == schema.SourceDefinition {
		for key := range record {
			if key == "resourceType" {
				continue
			}
			if _, ok := m.schema.Field(key); !ok {
				errs = append(errs, FieldError{Field: key, Message: "unknown element"})
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w", op, m.resourceType, &ValidationError{Errors: errs})
	}
	return nil
}

func (m *Model) stamp(record store.Document, version int) {
	meta, _ := record["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = m.now().UTC().Format(time.RFC3339Nano)
	record["meta"] = meta
}

func versionOf(doc store.Document) int {
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		return 0
	}
	s, _ := meta["versionId"].(string)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// cloneTop copies the top level of a document so callers' maps are not mutated
func cloneTop(doc store.Document) store.Document {
	out := make(store.Document, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	if meta, ok := doc["meta"].(map[string]any); ok {
		cp := make(map[string]any, len(meta))
		for k, v := range meta {
			cp[k] = v
		}
		out["meta"] = cp
	}
	return out
}

func convertStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, store.ErrInvalidPath):
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	default:
		return err
	}
}
