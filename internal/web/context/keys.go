// Package context holds the request-scoped values shared by middleware and
// handlers.
package context

import (
	"context"

	"github.com/conduit-lang/fhirrouter/internal/store"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey int

const (
	requestIDKey contextKey = iota
	bodyKey
)

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// SetRequestID adds the request ID to the context
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetBody returns the decoded request document, if a body parser ran
func GetBody(ctx context.Context) (store.Document, bool) {
	doc, ok := ctx.Value(bodyKey).(store.Document)
	return doc, ok
}

// SetBody stores the decoded request document
func SetBody(ctx context.Context, doc store.Document) context.Context {
	return context.WithValue(ctx, bodyKey, doc)
}
