package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/orm/schema"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Factory binds resource types to collections of one store. Each resource
// type gets at most one model, however many times or concurrently Make is
// called for it.
type Factory struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	models map[string]*Model
	group  singleflight.Group
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithClock sets the clock used to stamp meta.lastUpdated
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) {
		f.now = now
	}
}

// WithLogger sets the factory logger
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory creates a model factory over s
func NewFactory(s store.Store, opts ...FactoryOption) *Factory {
	f := &Factory{
		store:  s,
		logger: zap.NewNop(),
		now:    time.Now,
		models: make(map[string]*Model),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Make returns the model for resourceType, binding it on first use
func (f *Factory) Make(ctx context.Context, resourceType string, desc *schema.Description) (*Model, error) {
	if m, ok := f.Get(resourceType); ok {
		return m, nil
	}
	if desc == nil || desc.ResourceType != resourceType {
		return nil, fmt.Errorf("%w: %s: schema does not describe this type", ErrBinding, resourceType)
	}

	v, err, _ := f.group.Do(resourceType, func() (any, error) {
		if m, ok := f.Get(resourceType); ok {
			return m, nil
		}

		coll, err := f.store.Collection(ctx, resourceType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBinding, resourceType, err)
		}

		m := &Model{
			resourceType: resourceType,
			schema:       desc,
			collection:   coll,
			now:          f.now,
		}

		f.mu.Lock()
		f.models[resourceType] = m
		f.mu.Unlock()

		f.logger.Debug("bound model", zap.String("resource", resourceType), zap.String("collection", coll.Name()))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Get returns an already bound model
func (f *Factory) Get(resourceType string) (*Model, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.models[resourceType]
	return m, ok
}

// Count returns the number of bound models
func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.models)
}
