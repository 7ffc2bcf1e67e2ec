// Package compiler turns a conformance statement into a running API: it
// connects the store, synthesizes a schema and model per declared resource,
// registers the routes of every declared operation and keeps search
// indexes in line with the declared search parameters.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/orm/index"
	"github.com/conduit-lang/fhirrouter/internal/orm/model"
	"github.com/conduit-lang/fhirrouter/internal/orm/schema"
	"github.com/conduit-lang/fhirrouter/internal/routes"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/cache"
	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/conduit-lang/fhirrouter/internal/web/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Compile errors
var (
	// ErrConfig is returned before any work when a required input is missing
	ErrConfig = errors.New("invalid compiler configuration")

	// ErrConnection is returned when the store cannot be connected
	ErrConnection = errors.New("store connection failed")

	// ErrSchemaResolution is returned when a resource type has no schema
	ErrSchemaResolution = errors.New("schema resolution failed")

	// ErrModelBinding is returned when a resource model cannot be bound
	ErrModelBinding = errors.New("model binding failed")
)

// Surface is where compiled routes are registered. Registration must be
// safe for concurrent use and idempotent per method and pattern.
type Surface interface {
	Handle(method, pattern string, handler http.Handler, mws ...middleware.Middleware) bool
}

// routeSurface is a Surface that records route metadata
type routeSurface interface {
	HandleRoute(route *router.Route, mws ...middleware.Middleware) bool
}

// Options configures a Compiler
type Options struct {
	// ContentType is accepted by body parsers and written by handlers.
	// Defaults to application/json.
	ContentType string

	// Schemas resolves resource types. Defaults to the built-in catalog.
	Schemas *schema.Synthesizer

	// Cache backs the read handlers. Nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration

	Logger *zap.Logger
}

// Compiler compiles conformance statements onto a routing surface
type Compiler struct {
	contentType string
	logger      *zap.Logger
	schemas     *schema.Synthesizer
	routes      *routes.Builder

	mu      sync.Mutex
	store   store.Store
	models  *model.Factory
	pending map[string]chan struct{}

	background sync.WaitGroup
}

// New creates a Compiler
func New(opts Options) *Compiler {
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Schemas == nil {
		opts.Schemas = schema.NewSynthesizer(opts.Logger)
	}

	return &Compiler{
		contentType: opts.ContentType,
		logger:      opts.Logger,
		schemas:     opts.Schemas,
		routes: routes.New(routes.Options{
			ContentType: opts.ContentType,
			Cache:       opts.Cache,
			CacheTTL:    opts.CacheTTL,
			Logger:      opts.Logger,
		}),
		pending: make(map[string]chan struct{}),
	}
}

// Compile connects to the store and registers on surface the routes the
// statement declares. It returns the first error of any resource, after
// the metadata routes are registered. Index reconciliation continues in
// the background; use Wait to block on it.
func (c *Compiler) Compile(ctx context.Context, stmt *conformance.Statement, connector store.Connector, surface Surface) error {
	switch {
	case stmt == nil:
		return fmt.Errorf("%w: conformance statement is required", ErrConfig)
	case connector == nil:
		return fmt.Errorf("%w: store connector is required", ErrConfig)
	case surface == nil:
		return fmt.Errorf("%w: routing surface is required", ErrConfig)
	}

	models, err := c.connect(ctx, connector)
	if err != nil {
		return err
	}

	stmt.Decorate()

	metadata := c.routes.Conformance(stmt)
	register(surface, &router.Route{Method: http.MethodGet, Pattern: "/", Handler: metadata, Name: "conformance"})
	register(surface, &router.Route{Method: http.MethodGet, Pattern: "/metadata", Handler: metadata, Name: "conformance"})

	for _, rest := range stmt.Servers() {
		if err := c.compileRest(ctx, rest, models, surface); err != nil {
			return err
		}
	}

	c.logger.Info("conformance compiled", zap.Int("rest", len(stmt.Servers())))
	return nil
}

// connect opens the store and returns the model factory bound to it
func (c *Compiler) connect(ctx context.Context, connector store.Connector) (*model.Factory, error) {
	var st store.Store
	err := safely(func() error {
		var err error
		st, err = connector.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: connector returned no store", ErrConnection)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != st {
		c.store = st
		c.models = model.NewFactory(st, model.WithLogger(c.logger))
	}
	return c.models, nil
}

func (c *Compiler) compileRest(ctx context.Context, rest *conformance.Rest, models *model.Factory, surface Surface) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range rest.Resource {
		res := &rest.Resource[i]
		g.Go(func() error {
			return safely(func() error {
				return c.compileResource(gctx, res, models, surface)
			})
		})
	}
	return g.Wait()
}

func (c *Compiler) compileResource(ctx context.Context, res *conformance.Resource, models *model.Factory, surface Surface) error {
	res.Harden()

	desc, err := c.schemas.Make(ctx, res.Type)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaResolution, res.Type, err)
	}

	m, err := models.Make(ctx, res.Type, desc)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrModelBinding, res.Type, err)
	}

	var g errgroup.Group
	for _, op := range res.Operation {
		g.Go(func() error {
			return safely(func() error {
				c.compileOperation(ctx, m, op.Code, res.SearchParam, surface)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resource %s: %w", res.Type, err)
	}

	c.logger.Debug("resource compiled", zap.String("resource", res.Type), zap.Int("operations", len(res.Operation)))
	return nil
}

// compileOperation registers the routes of one operation code. Codes
// without routes are skipped.
func (c *Compiler) compileOperation(ctx context.Context, m *model.Model, code string, params []conformance.SearchParam, surface Surface) {
	bindings := c.routes.Bind(m, code, params)
	if len(bindings) == 0 {
		c.logger.Debug("operation has no routes", zap.String("resource", m.Type()), zap.String("code", code))
		return
	}

	for _, b := range bindings {
		var mws []middleware.Middleware
		if b.Body {
			mws = append(mws, middleware.BodyParser(c.contentType))
		}
		register(surface, &router.Route{
			Method:       b.Method,
			Pattern:      b.Path,
			Handler:      b.Handler,
			Name:         routeName(m.Type(), code, b.Kind),
			ResourceName: m.Type(),
			Operation:    code,
		}, mws...)
	}

	if code == conformance.CodeSearchType {
		c.reconcile(ctx, m, params)
	}
}

func register(surface Surface, route *router.Route, mws ...middleware.Middleware) bool {
	if rs, ok := surface.(routeSurface); ok {
		return rs.HandleRoute(route, mws...)
	}
	return surface.Handle(route.Method, route.Pattern, route.Handler, mws...)
}

func routeName(resourceType, code string, kind routes.Kind) string {
	if kind == routes.KindOperation {
		return resourceType + "." + code
	}
	return resourceType + "." + kind.String()
}

// reconcile brings the model's indexes in line with params in the
// background. Runs for the same collection happen in the order they were
// started. Failures are logged and never reach the caller.
func (c *Compiler) reconcile(ctx context.Context, m *model.Model, params []conformance.SearchParam) {
	collection := m.Collection().Name()
	params = append([]conformance.SearchParam(nil), params...)
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	prev := c.pending[collection]
	done := make(chan struct{})
	c.pending[collection] = done
	c.mu.Unlock()

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}

		err := safely(func() error {
			return index.Reconcile(ctx, m, collection, params)
		})
		if err != nil {
			c.logger.Error("index reconciliation failed", zap.String("resource", m.Type()), zap.Error(err))
			return
		}
		c.logger.Debug("indexes reconciled", zap.String("resource", m.Type()), zap.Int("params", len(params)))
	}()
}

// Wait blocks until background index reconciliation has finished
func (c *Compiler) Wait() {
	c.background.Wait()
}

// Close waits for background work and closes the connected store
func (c *Compiler) Close() error {
	c.Wait()

	c.mu.Lock()
	st := c.store
	c.store = nil
	c.models = nil
	c.mu.Unlock()

	if st == nil {
		return nil
	}
	return st.Close()
}

// safely runs fn, turning a panic into an error
func safely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = middleware.PanicError(rec)
		}
	}()
	return fn()
}
