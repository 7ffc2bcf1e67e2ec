// Package routes builds the HTTP handlers that expose a resource model and
// the table that says where each one is mounted.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/orm/model"
	"github.com/conduit-lang/fhirrouter/internal/web/cache"
	webctx "github.com/conduit-lang/fhirrouter/internal/web/context"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
	"github.com/conduit-lang/fhirrouter/internal/web/router"
	"go.uber.org/zap"
)

// Options configures a Builder
type Options struct {
	// ContentType is written on every response. Defaults to application/json.
	ContentType string

	// Cache holds rendered instances for the read handler. Nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration

	Logger *zap.Logger
}

// Builder produces handlers bound to resource models. Building a handler
// never fails; errors surface when requests are served.
type Builder struct {
	contentType string
	cache       cache.Cache
	cacheTTL    time.Duration
	logger      *zap.Logger

	// generations counts invalidations per key stripe. A read only keeps
	// what it cached if no write to its stripe happened meanwhile.
	generations [256]atomic.Uint64
}

// New creates a Builder
func New(opts Options) *Builder {
	if opts.ContentType == "" {
		opts.ContentType = response.DefaultContentType
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Builder{
		contentType: opts.ContentType,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		logger:      opts.Logger,
	}
}

// ContentType returns the media type handlers respond with
func (b *Builder) ContentType() string {
	return b.contentType
}

// Build returns the handler for an operation code, or nil when the code
// is not one the server implements
func (b *Builder) Build(m *model.Model, code string, params []conformance.SearchParam) http.HandlerFunc {
	switch code {
	case conformance.CodeSearchType:
		return b.search(m, params)
	case conformance.CodeRead:
		return b.read(m)
	case conformance.CodeUpdate:
		return b.update(m)
	case conformance.CodeDelete:
		return b.delete(m)
	case conformance.CodeCreate:
		return b.create(m)
	default:
		return nil
	}
}

// Conformance serves the conformance statement as it is at request time
func (b *Builder) Conformance(stmt *conformance.Statement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.write(w, http.StatusOK, stmt)
	}
}

func (b *Builder) write(w http.ResponseWriter, status int, v any) {
	response.Write(w, status, b.contentType, v)
}

func (b *Builder) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", b.contentType+"; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// fail renders a model error as an OperationOutcome
func (b *Builder) fail(w http.ResponseWriter, r *http.Request, m *model.Model, err error) {
	switch {
	case model.IsNotFound(err):
		response.RenderNotFound(w, err.Error())
	case model.IsConflict(err):
		response.RenderConflict(w, err.Error())
	case model.IsValidationFailed(err):
		response.RenderUnprocessableEntity(w, err.Error())
	case errors.Is(err, context.Canceled):
		response.RenderError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		response.RenderError(w, http.StatusGatewayTimeout, err)
	default:
		b.logger.Error("request failed",
			zap.String("request_id", webctx.GetRequestID(r.Context())),
			zap.String("resource", m.Type()),
			zap.Error(err),
		)
		response.RenderInternalError(w, err)
	}
}

// instanceID returns the :id path parameter
func instanceID(r *http.Request) string {
	return router.Param(r, "id")
}

func (b *Builder) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if b.cache == nil {
		return nil, false
	}
	data, err := b.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			b.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (b *Builder) generation(key string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &b.generations[h.Sum32()%uint32(len(b.generations))]
}

// cacheSet stores doc under key unless a write invalidated the key since
// seen was taken. The entry is removed again if an invalidation races the
// store.
func (b *Builder) cacheSet(ctx context.Context, key string, seen uint64, doc any) {
	if b.cache == nil {
		return
	}
	gen := b.generation(key)
	if gen.Load() != seen {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := b.cache.Set(ctx, key, data, b.cacheTTL); err != nil {
		b.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	if gen.Load() != seen {
		b.cache.Delete(ctx, key)
	}
}

// invalidate must run after the write it follows has completed
func (b *Builder) invalidate(ctx context.Context, m *model.Model, id string) {
	if b.cache == nil {
		return
	}
	key := cache.ResourceKey(m.Type(), id)
	b.generation(key).Add(1)
	if err := b.cache.Delete(ctx, key); err != nil {
		b.logger.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}
