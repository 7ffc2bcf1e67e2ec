package routes

import (
	"net/http"

	"github.com/conduit-lang/fhirrouter/internal/orm/model"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/cache"
	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
)

// read handles GET /{type}/:id
func (b *Builder) read(m *model.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := instanceID(r)
		key := cache.ResourceKey(m.Type(), id)

		if data, ok := b.cacheGet(ctx, key); ok {
			b.writeRaw(w, http.StatusOK, data)
			return
		}

		seen := b.generation(key).Load()
		doc, err := m.Read(ctx, id)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}

		b.cacheSet(ctx, key, seen, doc)
		b.write(w, http.StatusOK, doc)
	}
}

// create handles POST /{type}
func (b *Builder) create(m *model.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := requestBody(w, r)
		if !ok {
			return
		}

		doc, err := m.Create(r.Context(), body)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}

		w.Header().Set("Location", "/"+m.Type()+"/"+doc["id"].(string))
		b.write(w, http.StatusCreated, doc)
	}
}

// update handles PUT /{type}/:id
func (b *Builder) update(m *model.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := requestBody(w, r)
		if !ok {
			return
		}

		ctx := r.Context()
		id := instanceID(r)
		doc, err := m.Update(ctx, id, body)
		b.invalidate(ctx, m, id)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}

		b.write(w, http.StatusOK, doc)
	}
}

// delete handles DELETE /{type}/:id
func (b *Builder) delete(m *model.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := instanceID(r)
		err := m.Delete(ctx, id)
		b.invalidate(ctx, m, id)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}

		response.NoContent(w)
	}
}

// requestBody returns the document decoded by the body parser
func requestBody(w http.ResponseWriter, r *http.Request) (store.Document, bool) {
	body, ok := middleware.Body(r)
	if !ok {
		response.RenderBadRequest(w, "request body is required")
		return nil, false
	}
	return body, true
}
