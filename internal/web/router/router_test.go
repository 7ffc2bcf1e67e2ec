package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRouter(t *testing.T) {
	router := NewRouter()
	assert.NotNil(t, router)
	assert.NotNil(t, router.mux)
	assert.NotNil(t, router.routes)
	assert.Equal(t, 0, router.Len())
}

func TestRouterHTTPMethods(t *testing.T) {
	tests := []struct {
		name   string
		method string
		setup  func(*Router, http.HandlerFunc) bool
	}{
		{"GET route", http.MethodGet, func(r *Router, h http.HandlerFunc) bool { return r.Get("/test", h) }},
		{"POST route", http.MethodPost, func(r *Router, h http.HandlerFunc) bool { return r.Post("/test", h) }},
		{"PUT route", http.MethodPut, func(r *Router, h http.HandlerFunc) bool { return r.Put("/test", h) }},
		{"DELETE route", http.MethodDelete, func(r *Router, h http.HandlerFunc) bool { return r.Delete("/test", h) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter()
			called := false
			handler := func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.Write([]byte("success"))
			}

			require.True(t, tt.setup(router, handler))
			assert.True(t, router.Has(tt.method, "/test"))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, "/test", nil))

			assert.True(t, called, "handler should have been called")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "success", w.Body.String())
		})
	}
}

func TestRouterColonParameters(t *testing.T) {
	router := NewRouter()

	var captured string
	router.Get("/Patient/:id/_tags", func(w http.ResponseWriter, r *http.Request) {
		captured = Param(r, "id")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Patient/123/_tags", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "123", captured)
}

func TestRouterStaticSegmentBeatsParameter(t *testing.T) {
	router := NewRouter()
	router.Get("/Patient/:id", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("read")) })
	router.Get("/Patient/_search", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("search")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Patient/_search", nil))
	assert.Equal(t, "search", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Patient/abc", nil))
	assert.Equal(t, "read", w.Body.String())
}

func TestRouterHandleIsIdempotent(t *testing.T) {
	router := NewRouter()

	first := router.Get("/Patient", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("first")) })
	second := router.Get("/Patient", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("second")) })

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, router.Len())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Patient", nil))
	assert.Equal(t, "first", w.Body.String())
}

func TestRouterRouteMiddleware(t *testing.T) {
	router := NewRouter()
	var order []string
	mw := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	router.Use(mw("global"))
	router.Post("/Patient", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}, mw("route"))
	router.Get("/Patient", func(w http.ResponseWriter, r *http.Request) {})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/Patient", nil))
	assert.Equal(t, []string{"global", "route", "handler"}, order)

	routes := router.GetRoutes()
	require.Len(t, routes, 2)
	assert.Equal(t, http.MethodGet, routes[0].Method)
	assert.Equal(t, 0, routes[0].Middleware)
	assert.Equal(t, 1, routes[1].Middleware)
}

func TestRouterConcurrentRegistration(t *testing.T) {
	router := NewRouter()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pattern := fmt.Sprintf("/Type%d/:id", i%10)
			router.Get(pattern, func(w http.ResponseWriter, r *http.Request) {})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, router.Len())
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/Type%d/x", i), nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRouterGetRoutes(t *testing.T) {
	router := NewRouter()

	router.HandleRoute(&Route{
		Method:       http.MethodGet,
		Pattern:      "/Patient/:id",
		Handler:      http.NotFoundHandler(),
		Name:         "Patient.read",
		ResourceName: "Patient",
		Operation:    "read",
	})
	router.Delete("/Patient/:id", func(w http.ResponseWriter, r *http.Request) {})
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {})

	routes := router.GetRoutes()
	require.Len(t, routes, 3)

	assert.Equal(t, "/", routes[0].Pattern)
	assert.Equal(t, "/Patient/:id", routes[1].Pattern)
	assert.Equal(t, http.MethodGet, routes[1].Method)
	assert.Equal(t, "Patient.read", routes[1].Name)
	assert.Equal(t, "Patient", routes[1].ResourceName)
	assert.Equal(t, []string{"id"}, routes[1].Parameters)
	assert.Equal(t, http.MethodDelete, routes[2].Method)

	list := router.RouteList()
	assert.Contains(t, list, "METHOD")
	assert.Contains(t, list, "Patient.read")
}

func TestChiPattern(t *testing.T) {
	tests := map[string]string{
		"/":                          "/",
		"/Patient":                   "/Patient",
		"/Patient/:id":               "/Patient/{id}",
		"/Patient/:id/_tags/_delete": "/Patient/{id}/_tags/_delete",
		"/a/:b/c/:d":                 "/a/{b}/c/{d}",
		"/weird/:":                   "/weird/:",
	}
	for in, want := range tests {
		assert.Equal(t, want, ChiPattern(in), in)
	}
}

func TestDefaultErrorHandlers(t *testing.T) {
	router := NewRouter()
	SetupDefaultErrorHandlers(router)
	router.Get("/Patient", func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Nothing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not-found"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/Patient", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not-supported"`)
}
