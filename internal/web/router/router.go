// Package router wraps chi with a registration surface that is safe for
// concurrent use and records every route for introspection.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/go-chi/chi/v5"
)

// Router manages HTTP routing using chi framework
type Router struct {
	mu     sync.RWMutex
	mux    chi.Router
	routes map[string]*Route
	order  []*Route

	// Middleware applied to every route
	chain *middleware.Chain
}

// Route represents a single registered route
type Route struct {
	Pattern string // /Patient/:id
	Method  string
	Handler http.Handler
	Name    string

	// Resource metadata for generated routes
	ResourceName string
	Operation    string

	middleware int
}

// RouteInfo provides metadata about a route for introspection
type RouteInfo struct {
	Method       string
	Pattern      string
	Name         string
	ResourceName string
	Operation    string
	Middleware   int
	Parameters   []string
}

// NewRouter creates a new Router instance
func NewRouter() *Router {
	return &Router{
		mux:    chi.NewRouter(),
		routes: make(map[string]*Route),
		chain:  middleware.NewChain(),
	}
}

// ServeHTTP implements http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Use adds router-wide middleware. It must be called before any route is
// registered.
func (r *Router) Use(middlewares ...middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range middlewares {
		r.chain.Use(m)
		r.mux.Use(m)
	}
}

// Handle registers handler for method and pattern behind the given route
// middleware. Patterns use ":name" parameter tokens. Registering the same
// method and pattern again keeps the first handler and returns false.
func (r *Router) Handle(method, pattern string, handler http.Handler, mws ...middleware.Middleware) bool {
	return r.HandleRoute(&Route{Method: method, Pattern: pattern, Handler: handler}, mws...)
}

// HandleRoute registers a route carrying its own metadata
func (r *Router) HandleRoute(route *Route, mws ...middleware.Middleware) bool {
	key := routeKey(route.Method, route.Pattern)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[key]; exists {
		return false
	}

	route.middleware = len(mws)
	r.mux.Method(route.Method, ChiPattern(route.Pattern), middleware.NewChain(mws...).Then(route.Handler))
	r.routes[key] = route
	r.order = append(r.order, route)
	return true
}

// Get registers a GET route
func (r *Router) Get(pattern string, handler http.HandlerFunc, mws ...middleware.Middleware) bool {
	return r.Handle(http.MethodGet, pattern, handler, mws...)
}

// Post registers a POST route
func (r *Router) Post(pattern string, handler http.HandlerFunc, mws ...middleware.Middleware) bool {
	return r.Handle(http.MethodPost, pattern, handler, mws...)
}

// Put registers a PUT route
func (r *Router) Put(pattern string, handler http.HandlerFunc, mws ...middleware.Middleware) bool {
	return r.Handle(http.MethodPut, pattern, handler, mws...)
}

// Delete registers a DELETE route
func (r *Router) Delete(pattern string, handler http.HandlerFunc, mws ...middleware.Middleware) bool {
	return r.Handle(http.MethodDelete, pattern, handler, mws...)
}

// Has reports whether a route is registered for method and pattern
func (r *Router) Has(method, pattern string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[routeKey(method, pattern)]
	return ok
}

// Len returns the number of registered routes
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetRoutes returns the registered routes sorted by pattern, then method
func (r *Router) GetRoutes() []RouteInfo {
	r.mu.RLock()
	infos := make([]RouteInfo, 0, len(r.order))
	for _, route := range r.order {
		infos = append(infos, RouteInfo{
			Method:       route.Method,
			Pattern:      route.Pattern,
			Name:         route.Name,
			ResourceName: route.ResourceName,
			Operation:    route.Operation,
			Middleware:   route.middleware,
			Parameters:   extractParameters(route.Pattern),
		})
	}
	r.mu.RUnlock()

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Pattern != infos[j].Pattern {
			return infos[i].Pattern < infos[j].Pattern
		}
		return methodRank(infos[i].Method) < methodRank(infos[j].Method)
	})
	return infos
}

// RouteList returns a formatted list of all routes
func (r *Router) RouteList() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-40s %-20s\n", "METHOD", "PATTERN", "NAME"))
	sb.WriteString(strings.Repeat("-", 70) + "\n")
	for _, info := range r.GetRoutes() {
		sb.WriteString(fmt.Sprintf("%-8s %-40s %-20s\n", info.Method, info.Pattern, info.Name))
	}
	return sb.String()
}

// NotFound sets the handler for 404 Not Found
func (r *Router) NotFound(handler http.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux.NotFound(handler)
}

// MethodNotAllowed sets the handler for 405 Method Not Allowed
func (r *Router) MethodNotAllowed(handler http.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux.MethodNotAllowed(handler)
}

// ChiPattern rewrites ":name" segments into chi's "{name}" form
func ChiPattern(pattern string) string {
	parts := strings.Split(pattern, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") && len(part) > 1 {
			parts[i] = "{" + part[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

// Param returns a path parameter of the current request
func Param(req *http.Request, name string) string {
	return chi.URLParam(req, name)
}

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

// extractParameters lists the parameter names of a pattern
func extractParameters(pattern string) []string {
	params := make([]string, 0)
	for _, part := range strings.Split(pattern, "/") {
		if strings.HasPrefix(part, ":") && len(part) > 1 {
			params = append(params, part[1:])
		}
	}
	return params
}

func methodRank(method string) int {
	switch method {
	case http.MethodGet:
		return 0
	case http.MethodPost:
		return 1
	case http.MethodPut:
		return 2
	case http.MethodPatch:
		return 3
	case http.MethodDelete:
		return 4
	default:
		return 5
	}
}
