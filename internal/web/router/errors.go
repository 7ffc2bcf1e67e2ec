package router

import (
	"fmt"
	"net/http"

	"github.com/conduit-lang/fhirrouter/internal/web/response"
)

// NotFoundHandler answers unknown paths with an OperationOutcome
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.RenderErrorWithCode(w, http.StatusNotFound,
			fmt.Errorf("no route for %s %s", r.Method, r.URL.Path), "not-found")
	}
}

// MethodNotAllowedHandler answers unsupported methods with an OperationOutcome
func MethodNotAllowedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.RenderErrorWithCode(w, http.StatusMethodNotAllowed,
			fmt.Errorf("method %s is not allowed for %s", r.Method, r.URL.Path), "not-supported")
	}
}

// SetupDefaultErrorHandlers configures the router with default error handlers
func SetupDefaultErrorHandlers(r *Router) {
	r.NotFound(NotFoundHandler())
	r.MethodNotAllowed(MethodNotAllowedHandler())
}
