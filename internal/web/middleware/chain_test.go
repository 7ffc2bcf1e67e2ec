package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func tagging(order *[]string, name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrdering(t *testing.T) {
	var order []string
	chain := NewChain(tagging(&order, "first")).Use(tagging(&order, "second"))

	handler := chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestChainAppendDoesNotMutate(t *testing.T) {
	var order []string
	base := NewChain(tagging(&order, "base"))
	extended := base.Append(tagging(&order, "extra"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())

	extended.Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"base", "extra"}, order)
}

func TestEmptyChain(t *testing.T) {
	called := false
	NewChain().ThenFunc(func(w http.ResponseWriter, r *http.Request) { called = true }).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
