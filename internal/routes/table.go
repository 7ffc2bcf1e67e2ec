package routes

import (
	"net/http"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/orm/model"
)

// Kind names the handler factory an Entry is served by
type Kind int

const (
	// KindOperation is the handler returned by Build for the entry's code
	KindOperation Kind = iota
	KindReadTags
	KindCreateTags
	KindDeleteTags
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindOperation:
		return "operation"
	case KindReadTags:
		return "read-tags"
	case KindCreateTags:
		return "create-tags"
	case KindDeleteTags:
		return "delete-tags"
	default:
		return "unknown"
	}
}

// Entry is one route an operation code produces
type Entry struct {
	Method string
	Path   string
	Kind   Kind
	// Body is set when the route needs the body parser
	Body bool
}

// template is an Entry with the path relative to /{type}
type template struct {
	method string
	suffix string
	kind   Kind
	body   bool
}

var table = map[string][]template{
	conformance.CodeSearchType: {
		{http.MethodGet, "", KindOperation, false},
		{http.MethodGet, "/_search", KindOperation, false},
	},
	conformance.CodeRead: {
		{http.MethodGet, "/:id", KindOperation, false},
		{http.MethodGet, "/:id/_tags", KindReadTags, false},
	},
	conformance.CodeUpdate: {
		{http.MethodPut, "/:id", KindOperation, true},
	},
	conformance.CodeDelete: {
		{http.MethodDelete, "/:id", KindOperation, false},
	},
	conformance.CodeCreate: {
		{http.MethodPost, "", KindOperation, true},
		{http.MethodPost, "/:id/_tags", KindCreateTags, true},
		{http.MethodPost, "/:id/_tags/_delete", KindDeleteTags, true},
	},
}

// Table returns the routes an operation code produces for a resource
// type. Unknown codes produce none.
func Table(resourceType, code string) []Entry {
	templates := table[code]
	entries := make([]Entry, 0, len(templates))
	for _, t := range templates {
		entries = append(entries, Entry{
			Method: t.method,
			Path:   "/" + resourceType + t.suffix,
			Kind:   t.kind,
			Body:   t.body,
		})
	}
	return entries
}

// Binding is an Entry with its handler
type Binding struct {
	Entry
	Handler http.HandlerFunc
}

// Bind builds the handlers for every route of an operation code. Entries
// of KindOperation share one handler.
func (b *Builder) Bind(m *model.Model, code string, params []conformance.SearchParam) []Binding {
	entries := Table(m.Type(), code)
	if len(entries) == 0 {
		return nil
	}

	op := b.Build(m, code, params)
	bindings := make([]Binding, 0, len(entries))
	for _, e := range entries {
		var h http.HandlerFunc
		switch e.Kind {
		case KindOperation:
			h = op
		case KindReadTags:
			h = b.ReadTags(m)
		case KindCreateTags:
			h = b.CreateTags(m)
		case KindDeleteTags:
			h = b.DeleteTags(m)
		}
		bindings = append(bindings, Binding{Entry: e, Handler: h})
	}
	return bindings
}
