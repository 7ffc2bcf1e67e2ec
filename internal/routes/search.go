package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/orm/index"
	"github.com/conduit-lang/fhirrouter/internal/orm/model"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
	"github.com/gorilla/schema"
)

// Paging limits for search results
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

var controlDecoder = schema.NewDecoder()

func init() {
	controlDecoder.IgnoreUnknownKeys(true)
}

// controls are the result parameters shared by every search
type controls struct {
	Count  *int   `schema:"_count"`
	Offset int    `schema:"_offset"`
	Sort   string `schema:"_sort"`
}

// Bundle is a searchset result
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleLink is a navigation link of a Bundle
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one resource in a Bundle
type BundleEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource store.Document `json:"resource"`
}

// search handles GET /{type} and GET /{type}/_search
func (b *Builder) search(m *model.Model, params []conformance.SearchParam) http.HandlerFunc {
	byName := make(map[string]conformance.SearchParam, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	return func(w http.ResponseWriter, r *http.Request) {
		values := r.URL.Query()

		q, err := parseSearch(values, byName)
		if err != nil {
			response.RenderBadRequest(w, err.Error())
			return
		}

		docs, total, err := m.Search(r.Context(), q)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}

		bundle := Bundle{
			ResourceType: "Bundle",
			Type:         "searchset",
			Total:        total,
			Link:         []BundleLink{{Relation: "self", URL: r.URL.RequestURI()}},
			Entry:        make([]BundleEntry, 0, len(docs)),
		}
		for _, doc := range docs {
			entry := BundleEntry{Resource: doc}
			if id, ok := doc["id"].(string); ok {
				entry.FullURL = m.Type() + "/" + id
			}
			bundle.Entry = append(bundle.Entry, entry)
		}

		b.write(w, http.StatusOK, bundle)
	}
}

// parseSearch turns query parameters into a store query. Parameters the
// resource does not declare are ignored.
func parseSearch(values url.Values, params map[string]conformance.SearchParam) (store.Query, error) {
	var c controls
	if err := controlDecoder.Decode(&c, values); err != nil {
		return store.Query{}, fmt.Errorf("invalid search controls: %w", err)
	}

	q := store.Query{Limit: DefaultPageSize, Offset: c.Offset}
	if c.Count != nil {
		if *c.Count < 1 || *c.Count > MaxPageSize {
			return store.Query{}, fmt.Errorf("_count must be between 1 and %d", MaxPageSize)
		}
		q.Limit = *c.Count
	}
	if q.Offset < 0 {
		return store.Query{}, fmt.Errorf("_offset must not be negative")
	}

	if c.Sort != "" {
		for _, key := range strings.Split(c.Sort, ",") {
			sk, err := sortKey(strings.TrimSpace(key), params)
			if err != nil {
				return store.Query{}, err
			}
			q.Sort = append(q.Sort, sk)
		}
	}

	for key, vals := range values {
		name, modifier, _ := strings.Cut(key, ":")

		var f store.Filter
		switch {
		case name == "_id":
			f = store.Filter{Paths: []string{"id"}, Op: store.OpEquals}
		case strings.HasPrefix(name, "_"):
			continue
		default:
			p, ok := params[name]
			if !ok {
				continue
			}
			f = store.Filter{Paths: searchFields(p), Op: store.OpEquals}
			if p.Type == "string" || p.Type == "" {
				f.Op = store.OpPrefix
			}
		}

		switch modifier {
		case "":
		case "exact":
			f.Op = store.OpEquals
		default:
			return store.Query{}, fmt.Errorf("modifier %q is not supported on %s", modifier, name)
		}

		for _, v := range vals {
			if v == "" {
				continue
			}
			f.Value = v
			q.Filters = append(q.Filters, f)
		}
	}

	return q, nil
}

func sortKey(key string, params map[string]conformance.SearchParam) (store.SortKey, error) {
	desc := strings.HasPrefix(key, "-")
	name := strings.TrimPrefix(key, "-")

	switch name {
	case "_id":
		return store.SortKey{Path: "id", Descending: desc}, nil
	case "_lastUpdated":
		return store.SortKey{Path: "meta.lastUpdated", Descending: desc}, nil
	}

	p, ok := params[name]
	if !ok {
		return store.SortKey{}, fmt.Errorf("cannot sort by unknown parameter %q", name)
	}
	return store.SortKey{Path: searchFields(p)[0], Descending: desc}, nil
}

// searchFields returns the document fields a parameter matches against,
// falling back to its name when no path is declared
func searchFields(p conformance.SearchParam) []string {
	if fields := index.Fields(p); len(fields) > 0 {
		return fields
	}
	return []string{p.Name}
}
