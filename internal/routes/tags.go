package routes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/conduit-lang/fhirrouter/internal/orm/model"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
)

// TagList is the payload of the _tags endpoints
type TagList struct {
	ResourceType string     `json:"resourceType"`
	Category     []Category `json:"category"`
}

// Category is one tag in a TagList
type Category struct {
	Term   string `json:"term"`
	Scheme string `json:"scheme,omitempty"`
	Label  string `json:"label,omitempty"`
}

func newTagList(tags []model.Tag) TagList {
	list := TagList{ResourceType: "TagList", Category: make([]Category, 0, len(tags))}
	for _, t := range tags {
		list.Category = append(list.Category, Category{Term: t.Code, Scheme: t.System, Label: t.Display})
	}
	return list
}

// tagsFromBody reads the categories of a TagList body
func tagsFromBody(body store.Document) ([]model.Tag, error) {
	if rt, ok := body["resourceType"]; ok && rt != "TagList" {
		return nil, fmt.Errorf("expected a TagList, got %v", rt)
	}

	raw, ok := body["category"].([]any)
	if !ok {
		return nil, fmt.Errorf("TagList requires a category array")
	}

	tags := make([]model.Tag, 0, len(raw))
	for i, item := range raw {
		c, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("category[%d] must be an object", i)
		}
		term, _ := c["term"].(string)
		if term == "" {
			return nil, fmt.Errorf("category[%d] requires a term", i)
		}
		scheme, _ := c["scheme"].(string)
		label, _ := c["label"].(string)
		tags = append(tags, model.Tag{System: scheme, Code: term, Display: label})
	}
	return tags, nil
}

// ReadTags handles GET /{type}/:id/_tags
func (b *Builder) ReadTags(m *model.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := m.Tags(r.Context(), instanceID(r))
		if err != nil {
			b.fail(w, r, m, err)
			return
		}
		b.write(w, http.StatusOK, newTagList(tags))
	}
}

// CreateTags handles POST /{type}/:id/_tags
func (b *Builder) CreateTags(m *model.Model) http.HandlerFunc {
	return b.modifyTags(m, m.AddTags)
}

// DeleteTags handles POST /{type}/:id/_tags/_delete
func (b *Builder) DeleteTags(m *model.Model) http.HandlerFunc {
	return b.modifyTags(m, m.RemoveTags)
}

func (b *Builder) modifyTags(m *model.Model, apply func(context.Context, string, []model.Tag) ([]model.Tag, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := requestBody(w, r)
		if !ok {
			return
		}
		tags, err := tagsFromBody(body)
		if err != nil {
			response.RenderBadRequest(w, err.Error())
			return
		}

		ctx := r.Context()
		id := instanceID(r)
		result, err := apply(ctx, id, tags)
		b.invalidate(ctx, m, id)
		if err != nil {
			b.fail(w, r, m, err)
			return
		}
		b.write(w, http.StatusOK, newTagList(result))
	}
}
