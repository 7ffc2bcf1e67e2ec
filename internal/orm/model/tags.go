package model

import (
	"context"
)

// Tag is a coding attached to an instance's meta.tag list
type Tag struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

func (t Tag) key() string {
	return t.System + "|" + t.Code
}

// Tags returns the tags of an instance
func (m *Model) Tags(ctx context.Context, id string) ([]Tag, error) {
	doc, err := m.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return metaTags(doc), nil
}

// AddTags merges tags into an instance. Tags already present (same system
// and code) are kept as they are. The instance version is not changed.
func (m *Model) AddTags(ctx context.Context, id string, tags []Tag) ([]Tag, error) {
	return m.modifyTags(ctx, id, func(current []Tag) []Tag {
		seen := make(map[string]bool, len(current))
		for _, t := range current {
			seen[t.key()] = true
		}
		for _, t := range tags {
			if !seen[t.key()] {
				seen[t.key()] = true
				current = append(current, t)
			}
		}
		return current
	})
}

// RemoveTags removes the tags matching system and code from an instance
func (m *Model) RemoveTags(ctx context.Context, id string, tags []Tag) ([]Tag, error) {
	return m.modifyTags(ctx, id, func(current []Tag) []Tag {
		drop := make(map[string]bool, len(tags))
		for _, t := range tags {
			drop[t.key()] = true
		}
		kept := current[:0]
		for _, t := range current {
			if !drop[t.key()] {
				kept = append(kept, t)
			}
		}
		return kept
	})
}

func (m *Model) modifyTags(ctx context.Context, id string, fn func([]Tag) []Tag) ([]Tag, error) {
	doc, err := m.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := fn(metaTags(doc))
	setMetaTags(doc, updated)

	if err := m.collection.Replace(ctx, id, doc); err != nil {
		return nil, convertStoreError(err)
	}
	return updated, nil
}

func metaTags(doc map[string]any) []Tag {
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		return []Tag{}
	}
	raw, _ := meta["tag"].([]any)
	tags := make([]Tag, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			t := Tag{}
			t.System, _ = v["system"].(string)
			t.Code, _ = v["code"].(string)
			t.Display, _ = v["display"].(string)
			tags = append(tags, t)
		case Tag:
			tags = append(tags, v)
		}
	}
	return tags
}

func setMetaTags(doc map[string]any, tags []Tag) {
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
		doc["meta"] = meta
	}
	if len(tags) == 0 {
		delete(meta, "tag")
		return
	}
	raw := make([]any, 0, len(tags))
	for _, t := range tags {
		entry := map[string]any{}
		if t.System != "" {
			entry["system"] = t.System
		}
		if t.Code != "" {
			entry["code"] = t.Code
		}
		if t.Display != "" {
			entry["display"] = t.Display
		}
		raw = append(raw, entry)
	}
	meta["tag"] = raw
}
