package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path against a document. Arrays are traversed, so a
// path can yield several values.
func Lookup(doc Document, path string) []any {
	segments := strings.Split(path, ".")
	values := []any{map[string]any(doc)}

	for _, seg := range segments {
		var next []any
		for _, v := range values {
			next = append(next, step(v, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		values = next
	}

	// Flatten a trailing array so ["a","b"] compares element-wise
	var out []any
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func step(v any, seg string) []any {
	switch t := v.(type) {
	case map[string]any:
		if child, ok := t[seg]; ok && child != nil {
			return []any{child}
		}
	case Document:
		if child, ok := t[seg]; ok && child != nil {
			return []any{child}
		}
	case []any:
		var out []any
		for _, elem := range t {
			out = append(out, step(elem, seg)...)
		}
		return out
	}
	return nil
}

// Matches reports whether the document satisfies every filter
func Matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchFilter(doc Document, f Filter) bool {
	for _, path := range f.Paths {
		for _, v := range Lookup(doc, path) {
			s := scalarString(v)
			switch f.Op {
			case OpPrefix:
				if strings.HasPrefix(strings.ToLower(s), strings.ToLower(f.Value)) {
					return true
				}
			default:
				if s == f.Value {
					return true
				}
			}
		}
	}
	return false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Apply filters, sorts and pages docs in memory. It returns the selected page
// and the number of matches before paging.
func Apply(docs []Document, q Query) ([]Document, int) {
	matched := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Matches(d, q.Filters) {
			matched = append(matched, d)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, k := range q.Sort {
				a, b := sortValue(matched[i], k.Path), sortValue(matched[j], k.Path)
				if a == b {
					continue
				}
				if k.Descending {
					return a > b
				}
				return a < b
			}
			return false
		})
	}

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Document{}, total
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, total
}

func sortValue(doc Document, path string) string {
	values := Lookup(doc, path)
	if len(values) == 0 {
		return ""
	}
	return scalarString(values[0])
}
