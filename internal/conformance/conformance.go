// Package conformance defines the conformance statement that drives API
// synthesis: the REST resources a server exposes, the operations each
// supports, and the search parameters each resource declares.
package conformance

// REST modes
const (
	ModeServer = "server"
	ModeClient = "client"
)

// Operation codes that produce routes
const (
	CodeSearchType = "search-type"
	CodeRead       = "read"
	CodeUpdate     = "update"
	CodeDelete     = "delete"
	CodeCreate     = "create"
)

// Statement is the top-level conformance document
type Statement struct {
	ResourceType  string    `json:"resourceType,omitempty"`
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Publisher     string    `json:"publisher,omitempty"`
	Version       string    `json:"version,omitempty"`
	Date          string    `json:"date,omitempty"`
	Description   string    `json:"description,omitempty"`
	FhirVersion   string    `json:"fhirVersion,omitempty"`
	Software      *Software `json:"software,omitempty"`
	AcceptUnknown bool      `json:"acceptUnknown"`
	Format        []string  `json:"format"`
	Rest          []Rest    `json:"rest" validate:"dive"`
}

// Software identifies the server implementation
type Software struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Rest describes one REST endpoint set
type Rest struct {
	Mode          string     `json:"mode" validate:"required"`
	Documentation string     `json:"documentation,omitempty"`
	Resource      []Resource `json:"resource" validate:"dive"`
}

// Resource declares one resource type and what may be done with it
type Resource struct {
	Type          string        `json:"type" validate:"required,alphanum"`
	Profile       *Reference    `json:"profile,omitempty"`
	Operation     []Operation   `json:"operation" validate:"dive"`
	ReadHistory   bool          `json:"readHistory"`
	UpdateCreate  bool          `json:"updateCreate"`
	SearchInclude bool          `json:"searchInclude"`
	SearchParam   []SearchParam `json:"searchParam" validate:"dive"`
}

// Reference points at another resource
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Operation is one declared capability of a resource
type Operation struct {
	Code          string `json:"code" validate:"required"`
	Documentation string `json:"documentation,omitempty"`
}

// SearchParam declares a queryable field of a resource
type SearchParam struct {
	Name          string   `json:"name" validate:"required"`
	Definition    string   `json:"definition,omitempty"`
	Type          string   `json:"type,omitempty" validate:"omitempty,oneof=number date string token reference composite quantity uri"`
	Documentation string   `json:"documentation,omitempty"`
	Document      Document `json:"document"`
}

// Document says where a search parameter lives in stored documents and
// whether it should be backed by an index
type Document struct {
	Path  []string `json:"path,omitempty" validate:"dive,required"`
	Index bool     `json:"index"`
}

// Decorate fixes the statement-level capability flags this server supports
func (s *Statement) Decorate() {
	s.AcceptUnknown = true
	s.Format = []string{"json"}
}

// Harden turns off the capabilities the server never provides and defaults
// the search parameter list
func (r *Resource) Harden() {
	r.ReadHistory = false
	r.UpdateCreate = false
	r.SearchInclude = false

	if r.SearchParam == nil {
		r.SearchParam = []SearchParam{}
	}
}

// Supports reports whether the resource declares the operation code
func (r *Resource) Supports(code string) bool {
	for _, op := range r.Operation {
		if op.Code == code {
			return true
		}
	}
	return false
}

// Lookup finds a search parameter by name
func (r *Resource) Lookup(name string) (SearchParam, bool) {
	for _, p := range r.SearchParam {
		if p.Name == name {
			return p, true
		}
	}
	return SearchParam{}, false
}

// Servers returns the REST definitions compiled into routes
func (s *Statement) Servers() []*Rest {
	out := make([]*Rest, 0, len(s.Rest))
	for i := range s.Rest {
		if s.Rest[i].Mode == ModeServer {
			out = append(out, &s.Rest[i])
		}
	}
	return out
}
