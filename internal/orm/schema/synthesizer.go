package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofhir/fhir/r4"
	"go.uber.org/zap"
)

// ErrUnknownResourceType is returned when no schema can be derived for a type
var ErrUnknownResourceType = errors.New("unknown resource type")

// Source records where a description came from
type Source string

const (
	// SourceDefinition means the description was built from a StructureDefinition
	SourceDefinition Source = "structure-definition"
	// SourceCatalog means the type is a known base resource without a loaded definition
	SourceCatalog Source = "catalog"
)

// Field is one top-level element of a resource
type Field struct {
	Name  string
	Types []string
	Min   int
	Max   string
}

// Repeating reports whether the element holds a list
func (f *Field) Repeating() bool {
	return f.Max == "*" || (f.Max != "" && f.Max != "0" && f.Max != "1")
}

// Description is the schema of one resource type
type Description struct {
	ResourceType string
	URL          string
	Source       Source
	Fields       map[string]*Field
}

// Field looks up a top-level element by name
func (d *Description) Field(name string) (*Field, bool) {
	f, ok := d.Fields[name]
	return f, ok
}

// FieldNames returns the element names in sorted order
func (d *Description) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Synthesizer turns resource type names into descriptions. Results are
// memoized in its registry.
type Synthesizer struct {
	registry    *Registry
	logger      *zap.Logger
	mu          sync.RWMutex
	definitions map[string]*r4.StructureDefinition
	catalog     map[string]bool
}

// NewSynthesizer creates a synthesizer that knows the base R4 resource types
func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := make(map[string]bool, len(baseResourceTypes))
	for _, t := range baseResourceTypes {
		catalog[t] = true
	}
	return &Synthesizer{
		registry:    NewRegistry(),
		logger:      logger,
		definitions: make(map[string]*r4.StructureDefinition),
		catalog:     catalog,
	}
}

// Registry exposes the descriptions resolved so far
func (s *Synthesizer) Registry() *Registry {
	return s.registry
}

// AddDefinition makes a resource StructureDefinition available to Make
func (s *Synthesizer) AddDefinition(sd *r4.StructureDefinition) error {
	if sd == nil || sd.Type == nil || *sd.Type == "" {
		return fmt.Errorf("structure definition has no type")
	}
	if sd.Kind != nil && *sd.Kind != r4.StructureDefinitionKindResource {
		return fmt.Errorf("structure definition %s is not a resource", *sd.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[*sd.Type] = sd
	return nil
}

// ResourceTypes lists every type Make can resolve, sorted
func (s *Synthesizer) ResourceTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.catalog)+len(s.definitions))
	for t := range s.catalog {
		types = append(types, t)
	}
	for t := range s.definitions {
		if !s.catalog[t] {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// LoadDefinitions reads every StructureDefinition JSON file in dir. Files
// holding other resource types are skipped.
func (s *Synthesizer) LoadDefinitions(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, err
		}

		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		if probe.ResourceType != "StructureDefinition" {
			continue
		}

		var sd r4.StructureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		if err := s.AddDefinition(&sd); err != nil {
			s.logger.Warn("skipping structure definition", zap.String("file", path), zap.Error(err))
			continue
		}
		loaded++
	}

	s.logger.Info("loaded structure definitions", zap.String("dir", dir), zap.Int("count", loaded))
	return loaded, nil
}

// Make resolves the description for resourceType
func (s *Synthesizer) Make(ctx context.Context, resourceType string) (*Description, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if desc, ok := s.registry.Get(resourceType); ok {
		return desc, nil
	}

	desc, err := s.build(resourceType)
	if err != nil {
		return nil, err
	}

	if err := s.registry.Register(desc); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			existing, _ := s.registry.Get(resourceType)
			return existing, nil
		}
		return nil, err
	}

	s.logger.Debug("synthesized schema",
		zap.String("resource", resourceType),
		zap.String("source", string(desc.Source)),
		zap.Int("fields", len(desc.Fields)))
	return desc, nil
}

func (s *Synthesizer) build(resourceType string) (*Description, error) {
	s.mu.RLock()
	sd, ok := s.definitions[resourceType]
	s.mu.RUnlock()

	if ok {
		return fromDefinition(resourceType, sd), nil
	}
	if s.catalog[resourceType] {
		return fromCatalog(resourceType), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
}

func fromCatalog(resourceType string) *Description {
	desc := &Description{
		ResourceType: resourceType,
		URL:          "http://hl7.org/fhir/StructureDefinition/" + resourceType,
		Source:       SourceCatalog,
		Fields:       make(map[string]*Field, len(domainResourceFields)),
	}
	for _, f := range domainResourceFields {
		cp := *f
		desc.Fields[f.Name] = &cp
	}
	return desc
}

func fromDefinition(resourceType string, sd *r4.StructureDefinition) *Description {
	desc := &Description{
		ResourceType: resourceType,
		URL:          derefString(sd.Url),
		Source:       SourceDefinition,
		Fields:       make(map[string]*Field),
	}
	if sd.Snapshot == nil {
		return desc
	}

	prefix := resourceType + "."
	for i := range sd.Snapshot.Element {
		ed := &sd.Snapshot.Element[i]
		path := derefString(ed.Path)
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		name := strings.TrimPrefix(path, prefix)
		if strings.Contains(name, ".") {
			continue
		}
		name = strings.TrimSuffix(name, "[x]")

		field := &Field{Name: name, Max: derefString(ed.Max)}
		if ed.Min != nil {
			field.Min = int(*ed.Min)
		}
		for _, t := range ed.Type {
			if t.Code != nil {
				field.Types = append(field.Types, *t.Code)
			}
		}
		desc.Fields[name] = field
	}
	return desc
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
