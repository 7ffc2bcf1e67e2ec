package conformance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ErrInvalid is returned when a statement fails structural validation
var ErrInvalid = errors.New("invalid conformance statement")

// Load reads a statement from a .json, .yaml or .yml file
func Load(path string) (*Statement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conformance statement: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes and validates a JSON statement
func ParseJSON(data []byte) (*Statement, error) {
	var s Statement
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid conformance JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseYAML decodes and validates a YAML statement. The document is routed
// through its JSON form so both encodings share one set of field names.
func ParseYAML(data []byte) (*Statement, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid conformance YAML: %w", err)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid conformance YAML: %w", err)
	}
	return ParseJSON(encoded)
}

// Validate checks the statement's structure
func (s *Statement) Validate() error {
	if err := validate.Struct(s); err != nil {
		var valErrs validator.ValidationErrors
		if errors.As(err, &valErrs) {
			messages := make([]string, 0, len(valErrs))
			for _, ve := range valErrs {
				messages = append(messages, ve.Namespace()+": "+formatValidationError(ve))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(messages, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// formatValidationError converts a validator.FieldError to a human-readable message
func formatValidationError(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "required"
	case "alphanum":
		return "must contain only letters and digits"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", ve.Param())
	default:
		return fmt.Sprintf("failed %s validation", ve.Tag())
	}
}
