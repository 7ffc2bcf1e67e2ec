// Package index derives the secondary indexes implied by declared search
// parameters and reconciles a collection against them.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/store"
)

// ErrReconcile wraps every failure reported by Reconcile
var ErrReconcile = errors.New("index reconciliation failed")

// Target is the collection-level surface reconciliation drives
type Target interface {
	EnsureIndex(ctx context.Context, spec store.IndexSpec) error
	DropIndex(ctx context.Context, spec store.IndexSpec) error
}

// Plan derives the indexes for one search parameter: a single-key
// ascending index per declared document path.
func Plan(collection string, param conformance.SearchParam) []store.IndexSpec {
	fields := Fields(param)
	seen := make(map[string]bool, len(fields))
	specs := make([]store.IndexSpec, 0, len(fields))

	for _, field := range fields {
		name := Name(collection, field)
		if seen[name] {
			continue
		}
		seen[name] = true

		specs = append(specs, store.IndexSpec{
			Name: name,
			Keys: []store.IndexKey{{Field: field}},
		})
	}
	return specs
}

// Fields returns the stored document fields a search parameter reads.
// Reference parameters are keyed on the nested reference string.
func Fields(param conformance.SearchParam) []string {
	fields := make([]string, 0, len(param.Document.Path))
	for _, path := range param.Document.Path {
		if param.Type == "reference" && !strings.HasSuffix(path, ".reference") {
			path += ".reference"
		}
		fields = append(fields, path)
	}
	return fields
}

// MaxNameLength is the longest identifier Postgres keeps without truncating
const MaxNameLength = 63

// Name returns the index name for a field of a collection. Names longer than
// MaxNameLength are cut and end in a hash of the full name so distinct
// fields never collide.
func Name(collection, field string) string {
	name := fmt.Sprintf("idx_%s_%s", strings.ToLower(collection), strings.ReplaceAll(field, ".", "_"))
	if len(name) <= MaxNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	return name[:MaxNameLength-len(suffix)-1] + "_" + suffix
}

// Reconcile creates or drops the planned indexes of every parameter
// according to its index flag. Operations are issued one at a time. A
// failure abandons the rest of that parameter's indexes; later parameters
// are still processed and all failures are returned together.
func Reconcile(ctx context.Context, target Target, collection string, params []conformance.SearchParam) error {
	var errs []error

	for _, param := range params {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		for _, spec := range Plan(collection, param) {
			var err error
			if param.Document.Index {
				err = target.EnsureIndex(ctx, spec)
			} else {
				err = target.DropIndex(ctx, spec)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("search parameter %s: index %s: %w", param.Name, spec.Name, err))
				break
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrReconcile, errors.Join(errs...))
}
