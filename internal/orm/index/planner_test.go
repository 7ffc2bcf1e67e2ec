package index

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serialTarget fails any call issued while another is still outstanding
type serialTarget struct {
	inFlight atomic.Int32
	mu       sync.Mutex
	calls    []string
	failOn   string
}

func (s *serialTarget) do(op string, spec store.IndexSpec) error {
	if s.inFlight.Add(1) != 1 {
		s.inFlight.Add(-1)
		return errors.New("overlapping index operation")
	}
	defer s.inFlight.Add(-1)

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.calls = append(s.calls, op+" "+spec.Name)
	s.mu.Unlock()

	if spec.Name == s.failOn {
		return errors.New("boom")
	}
	return nil
}

func (s *serialTarget) EnsureIndex(_ context.Context, spec store.IndexSpec) error {
	return s.do("create", spec)
}

func (s *serialTarget) DropIndex(_ context.Context, spec store.IndexSpec) error {
	return s.do("drop", spec)
}

func param(name, typ string, index bool, paths ...string) conformance.SearchParam {
	return conformance.SearchParam{
		Name:     name,
		Type:     typ,
		Document: conformance.Document{Path: paths, Index: index},
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		param conformance.SearchParam
		want  []store.IndexSpec
	}{
		{
			name:  "single path",
			param: param("family", "string", true, "name.family"),
			want: []store.IndexSpec{
				{Name: "idx_patient_name_family", Keys: []store.IndexKey{{Field: "name.family"}}},
			},
		},
		{
			name:  "multiple paths keep declared order",
			param: param("name", "string", true, "name.given", "name.family"),
			want: []store.IndexSpec{
				{Name: "idx_patient_name_given", Keys: []store.IndexKey{{Field: "name.given"}}},
				{Name: "idx_patient_name_family", Keys: []store.IndexKey{{Field: "name.family"}}},
			},
		},
		{
			name:  "reference parameter keys the reference string",
			param: param("organization", "reference", true, "managingOrganization"),
			want: []store.IndexSpec{
				{Name: "idx_patient_managingOrganization_reference", Keys: []store.IndexKey{{Field: "managingOrganization.reference"}}},
			},
		},
		{
			name:  "duplicate paths collapse",
			param: param("gender", "token", true, "gender", "gender"),
			want: []store.IndexSpec{
				{Name: "idx_patient_gender", Keys: []store.IndexKey{{Field: "gender"}}},
			},
		},
		{
			name:  "no paths",
			param: param("birthdate", "date", true),
			want:  []store.IndexSpec{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan("Patient", tt.param)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Plan("Patient", tt.param))
		})
	}
}

func TestName_Length(t *testing.T) {
	assert.Equal(t, "idx_patient_name_family", Name("Patient", "name.family"))

	start := Name("MedicationAdministration", "effectiveTiming.repeat.boundsPeriod.start")
	end := Name("MedicationAdministration", "effectiveTiming.repeat.boundsPeriod.end")

	assert.Len(t, start, MaxNameLength)
	assert.LessOrEqual(t, len(end), MaxNameLength)
	assert.NotEqual(t, start, end)
	assert.True(t, strings.HasPrefix(start, "idx_medicationadministration_effectiveTiming_"))
	assert.Equal(t, start, Name("MedicationAdministration", "effectiveTiming.repeat.boundsPeriod.start"))
}

func TestReconcile_Sequential(t *testing.T) {
	target := &serialTarget{}
	params := []conformance.SearchParam{
		param("name", "string", true, "name.given", "name.family"),
		param("gender", "token", false, "gender"),
	}

	err := Reconcile(context.Background(), target, "Patient", params)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create idx_patient_name_given",
		"create idx_patient_name_family",
		"drop idx_patient_gender",
	}, target.calls)
}

func TestReconcile_FailureStopsParameterOnly(t *testing.T) {
	target := &serialTarget{failOn: "idx_patient_name_given"}
	params := []conformance.SearchParam{
		param("name", "string", true, "name.given", "name.family"),
		param("gender", "token", true, "gender"),
	}

	err := Reconcile(context.Background(), target, "Patient", params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconcile)
	assert.Contains(t, err.Error(), "search parameter name")

	assert.Equal(t, []string{
		"create idx_patient_name_given",
		"create idx_patient_gender",
	}, target.calls)
}

func TestReconcile_CreateThenDrop(t *testing.T) {
	ctx := context.Background()
	coll, err := store.NewMemoryStore().Collection(ctx, "Patient")
	require.NoError(t, err)

	params := []conformance.SearchParam{
		param("family", "string", true, "name.family"),
		param("gender", "token", true, "gender"),
	}

	require.NoError(t, Reconcile(ctx, coll, "Patient", params))
	names, err := coll.Indexes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"idx_patient_name_family", "idx_patient_gender"}, names)

	for i := range params {
		params[i].Document.Index = false
	}
	require.NoError(t, Reconcile(ctx, coll, "Patient", params))
	names, err = coll.Indexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReconcile_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := &serialTarget{}
	err := Reconcile(ctx, target, "Patient", []conformance.SearchParam{param("gender", "token", true, "gender")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, target.calls)
}
