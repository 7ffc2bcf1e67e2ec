package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// serialStore hands out collections that reject overlapping index calls
type serialStore struct {
	store.Store
	overlaps atomic.Int32
}

func (s *serialStore) Collection(ctx context.Context, name string) (store.Collection, error) {
	c, err := s.Store.Collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return &serialCollection{Collection: c, parent: s}, nil
}

type serialCollection struct {
	store.Collection
	parent   *serialStore
	inFlight atomic.Int32
}

func (c *serialCollection) guard(fn func() error) error {
	if c.inFlight.Add(1) != 1 {
		c.inFlight.Add(-1)
		c.parent.overlaps.Add(1)
		return errors.New("overlapping index operation")
	}
	defer c.inFlight.Add(-1)
	time.Sleep(time.Millisecond)
	return fn()
}

func (c *serialCollection) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	return c.guard(func() error { return c.Collection.EnsureIndex(ctx, spec) })
}

func (c *serialCollection) DropIndex(ctx context.Context, spec store.IndexSpec) error {
	return c.guard(func() error { return c.Collection.DropIndex(ctx, spec) })
}

// failingIndexStore fails every index operation
type failingIndexStore struct {
	store.Store
}

func (s *failingIndexStore) Collection(ctx context.Context, name string) (store.Collection, error) {
	c, err := s.Store.Collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingIndexCollection{Collection: c}, nil
}

type failingIndexCollection struct {
	store.Collection
}

func (c *failingIndexCollection) EnsureIndex(context.Context, store.IndexSpec) error {
	return errors.New("disk full")
}

func connectTo(s store.Store) store.Connector {
	return store.ConnectorFunc(func(context.Context) (store.Store, error) { return s, nil })
}

func ops(codes ...string) []conformance.Operation {
	out := make([]conformance.Operation, 0, len(codes))
	for _, c := range codes {
		out = append(out, conformance.Operation{Code: c})
	}
	return out
}

func statement(resources ...conformance.Resource) *conformance.Statement {
	return &conformance.Statement{
		ResourceType:  "Conformance",
		AcceptUnknown: false,
		Format:        []string{"xml"},
		Rest:          []conformance.Rest{{Mode: conformance.ModeServer, Resource: resources}},
	}
}

func registered(r *router.Router) []string {
	var out []string
	for _, info := range r.GetRoutes() {
		if info.Pattern == "/" || info.Pattern == "/metadata" {
			continue
		}
		out = append(out, info.Method+" "+info.Pattern)
	}
	sort.Strings(out)
	return out
}

func TestCompile_HardensResources(t *testing.T) {
	stmt := statement(
		conformance.Resource{Type: "Patient", ReadHistory: true, UpdateCreate: true, SearchInclude: true, Operation: ops("read")},
		conformance.Resource{Type: "Encounter", Operation: ops("read"), SearchParam: []conformance.SearchParam{{Name: "status"}}},
	)

	c := New(Options{})
	require.NoError(t, c.Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), router.NewRouter()))
	c.Wait()

	for _, res := range stmt.Rest[0].Resource {
		assert.False(t, res.ReadHistory, res.Type)
		assert.False(t, res.UpdateCreate, res.Type)
		assert.False(t, res.SearchInclude, res.Type)
		assert.NotNil(t, res.SearchParam, res.Type)
	}
	assert.Empty(t, stmt.Rest[0].Resource[0].SearchParam)
	assert.Len(t, stmt.Rest[0].Resource[1].SearchParam, 1)
}

func TestCompile_RegistersOnlyDeclaredOperations(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(conformance.Resource{Type: "Patient", Operation: ops("create", "read")})

	require.NoError(t, New(Options{}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))

	assert.Equal(t, []string{
		"GET /Patient/:id",
		"GET /Patient/:id/_tags",
		"POST /Patient",
		"POST /Patient/:id/_tags",
		"POST /Patient/:id/_tags/_delete",
	}, registered(r))

	for _, info := range r.GetRoutes() {
		switch info.Pattern {
		case "/Patient":
			assert.Equal(t, "Patient.create", info.Name)
			assert.Equal(t, 1, info.Middleware)
		case "/Patient/:id/_tags/_delete":
			assert.Equal(t, "Patient.delete-tags", info.Name)
			assert.Equal(t, "create", info.Operation)
		}
	}
}

func TestCompile_AllOperations(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(conformance.Resource{Type: "Observation", Operation: ops("search-type", "read", "update", "delete", "create")})

	c := New(Options{})
	require.NoError(t, c.Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))
	c.Wait()

	assert.Equal(t, []string{
		"DELETE /Observation/:id",
		"GET /Observation",
		"GET /Observation/:id",
		"GET /Observation/:id/_tags",
		"GET /Observation/_search",
		"POST /Observation",
		"POST /Observation/:id/_tags",
		"POST /Observation/:id/_tags/_delete",
		"PUT /Observation/:id",
	}, registered(r))
}

func TestCompile_UnknownOperationCode(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(conformance.Resource{Type: "Patient", Operation: ops("patch", "history-instance")})

	require.NoError(t, New(Options{}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))
	assert.Empty(t, registered(r))
	assert.Equal(t, 2, r.Len())
}

func TestCompile_IndexesFollowLatestIntent(t *testing.T) {
	mem := store.NewMemoryStore()
	params := func(index bool) []conformance.SearchParam {
		return []conformance.SearchParam{
			{Name: "family", Type: "string", Document: conformance.Document{Path: []string{"name.family"}, Index: index}},
			{Name: "gender", Type: "token", Document: conformance.Document{Path: []string{"gender"}, Index: index}},
		}
	}

	c := New(Options{})
	ctx := context.Background()

	require.NoError(t, c.Compile(ctx, statement(conformance.Resource{Type: "Patient", Operation: ops("search-type"), SearchParam: params(true)}), connectTo(mem), router.NewRouter()))
	c.Wait()

	coll, err := mem.Collection(ctx, "Patient")
	require.NoError(t, err)
	names, err := coll.Indexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_patient_gender", "idx_patient_name_family"}, names)

	require.NoError(t, c.Compile(ctx, statement(conformance.Resource{Type: "Patient", Operation: ops("search-type"), SearchParam: params(false)}), connectTo(mem), router.NewRouter()))
	c.Wait()

	names, err = coll.Indexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCompile_BackToBackReconcilesKeepOrder(t *testing.T) {
	mem := store.NewMemoryStore()
	param := func(index bool) []conformance.SearchParam {
		return []conformance.SearchParam{{Name: "code", Type: "token", Document: conformance.Document{Path: []string{"code.coding.code", "category"}, Index: index}}}
	}

	c := New(Options{})
	ctx := context.Background()
	require.NoError(t, c.Compile(ctx, statement(conformance.Resource{Type: "Observation", Operation: ops("search-type"), SearchParam: param(true)}), connectTo(mem), router.NewRouter()))
	require.NoError(t, c.Compile(ctx, statement(conformance.Resource{Type: "Observation", Operation: ops("search-type"), SearchParam: param(false)}), connectTo(mem), router.NewRouter()))
	c.Wait()

	coll, err := mem.Collection(ctx, "Observation")
	require.NoError(t, err)
	names, err := coll.Indexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCompile_ReconcileIsSequential(t *testing.T) {
	s := &serialStore{Store: store.NewMemoryStore()}
	core, logs := observer.New(zap.DebugLevel)

	var sp []conformance.SearchParam
	for _, name := range []string{"code", "subject", "date", "status"} {
		sp = append(sp, conformance.SearchParam{Name: name, Document: conformance.Document{Path: []string{name, name + "Alt"}, Index: true}})
	}

	c := New(Options{Logger: zap.New(core)})
	require.NoError(t, c.Compile(context.Background(), statement(conformance.Resource{Type: "Observation", Operation: ops("search-type"), SearchParam: sp}), connectTo(s), router.NewRouter()))
	c.Wait()

	assert.Equal(t, int32(0), s.overlaps.Load())
	assert.Equal(t, 0, logs.FilterMessage("index reconciliation failed").Len())

	coll, err := s.Store.Collection(context.Background(), "Observation")
	require.NoError(t, err)
	names, err := coll.Indexes(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 8)
}

func TestCompile_IndexFailureIsLoggedOnly(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := router.NewRouter()
	stmt := statement(conformance.Resource{
		Type:        "Patient",
		Operation:   ops("search-type"),
		SearchParam: []conformance.SearchParam{{Name: "gender", Document: conformance.Document{Path: []string{"gender"}, Index: true}}},
	})

	c := New(Options{Logger: zap.New(core)})
	require.NoError(t, c.Compile(context.Background(), stmt, connectTo(&failingIndexStore{Store: store.NewMemoryStore()}), r))
	c.Wait()

	entries := logs.FilterMessage("index reconciliation failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Patient", entries[0].ContextMap()["resource"])

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/Patient", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCompile_SchemaResolutionFailure(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(
		conformance.Resource{Type: "Patient", Operation: ops("read")},
		conformance.Resource{Type: "NotAResource", Operation: ops("read")},
	)

	err := New(Options{}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaResolution)
	assert.Contains(t, err.Error(), "NotAResource")

	assert.True(t, r.Has(http.MethodGet, "/"))
	assert.True(t, r.Has(http.MethodGet, "/metadata"))
	assert.False(t, r.Has(http.MethodGet, "/NotAResource/:id"))
}

func TestCompile_ModelBindingFailure(t *testing.T) {
	closed := store.NewMemoryStore()
	require.NoError(t, closed.Close())

	err := New(Options{}).Compile(context.Background(), statement(conformance.Resource{Type: "Patient", Operation: ops("read")}), connectTo(closed), router.NewRouter())
	assert.ErrorIs(t, err, ErrModelBinding)
}

func TestCompile_ConfigAndConnectionErrors(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	assert.ErrorIs(t, c.Compile(ctx, nil, connectTo(store.NewMemoryStore()), router.NewRouter()), ErrConfig)
	assert.ErrorIs(t, c.Compile(ctx, statement(), nil, router.NewRouter()), ErrConfig)
	assert.ErrorIs(t, c.Compile(ctx, statement(), connectTo(store.NewMemoryStore()), nil), ErrConfig)

	refused := errors.New("connection refused")
	r := router.NewRouter()
	err := c.Compile(ctx, statement(), store.ConnectorFunc(func(context.Context) (store.Store, error) { return nil, refused }), r)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 0, r.Len())

	err = c.Compile(ctx, statement(), store.ConnectorFunc(func(context.Context) (store.Store, error) { panic("driver exploded") }), r)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "driver exploded")

	err = c.Compile(ctx, statement(), store.ConnectorFunc(func(context.Context) (store.Store, error) { return nil, nil }), r)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestCompile_MetadataIsDecorated(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(conformance.Resource{Type: "Patient", Operation: ops("read")})

	require.NoError(t, New(Options{}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))

	for _, path := range []string{"/", "/metadata"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)

		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, true, got["acceptUnknown"], path)
		assert.Equal(t, []any{"json"}, got["format"], path)
	}
}

func TestCompile_SkipsClientRest(t *testing.T) {
	r := router.NewRouter()
	stmt := &conformance.Statement{Rest: []conformance.Rest{
		{Mode: conformance.ModeClient, Resource: []conformance.Resource{{Type: "Patient", Operation: ops("read")}}},
		{Mode: conformance.ModeServer, Resource: []conformance.Resource{{Type: "Encounter", Operation: ops("read")}}},
	}}

	require.NoError(t, New(Options{}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))
	assert.False(t, r.Has(http.MethodGet, "/Patient/:id"))
	assert.True(t, r.Has(http.MethodGet, "/Encounter/:id"))
}

func TestCompile_ServesContentType(t *testing.T) {
	r := router.NewRouter()
	stmt := statement(conformance.Resource{Type: "Patient", Operation: ops("create")})

	require.NoError(t, New(Options{ContentType: "application/fhir+json"}).Compile(context.Background(), stmt, connectTo(store.NewMemoryStore()), r))

	req := httptest.NewRequest(http.MethodPost, "/Patient", nil)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestClose(t *testing.T) {
	mem := store.NewMemoryStore()
	c := New(Options{})
	require.NoError(t, c.Close())

	require.NoError(t, c.Compile(context.Background(), statement(), connectTo(mem), router.NewRouter()))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, mem.Ping(context.Background()), store.ErrClosed)
}

func TestSafely(t *testing.T) {
	err := safely(func() error { panic(errors.New("bad")) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	assert.NoError(t, safely(func() error { return nil }))
}
