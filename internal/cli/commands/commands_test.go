package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/cli/config"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/fatih/color"
	"go.uber.org/zap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command from an empty working directory
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	prev := color.NoColor
	t.Cleanup(func() { color.NoColor = prev })

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func testdata(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	return path
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "fhirrouter", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "routes", "version"}, names)
}

func TestVersionCommand(t *testing.T) {
	Version = "1.2.3-test"
	t.Cleanup(func() { Version = "dev" })

	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fhirrouter version: 1.2.3-test")
	assert.Contains(t, out, "Go version:")
}

func TestRoutesCommand(t *testing.T) {
	out, _, err := run(t, "routes", "--conformance", testdata(t, "conformance.yaml"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2+7)
	assert.Contains(t, lines[0], "METHOD")
	assert.Contains(t, out, "/metadata")
	assert.Contains(t, out, "Patient.read-tags")
	assert.Regexp(t, `POST\s+/Patient\s+Patient.create\s+1`, out)
	assert.NotContains(t, out, "/Patient/_search")
}

func TestRoutesCommand_MissingConformance(t *testing.T) {
	_, stderr, err := run(t, "routes")
	require.Error(t, err)
	assert.Contains(t, stderr, "CONFIGURATION ERROR")
}

func TestServeCommand_UnknownResourceType(t *testing.T) {
	_, stderr, err := run(t, "serve", "--conformance", testdata(t, "misspelled.yaml"), "--port", "0")
	require.Error(t, err)
	assert.Contains(t, stderr, "UNKNOWN RESOURCE TYPE")
	assert.Contains(t, stderr, "Did you mean: Patient")
}

func TestServeCommand_BadDriver(t *testing.T) {
	_, stderr, err := run(t, "serve", "--conformance", testdata(t, "conformance.yaml"), "--db-driver", "mongo")
	require.Error(t, err)
	assert.Contains(t, stderr, "database.driver")
}

func TestBuildApp_RateLimitAndStats(t *testing.T) {
	cfg := &config.Config{
		Conformance: testdata(t, "conformance.yaml"),
		ContentType: "application/json",
		Cache:       config.CacheConfig{Driver: "memory", TTL: time.Minute},
		Limit:       config.LimitConfig{Driver: "memory", Requests: 2, Window: time.Hour},
	}

	a, err := buildApp(context.Background(), cfg, zap.NewNop(), store.Descriptor{Driver: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })

	assert.Equal(t, map[string]any{"routes": 7, "resources": 1}, a.stats())

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metadata", nil))
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
