// Package profiling serves pprof and runtime statistics on a separate
// debug listener. It must not be exposed publicly.
package profiling

import (
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/conduit-lang/fhirrouter/internal/web/response"
	"github.com/go-chi/chi/v5"
)

// DefaultPath is the mount point of the pprof index
const DefaultPath = "/debug/pprof"

// Config holds profiling configuration
type Config struct {
	// Path is the pprof prefix; empty means DefaultPath
	Path string
	// BlockRate and MutexFraction enable the block and mutex profiles when positive
	BlockRate     int
	MutexFraction int
	// Stats adds application counters to /debug/stats
	Stats func() map[string]any
}

// Handler returns the debug mux: pprof under cfg.Path and /debug/stats
func Handler(cfg Config) http.Handler {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.BlockRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockRate)
	}
	if cfg.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexFraction)
	}

	r := chi.NewRouter()
	r.Route(cfg.Path, func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			r.Handle("/"+name, pprof.Handler(name))
		}
	})
	r.Get("/debug/stats", StatsHandler(cfg.Stats))
	return r
}

// RuntimeStats returns goroutine, memory and cpu counters
func RuntimeStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc":       m.Alloc,
			"total_alloc": m.TotalAlloc,
			"sys":         m.Sys,
			"num_gc":      m.NumGC,
		},
		"cpu": map[string]any{
			"num_cpu":      runtime.NumCPU(),
			"num_cgo_call": runtime.NumCgoCall(),
		},
	}
}

// StatsHandler serves RuntimeStats, with extra's counters under "app"
func StatsHandler(extra func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := RuntimeStats()
		if extra != nil {
			stats["app"] = extra()
		}
		response.JSON(w, http.StatusOK, stats)
	}
}
