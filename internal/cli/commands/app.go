package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/conduit-lang/fhirrouter/internal/cli/config"
	"github.com/conduit-lang/fhirrouter/internal/cli/ui"
	"github.com/conduit-lang/fhirrouter/internal/compiler"
	"github.com/conduit-lang/fhirrouter/internal/conformance"
	"github.com/conduit-lang/fhirrouter/internal/orm/schema"
	"github.com/conduit-lang/fhirrouter/internal/store"
	"github.com/conduit-lang/fhirrouter/internal/web/cache"
	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/conduit-lang/fhirrouter/internal/web/ratelimit"
	"github.com/conduit-lang/fhirrouter/internal/web/router"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// app is a compiled API ready to serve
type app struct {
	config    *config.Config
	logger    *zap.Logger
	statement *conformance.Statement
	schemas   *schema.Synthesizer
	compiler  *compiler.Compiler
	router    *router.Router
	cache     cache.Cache
	limiter   ratelimit.Limiter
}

// loadConfig reads the configuration with the command's flags bound over it
func loadConfig(flags *globalFlags, fs *pflag.FlagSet) (*config.Config, error) {
	v := config.New()
	bind := map[string]string{
		"conformance":  "conformance",
		"definitions":  "definitions",
		"content-type": "content_type",
		"db-driver":    "database.driver",
		"db-url":       "database.url",
		"port":         "server.port",
		"host":         "server.host",
		"cache":        "cache.driver",
		"debug-addr":   "server.debug_addr",
		"rate-limit":   "ratelimit.driver",
		"log-level":    "log.level",
	}
	for flag, key := range bind {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return config.Load(v, flags.configFile)
}

// addAppFlags registers the flags that shape the compiled API
func addAppFlags(cmd *cobra.Command) {
	cmd.Flags().String("conformance", "", "conformance statement file (JSON or YAML)")
	cmd.Flags().String("definitions", "", "directory of StructureDefinition JSON files")
	cmd.Flags().String("content-type", "application/json", "media type accepted and served")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

// buildApp loads the conformance statement and compiles it onto a new
// router. When compiling fails the partly built app is closed and still
// returned so the failure can be explained.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, connector store.Connector) (*app, error) {
	stmt, err := conformance.Load(cfg.Conformance)
	if err != nil {
		return nil, err
	}

	schemas := schema.NewSynthesizer(logger.Named("schema"))
	if cfg.Definitions != "" {
		if _, err := schemas.LoadDefinitions(cfg.Definitions); err != nil {
			return nil, fmt.Errorf("failed to load structure definitions: %w", err)
		}
	}

	rc, err := cache.Open(cfg.CacheOptions(), logger.Named("cache"))
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.Open(cfg.LimitOptions(), logger.Named("ratelimit"))
	if err != nil {
		if rc != nil {
			rc.Close()
		}
		return nil, err
	}

	r := router.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(logger.Named("http")),
		middleware.Recovery(logger.Named("http")),
	)
	if limiter != nil {
		r.Use(ratelimit.Middleware(limiter, ratelimit.ClientIP, logger.Named("ratelimit")))
	}
	router.SetupDefaultErrorHandlers(r)

	c := compiler.New(compiler.Options{
		ContentType: cfg.ContentType,
		Schemas:     schemas,
		Cache:       rc,
		CacheTTL:    cfg.Cache.TTL,
		Logger:      logger.Named("compiler"),
	})

	a := &app{
		config:    cfg,
		logger:    logger,
		statement: stmt,
		schemas:   schemas,
		compiler:  c,
		router:    r,
		cache:     rc,
		limiter:   limiter,
	}

	if err := c.Compile(ctx, stmt, connector, r); err != nil {
		a.close()
		return a, err
	}
	return a, nil
}

// close waits for index work and releases the store and cache
func (a *app) close() error {
	err := a.compiler.Close()
	if a.cache != nil {
		err = errors.Join(err, a.cache.Close())
	}
	if a.limiter != nil {
		err = errors.Join(err, a.limiter.Close())
	}
	return err
}

// stats reports compiled API counters for the debug endpoint
func (a *app) stats() map[string]any {
	resources := 0
	for _, rest := range a.statement.Servers() {
		resources += len(rest.Resource)
	}
	return map[string]any{
		"routes":    a.router.Len(),
		"resources": resources,
	}
}

// reportCompileError explains a failed compile on w
func reportCompileError(w io.Writer, err error, a *app) {
	msg := ui.Message{Level: ui.LevelError, Problem: err.Error(), NoColor: color.NoColor}

	switch {
	case errors.Is(err, compiler.ErrConfig), errors.Is(err, config.ErrInvalid):
		msg = ui.ConfigError(err.Error(), color.NoColor)
	case errors.Is(err, compiler.ErrConnection):
		msg.Context = "database unavailable"
		msg.Hints = []string{"Check database.driver and database.url (or DATABASE_URL)"}
	case errors.Is(err, compiler.ErrSchemaResolution):
		msg.Context = "unknown resource type"
		if a != nil {
			known := a.schemas.ResourceTypes()
			for _, rest := range a.statement.Servers() {
				for _, res := range rest.Resource {
					if !slices.Contains(known, res.Type) {
						msg.Suggestions = append(msg.Suggestions, ui.FindSimilar(res.Type, known)...)
					}
				}
			}
		}
		msg.Hints = []string{"Load custom types with --definitions <dir>"}
	case errors.Is(err, compiler.ErrModelBinding):
		msg.Context = "model binding failed"
	}

	msg.Write(w)
}

