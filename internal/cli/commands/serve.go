package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/conduit-lang/fhirrouter/internal/cli/ui"
	"github.com/conduit-lang/fhirrouter/internal/web/profiling"
	"github.com/conduit-lang/fhirrouter/internal/web/server"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCommand creates the serve command
func NewServeCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Compile the conformance statement and serve the API",
		Long: `Compile the conformance statement and serve the API it declares.

Startup stops with an error if the database cannot be reached or a
declared resource type cannot be resolved. Index maintenance runs in the
background and only logs failures.

Examples:
  fhirrouter serve --conformance conformance.json
  fhirrouter serve --db-driver postgres --db-url postgres://localhost/fhir
  fhirrouter serve --cache redis --port 9000
  fhirrouter serve --cache redis --rate-limit redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	addAppFlags(cmd)
	cmd.Flags().String("db-driver", "memory", "store driver (memory, sqlite, postgres)")
	cmd.Flags().String("db-url", "", "database path or connection url")
	cmd.Flags().IntP("port", "p", 8080, "port to listen on")
	cmd.Flags().String("host", "", "interface to listen on")
	cmd.Flags().String("cache", "none", "read cache (none, memory, redis)")
	cmd.Flags().String("debug-addr", "", "serve pprof and /debug/stats on this address")
	cmd.Flags().String("rate-limit", "none", "per-client rate limiter (none, memory, redis)")

	return cmd
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(flags, cmd.Flags())
	if err != nil {
		ui.ConfigError(err.Error(), color.NoColor).Write(cmd.ErrOrStderr())
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, cfg.Descriptor())
	if err != nil {
		reportCompileError(cmd.ErrOrStderr(), err, a)
		return err
	}

	srv, err := server.New(&server.Config{
		Address:           cfg.Address(),
		Handler:           a.router,
		CertFile:          cfg.Server.CertFile,
		KeyFile:           cfg.Server.KeyFile,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		MaxHeaderBytes:    1 << 20,
		Logger:            logger.Named("server"),
	})
	if err != nil {
		a.close()
		return err
	}
	if err := srv.Listen(); err != nil {
		a.close()
		return err
	}

	gs := server.NewGracefulShutdown(srv, &server.ShutdownConfig{
		Timeout: cfg.Server.ShutdownTimeout,
		Logger:  logger.Named("server"),
	})
	gs.RegisterHook(func(context.Context) error { return a.close() })

	if cfg.Server.DebugAddr != "" {
		debug, err := startDebugServer(cfg.Server.DebugAddr, a, logger.Named("debug"))
		if err != nil {
			a.close()
			return err
		}
		gs.RegisterHook(debug.Shutdown)
	}

	fmt.Fprintln(cmd.OutOrStdout(), ui.FormatSuccess(
		fmt.Sprintf("serving %d routes on %s", a.router.Len(), srv.Addr()), color.NoColor))
	logger.Info("api ready", zap.String("addr", srv.Addr()), zap.Int("routes", a.router.Len()))

	return gs.Run(ctx)
}

// startDebugServer serves profiling endpoints on their own listener
func startDebugServer(addr string, a *app, logger *zap.Logger) (*server.Server, error) {
	srv, err := server.New(&server.Config{
		Address: addr,
		Handler: profiling.Handler(profiling.Config{Stats: a.stats}),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("debug server stopped", zap.Error(err))
		}
	}()
	logger.Info("debug endpoints enabled", zap.String("addr", srv.Addr()))
	return srv, nil
}
