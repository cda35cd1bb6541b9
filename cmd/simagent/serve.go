package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelicad/simagent/internal/api"
	"github.com/kelicad/simagent/internal/config"
	"github.com/kelicad/simagent/internal/container"
	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/engine"
	"github.com/kelicad/simagent/internal/environment"
	"github.com/kelicad/simagent/internal/metrics"
	"github.com/kelicad/simagent/internal/middleware"
	"github.com/kelicad/simagent/internal/netlist"
	"github.com/kelicad/simagent/internal/protocol"
	"github.com/kelicad/simagent/internal/session"
	"github.com/kelicad/simagent/internal/state"
	"github.com/kelicad/simagent/internal/store"
	"github.com/kelicad/simagent/web"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	disableNgspice bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent (the default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.disableNgspice, "disable-ngspice", false, "Do not look for a native ngspice executable")
	return cmd
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting agent", "addr", cfg.Addr(), "version", protocol.AgentVersion, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := environment.NewResolver().Resolve(overridesFrom(cfg, opts.disableNgspice))
	engines := state.Engines{
		LTspicePath: env.LTspicePath,
		NgspicePath: env.NgspicePath,
	}

	runners := map[domain.EngineKind]engine.Runner{
		domain.EngineLTspice: engine.ExecRunner{},
		domain.EngineNgspice: engine.ExecRunner{},
	}

	var removers []container.StaleRemover
	if image := cfg.Engines.NgspiceDockerImage; image != "" {
		docker, err := container.NewDockerRunner(image, logger)
		if err != nil {
			slog.Warn("Docker unavailable, containerized ngspice disabled", "error", err)
		} else {
			defer func() {
				if closeErr := docker.Close(); closeErr != nil {
					slog.Error("Failed to close docker client", "error", closeErr)
				}
			}()
			ok, err := docker.ImageAvailable(ctx)
			switch {
			case err != nil:
				slog.Warn("Failed to inspect ngspice image", "image", image, "error", err)
			case !ok:
				slog.Warn("ngspice image not present locally", "image", image)
			default:
				engines.NgspiceImage = image
				runners[domain.EngineNgspice] = docker
				removers = append(removers, docker)
				slog.Info("Containerized ngspice enabled", "image", image)
			}
		}
	}

	slog.Info("Simulators detected",
		"ltspice_path", engines.LTspicePath,
		"ngspice_path", engines.NgspicePath,
		"ngspice_image", engines.NgspiceImage,
		"resources_dir", env.ResourcesDir,
	)
	if !engines.LTspiceAvailable() && !engines.NgspiceAvailable() {
		slog.Warn("No simulator found, simulation requests will fail until one is installed")
	}

	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.History.MaxRetries, cfg.History.RetryBaseDelay))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	st := state.New(engines, cfg.Port, protocol.AgentVersion)
	m := metrics.New()

	prep := netlist.NewPreprocessor(netlist.Options{
		LibraryDirs:  env.LibraryDirs,
		ResourcesDir: env.ResourcesDir,
		SearchDepth:  cfg.Engines.LibrarySearchDepth,
		Strict:       cfg.Jobs.StrictIncludes,
	}, logger)

	sup := engine.NewSupervisor(engine.Config{
		WorkRoot:       cfg.Jobs.WorkDir,
		KeepWorkDirs:   cfg.Jobs.KeepWorkDirs,
		CancelGrace:    cfg.Jobs.CancelGrace,
		MaxDuration:    cfg.Jobs.MaxSimulationTime,
		EnforceTimeout: cfg.Jobs.EnforceTimeout,
		Preference:     cfg.Engines.Preference,
	}, st, prep, runners, repo, m, logger)

	wsHandler := session.NewHandler(ctx, session.Config{
		MaxSimulationTime: cfg.Jobs.MaxSimulationTime,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		AnyUpgradeOrigin:  cfg.IsDevelopment(),
	}, st, sup, nil, m, logger)

	baseHandler := api.NewHandler(st, repo)
	statusHandler := api.NewStatusHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, st)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	// The control channel lives at the root so the editor can connect to
	// ws://127.0.0.1:<port> without a path.
	r.Get("/", wsHandler.ServeHTTP)
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Logger)

		healthHandler.RegisterHealth(r)
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.CORS(protocol.AllowedOrigins))
			statusHandler.RegisterRoutes(r)
		})
		r.Handle("/metrics", m.Handler())
		r.Handle("/ui/*", http.StripPrefix("/ui", web.SPAHandler()))
	})

	// WriteTimeout stays 0: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	worker := container.NewRetentionWorker(container.RetentionConfig{
		HistoryRetention: cfg.History.Retention,
		WorkRoot:         cfg.Jobs.WorkDir,
		ActiveWorkDir:    sup.CurrentWorkDir,
		MaxRetries:       cfg.History.MaxRetries,
		BaseDelay:        cfg.History.RetryBaseDelay,
	}, repo, logger, removers...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Agent listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		wsHandler.Registry().CloseAll("agent shutting down")
		// Jobs run on ctx and terminate their engine when it is cancelled.
		wsHandler.Wait()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to flush simulation history", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Agent stopped")
	return nil
}
