// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prover assembles the prover service: the HTTP edge, the worker
// WebSocket endpoint, bundle metadata, the artifact store and the
// observability stack.
//
// # Usage
//
//	cfg, err := prover.LoadConfig("prover.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := prover.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProver/services/prover/artifacts"
	"github.com/AleutianAI/AleutianProver/services/prover/bundle"
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/edge"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/refengine"
	"github.com/AleutianAI/AleutianProver/services/prover/observability"
	"github.com/AleutianAI/AleutianProver/services/prover/routes"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/transport"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the prover service lifecycle.
//
// # Thread Safety
//
// Run is called at most once. Close is safe to call concurrently with Run
// and more than once.
type Service interface {
	// Run serves HTTP until ctx is canceled or the server fails, then shuts
	// down gracefully and releases all resources.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases resources without serving. Used when Run is never
	// called.
	Close() error
}

// Options injects collaborators. Nil fields get production defaults.
//
// # Fields
//
//   - Loader: Engine loader. Default: the reference engine over
//     Worker.BundleDir.
//   - Prober: Capability probe. Default: a wazero runtime probe, or a
//     static "disabled" state when Worker.DisableThreads is set.
//   - Registerer: Prometheus registerer. Default: the global registry.
//   - Gatherer: Served on /metrics. Default: the global registry.
//   - Logger: Structured logger. Default: slog.Default().
//   - SkipTelemetry: Leaves the global OTel providers alone.
type Options struct {
	Loader        engine.Loader
	Prober        *capability.Prober
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	SkipTelemetry bool
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config  Config
	opts    Options
	logger  *slog.Logger
	router  *gin.Engine
	metrics *observability.ProverMetrics

	store    *artifacts.Store
	provider *bundle.Provider
	watcher  *bundle.Watcher
	probeEnv *capability.RuntimeEnvironment

	telemetryShutdown func(context.Context) error
	watchCancel       context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New creates the prover service.
//
// # Description
//
// Initializes, in order: telemetry, Prometheus metrics, the capability
// prober, the artifact store, the bundle watcher and the router. A missing
// bundle directory is not an error; modules are then never reloaded on
// change.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Injected collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if telemetry or the artifact store fail to start.
func New(cfg Config, opts *Options) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "prover")

	if !s.opts.SkipTelemetry {
		shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		s.telemetryShutdown = shutdown
	}

	registerer := s.opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.metrics = observability.NewMetrics(registerer)

	s.initProber()

	store, err := artifacts.Open(cfg.Artifacts, s.logger, s.metrics)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	s.store = store

	s.initBundles()

	if err := s.initRouter(); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if s.watcher != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		s.watchCancel = cancel
		go s.watcher.Start(watchCtx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting prover server", "port", s.config.Server.Port,
			"static_dir", s.config.Server.StaticDir, "bundle_dir", s.config.Worker.BundleDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down prover server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.cleanup()
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initProber() {
	switch {
	case s.opts.Prober != nil:
	case s.config.Worker.DisableThreads:
		s.opts.Prober = capability.Static(capability.State{Reason: "disabled_by_config"})
	default:
		s.probeEnv = capability.NewRuntimeEnvironment(!s.config.Server.DisableIsolation)
		s.opts.Prober = capability.NewProber(s.probeEnv)
	}
}

// initBundles sets up the build info provider and, when the bundle
// directory exists, the change watcher.
func (s *service) initBundles() {
	dir := s.config.Worker.BundleDir
	s.provider = bundle.NewProvider(dir, s.logger)
	if s.opts.Loader == nil {
		s.opts.Loader = refengine.NewLoader(refengine.Options{BundleDir: dir})
	}
	if dir == "" {
		return
	}
	watcher, err := bundle.NewWatcher(dir, s.logger)
	if err != nil {
		s.logger.Warn("Bundle watcher unavailable; modules will not reload on change",
			"bundle_dir", dir, "error", err)
		return
	}
	s.watcher = watcher
}

// newWorker creates the worker for one connection.
func (s *service) newWorker(logger *slog.Logger) (*worker.Worker, error) {
	cfg := worker.Config{
		Loader:  s.opts.Loader,
		Prober:  s.opts.Prober,
		Logger:  logger,
		Metrics: s.metrics,
		Limits: worker.Limits{
			MaxThreads:     s.config.Worker.MaxThreads,
			DefaultThreads: s.config.Worker.DefaultThreads,
		},
		ThreadPoolTimeout: s.config.Worker.ThreadPoolTimeout,
		EventBuffer:       s.config.Worker.EventBuffer,
	}
	if s.watcher != nil {
		cfg.Generations = s.watcher
	}
	return worker.New(cfg)
}

func (s *service) initRouter() error {
	gin.SetMode(s.config.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))
	if !s.config.Server.DisableIsolation {
		s.router.Use(edge.CrossOriginIsolation(edge.Options{NoStore: s.config.Server.NoStore}))
	}

	transportMetrics, err := telemetry.NewTransportMetrics(otel.Meter(telemetry.TracerName))
	if err != nil {
		return fmt.Errorf("failed to create transport metrics: %w", err)
	}

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Worker: transport.HandlerConfig{
			NewWorker:      s.newWorker,
			Artifacts:      s.store,
			Metrics:        s.metrics,
			Transport:      transportMetrics,
			Logger:         s.logger,
			RunRate:        rate.Limit(s.config.Transport.RunRate),
			RunBurst:       s.config.Transport.RunBurst,
			WriteTimeout:   s.config.Transport.WriteTimeout,
			AllowedOrigins: s.config.Transport.AllowedOrigins,
		},
		Bundles:   s.provider,
		Artifacts: s.store,
		Status:    s.status,
		Metrics:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		StaticDir: s.config.Server.StaticDir,
	})
	return nil
}

// cleanup releases everything New and Run acquired. Safe to call twice.
func (s *service) cleanup() {
	s.closeOnce.Do(func() {
		var errs []error
		if s.watchCancel != nil {
			s.watchCancel()
		}
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop bundle watcher: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close artifact store: %w", err))
			}
		}
		if s.probeEnv != nil {
			if err := s.probeEnv.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close probe runtime: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("Prover cleanup finished with errors", "error", s.closeErr)
		}
	})
}
