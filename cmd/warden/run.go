package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	gateway "github.com/gatewarden/warden/internal"
	"github.com/gatewarden/warden/internal/app"
	"github.com/gatewarden/warden/internal/auth"
	"github.com/gatewarden/warden/internal/circuitbreaker"
	"github.com/gatewarden/warden/internal/config"
	"github.com/gatewarden/warden/internal/ratelimit"
	"github.com/gatewarden/warden/internal/server"
	"github.com/gatewarden/warden/internal/storage/sqlite"
	"github.com/gatewarden/warden/internal/store"
	"github.com/gatewarden/warden/internal/telemetry"
	"github.com/gatewarden/warden/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting warden", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Shared state store. Unreachable at startup is fatal: the limiters and
	// breakers fail open at runtime, but booting blind is an operator error.
	st, err := store.New(cfg.Store.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	// User registry
	users, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer users.Close()

	// Tracing (optional)
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	stats := telemetry.NewCollector()

	// Route table and circuit breakers
	routes := app.NewTable(cfg.ServiceRoutes())
	circuits, err := circuitbreaker.NewRegistry(st, circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		ProbeBudget:      cfg.Circuit.ProbeBudget,
	}, routes.Names())
	if err != nil {
		return err
	}
	circuits.SetTransitionHook(func(service string, to gateway.CircuitState) {
		metrics.CircuitTransitions.WithLabelValues(service, string(to)).Inc()
	})

	// Upstream dispatcher with cached DNS
	resolver := &dnscache.Resolver{}
	dispatch := app.NewDispatcher(app.NewTransport(resolver))

	// Limiters
	window := ratelimit.NewSlidingWindow(st, cfg.RateLimit.Requests,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	bucket := ratelimit.NewTokenBucket(st, cfg.RateLimit.BucketCap, cfg.RateLimit.BucketRefill)

	// Token verification and issuance
	tokens := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Algorithms, cfg.Auth.ClockSkew, cfg.Auth.TokenTTL)

	handler := server.New(server.Deps{
		Tokens:     tokens,
		Users:      users,
		Routes:     routes,
		Dispatch:   dispatch,
		Window:     window,
		Bucket:     bucket,
		Circuits:   circuits,
		Metrics:    metrics,
		Stats:      stats,
		PromHTTP:   promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		StoreCheck: st.Ping,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runner := worker.NewRunner(worker.NewCircuitReplayWorker(circuits, metrics))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runner.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(dnsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("warden ready", "addr", cfg.Server.Addr, "services", routes.Names())

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("warden stopped")
	return nil
}
