package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/tasksync/internal/coord"
	"github.com/agentworkforce/tasksync/internal/httpapi"
	"github.com/agentworkforce/tasksync/internal/remote"
	"github.com/agentworkforce/tasksync/internal/syncer"
)

func main() {
	// A missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand(func(cmd *cobra.Command, cfg config) error {
		return serve(cmd.Context(), cfg)
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config) error {
	logger, logCloser, err := newLogger(cfg.LogLevel, cfg.LogFile, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	kv, err := coord.BuildStoreFromDSN(cfg.CoordDSN)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	defer kv.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := syncer.NewService(kv, buildRemote(cfg), syncer.Options{
		LockTTL:      cfg.LockTTL,
		JobRetention: cfg.JobRetention,
		JobTimeout:   cfg.JobTimeout,
		Logger:       &logger,
		Metrics:      syncer.NewMetrics(registry),
	})
	api := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          &logger,
	})
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           routes(api, metricsHandler, cfg.MetricsListen == ""),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go svc.RunSweeper(runCtx, cfg.SweepInterval)
	go logDrainErrors(runCtx, logger, svc.Errors())

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}
	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		logger.Info().Str("addr", listeners[i].Addr().String()).Msg("listening")
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, listeners[i])
	}
	logger.Info().
		Str("coord", coordScheme(cfg.CoordDSN)).
		Dur("lockTTL", cfg.LockTTL).
		Dur("jobTimeout", cfg.JobTimeout).
		Str("maxBody", humanize.IBytes(uint64(cfg.MaxBodyBytes))).
		Bool("auth", cfg.JWTSecret != "").
		Msg("tasksync started")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown incomplete")
		}
	}
	cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight drains canceled at shutdown")
	}
	return serveErr
}

func routes(api http.Handler, metrics http.Handler, withMetrics bool) http.Handler {
	mux := http.NewServeMux()
	if withMetrics {
		mux.Handle("/metrics", metrics)
	}
	mux.Handle("/", api)
	return mux
}

func buildRemote(cfg config) *remote.Router {
	return remote.NewRouter(
		remote.NewWebDAVClient(remote.WebDAVOptions{Timeout: cfg.RemoteTimeout, UserAgent: "tasksync"}),
		remote.NewS3Client(remote.S3Options{}),
	)
}

func logDrainErrors(ctx context.Context, logger zerolog.Logger, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logger.Error().Err(err).Msg("background drain failed")
		}
	}
}

// coordScheme keeps credentials in the DSN out of the logs.
func coordScheme(dsn string) string {
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return "unknown"
	}
	return scheme
}
