// Package api exposes the pipeline over HTTP: a blocking ask endpoint, a
// streaming variant that forwards progress events as SSE, and the usual
// health and metrics surfaces.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tannatlabs/lens/pkg/api/metrics"
	"github.com/tannatlabs/lens/pkg/pipeline"
)

type Config struct {
	Logger       *slog.Logger
	Orchestrator *pipeline.Orchestrator
	Listener     net.Listener

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}
	if cfg.Listener == nil {
		return fmt.Errorf("listener is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

type Server struct {
	log      *slog.Logger
	cfg      Config
	httpSrv  *http.Server
	listener net.Listener
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate api config: %w", err)
	}

	s := &Server{log: cfg.Logger, cfg: cfg, listener: cfg.Listener}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/ask", s.askHandler)
	r.Post("/v1/ask/stream", s.askStreamHandler)

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute, // streamed answers outlive typical write timeouts
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()
	s.log.Info("api: http listening", "address", s.listener.Addr())

	select {
	case <-ctx.Done():
		s.log.Info("api: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		s.log.Info("api: shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}
