// Package health serves the debug/operability HTTP surface: liveness and
// readiness probes, Prometheus metrics, and (outside of prod) pprof
// profiling and expvar endpoints. It replaces the remote REPL a Clojure
// process would expose on STAGE != "prod" with the idiomatic Go equivalent.
package health

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether the process is ready to serve, e.g. whether its
// status-db connection pool is up. A nil ReadyFunc means always-ready.
type ReadyFunc func() error

// Config configures the debug/health server.
type Config struct {
	Addr        string
	EnablePprof bool
	Ready       ReadyFunc
	Logger      *slog.Logger
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errAddrRequired
	}
	if c.Logger == nil {
		return errLoggerRequired
	}
	return nil
}

// Server serves /healthz, /readyz, and /metrics, plus pprof and
// /debug/vars routes when EnablePprof is set.
type Server struct {
	cfg Config
	srv *http.Server
}

// New builds a Server from cfg. Call Start to begin serving and Shutdown to
// stop.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	if cfg.EnablePprof {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/vars", expvar.Handler())
	}

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the server's http.Handler, for tests that want to drive
// it directly without binding a real listener.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.cfg.Logger.Info("health: listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var (
	errAddrRequired   = configError("health: addr is required")
	errLoggerRequired = configError("health: logger is required")
)

type configError string

func (e configError) Error() string { return string(e) }
