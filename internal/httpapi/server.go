// Package httpapi is the worker's HTTP surface: a small JSON API over the
// engine, bound to loopback by default.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/engine"
)

// Server wraps the engine in an http.Server.
type Server struct {
	engine *engine.Engine
	cfg    *config.Config
	logger *slog.Logger
	http   *http.Server
}

// New builds the server with its routes.
func New(eng *engine.Engine, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, cfg: cfg, logger: logger}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Worker.Host, cfg.Worker.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Post("/index", s.handleIndex)
	r.Post("/retrieve", s.handleRetrieve)
	r.Get("/status", s.handleStatus)
	r.Route("/docset/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetDocset)
		r.Delete("/", s.handleDeleteDocset)
		r.Get("/pages", s.handleDocsetPages)
	})
	r.Post("/refresh", s.handleRefresh)
	r.Post("/refresh-all", s.handleRefreshAll)

	return r
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// not treated as a failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http_listen", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger emits one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

// cors allows any origin; the worker binds to loopback by default, and
// browser-based clients (docs playgrounds) need preflight to pass.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
