package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/export"
	"github.com/sashelper/SDVBridge/internal/preview"
	"github.com/sashelper/SDVBridge/internal/registry"
	"github.com/sashelper/SDVBridge/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the components the HTTP layer serves.
type Deps struct {
	Engine   *engine.Engine
	Jobs     *registry.Registry
	History  store.Store
	Backends *backend.Registry
	Metadata backend.Metadata
	Preview  *preview.Service
	Export   *export.Service
	WorkDir  string
	Version  string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	engine   *engine.Engine
	jobs     *registry.Registry
	history  store.Store
	backends *backend.Registry
	metadata backend.Metadata
	preview  *preview.Service
	export   *export.Service
	workDir  string
	version  string
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		engine:   d.Engine,
		jobs:     d.Jobs,
		history:  d.History,
		backends: d.Backends,
		metadata: d.Metadata,
		preview:  d.Preview,
		export:   d.Export,
		workDir:  d.WorkDir,
		version:  d.Version,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(preflight)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		srv.writeError(w, http.StatusNotFound, "endpoint not found")
	})
	srv.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		srv.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s is not allowed", r.Method))
	})

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/backends", s.handleListBackends)
	s.router.Get("/stats", s.handleGetStats)

	s.router.Route("/servers", func(r chi.Router) {
		r.Get("/", s.handleListServers)
		r.Get("/{server}/libraries", s.handleListLibraries)
		r.Get("/{server}/libraries/{libref}/datasets", s.handleListDatasets)
		r.Get("/{server}/libraries/{libref}/datasets/{member}/columns", s.handleListColumns)
		r.Get("/{server}/libraries/{libref}/datasets/{member}/preview", s.handlePreview)
	})
	s.router.Post("/datasets/open", s.handleOpenDataset)

	s.router.Post("/programs/submit", s.handleSubmit)
	s.router.Post("/programs/submit/async", s.handleSubmitAsync)

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/log", s.handleGetLog)
		r.Get("/{id}/log/stream", s.handleStreamLog)
		r.Get("/{id}/output", s.handleGetOutput)
		r.Get("/{id}/artifacts", s.handleListArtifacts)
		r.Get("/{id}/artifacts/{artifactID}", s.handleDownloadArtifact)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// In-flight jobs are failed and finalized before Run returns.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Jobs first, so synchronous submits and log streams can finish.
	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Warn("jobs still running at shutdown", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// preflight puts a wildcard Allow-Origin on every response, with or without
// an Origin header, and answers every OPTIONS request with 204 and the
// allowed methods and headers.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Max-Age", "300")
		w.WriteHeader(http.StatusNoContent)
	})
}
