// Package api exposes the control-plane HTTP surface: configuration
// authoring, document upload, run submission, and the admin endpoints. All
// handlers speak JSON and report failures as RFC 9457 problem documents.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ade-io/ade/blob"
	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/metrics"
	"github.com/ade-io/ade/pathsafe"
	"github.com/ade-io/ade/store"
)

// Options configures a Server. Store, Layout, Packages, Blobs, and Logger
// are required.
type Options struct {
	Config   config.Settings
	Store    *store.Store
	Layout   pathsafe.Layout
	Packages *configstore.Store
	Blobs    blob.Store
	Logger   *log.Logger
	Metrics  *metrics.API
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP control plane.
type Server struct {
	cfg      config.Settings
	store    *store.Store
	layout   pathsafe.Layout
	packages *configstore.Store
	blobs    blob.Store
	logger   *log.Logger
	metrics  *metrics.API
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

// New creates a Server from opts.
func New(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewAPI(prometheus.NewRegistry())
	}
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		layout:   opts.Layout,
		packages: opts.Packages,
		blobs:    opts.Blobs,
		logger:   opts.Logger,
		metrics:  m,
		gatherer: g,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match", "If-None-Match", "X-CSRF-Token"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/logout", s.handleLogout)

			r.With(s.requireGlobal(permWorkspacesAdmin)).Route("/admin", func(r chi.Router) {
				r.Post("/users", s.handleCreateUser)
				r.Post("/api-keys", s.handleCreateAPIKey)
				r.Delete("/api-keys/{id}", s.handleRevokeAPIKey)
				r.Post("/role-bindings", s.handleBindRole)
			})

			r.Route("/workspaces", func(r chi.Router) {
				r.With(s.requireGlobal(permWorkspacesAdmin)).Group(func(r chi.Router) {
					r.Post("/", s.handleCreateWorkspace)
					r.Get("/", s.handleListWorkspaces)
					r.Delete("/{ws}", s.handleDeleteWorkspace)
				})

				r.Route("/{ws}", func(r chi.Router) {
					r.With(s.require(permRunsRead)).Get("/", s.handleGetWorkspace)

					r.Route("/configurations", func(r chi.Router) {
						r.With(s.require(permConfigurationsManage)).Group(func(r chi.Router) {
							r.Post("/", s.handleCreateConfiguration)
							r.Post("/import", s.handleImportConfiguration)
							r.Patch("/{id}", s.handleUpdateConfiguration)
							r.Delete("/{id}", s.handleDeleteConfiguration)
							r.Post("/{id}/import", s.handleReplaceConfiguration)
							r.Post("/{id}/validate", s.handleValidateConfiguration)
							r.Post("/{id}/publish", s.handlePublishConfiguration)
							r.Post("/{id}/archive", s.handleArchiveConfiguration)
							r.Put("/{id}/files/*", s.handlePutFile)
							r.Delete("/{id}/files/*", s.handleDeleteFile)
							r.Post("/{id}/files:rename", s.handleRenameFile)
							r.Post("/{id}/directories", s.handleMkdir)
							r.Delete("/{id}/directories/*", s.handleRmdir)
						})
						r.With(s.require(permRunsRead)).Group(func(r chi.Router) {
							r.Get("/", s.handleListConfigurations)
							r.Get("/{id}", s.handleGetConfiguration)
							r.Get("/{id}/export", s.handleExportConfiguration)
							r.Get("/{id}/files", s.handleListFiles)
							r.Get("/{id}/files/*", s.handleGetFile)
						})
					})

					r.Route("/documents", func(r chi.Router) {
						r.With(s.require(permDocumentsWrite)).Post("/", s.handleUploadDocument)
						r.With(s.require(permDocumentsWrite)).Delete("/{id}", s.handleDeleteDocument)
						r.With(s.require(permDocumentsRead)).Get("/", s.handleListDocuments)
						r.With(s.require(permDocumentsRead)).Get("/{id}", s.handleGetDocument)
						r.With(s.require(permDocumentsRead)).Get("/{id}/content", s.handleDownloadDocument)
					})

					r.Route("/runs", func(r chi.Router) {
						r.With(s.require(permRunsSubmit)).Post("/", s.handleSubmitRun)
						r.With(s.require(permRunsSubmit)).Post("/{id}/cancel", s.handleCancelRun)
						r.With(s.require(permRunsRead)).Get("/", s.handleListRuns)
						r.With(s.require(permRunsRead)).Get("/{id}", s.handleGetRun)
						r.With(s.require(permRunsRead)).Get("/{id}/events", s.handleRunEvents)
					})

					r.With(s.require(permRunsRead)).Get("/environments", s.handleListEnvironments)
				})
			})
		})
	})
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("api listening", map[string]any{"addr": s.cfg.ListenAddr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Pool().Ping(r.Context()); err != nil {
		s.problem(w, r, Problem{Type: problemType("unavailable"), Status: http.StatusServiceUnavailable, Detail: "database unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe records request logs and metrics per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).Inc()
		s.metrics.Duration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Info("request", map[string]any{
			"method":      r.Method,
			"route":       route,
			"status":      ww.Status(),
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// recoverer converts handler panics into opaque 500 problems.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", map[string]any{
					"path":  r.URL.Path,
					"panic": fmt.Sprint(rec),
				})
				s.problem(w, r, Problem{Type: problemType("internal"), Status: http.StatusInternalServerError, Detail: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
