package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"treechat/application/engine"
	"treechat/application/ports"
	"treechat/interfaces/http/rest/handlers"
	"treechat/interfaces/http/rest/middleware"
	v1 "treechat/interfaces/http/rest/v1"
	pkgerrors "treechat/pkg/errors"
	"treechat/pkg/observability"
)

// readyProbeKey is read from the local cache by /ready.
const readyProbeKey = "probe:ready"

// Options tunes the router.
type Options struct {
	EnableCORS  bool
	CORSOrigins []string
	Debug       bool
}

// Router creates and configures the HTTP router
type Router struct {
	engine  *engine.TreeEngine
	cache   ports.LocalCache
	metrics *observability.Metrics
	opts    Options
	logger  *zap.Logger
}

// NewRouter creates a new router instance. cache and metrics may be nil.
func NewRouter(e *engine.TreeEngine, cache ports.LocalCache, metrics *observability.Metrics, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{engine: e, cache: cache, metrics: metrics, opts: opts, logger: logger}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() *chi.Mux {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(middleware.RequestIDHeader)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.opts.EnableCORS {
		origins := rt.opts.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	errs := pkgerrors.NewErrorHandler(rt.logger, rt.opts.Debug)
	router.Mount("/api/v1", v1.Routes(
		handlers.NewSessionHandler(rt.engine, errs, rt.logger),
		handlers.NewContextHandler(rt.engine, errs, rt.logger),
	))
	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck reports ready once the local cache answers. The remote
// server is not probed; the engine works without it.
func (rt *Router) readinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if rt.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, _, err := rt.cache.Get(ctx, readyProbeKey); err != nil {
			rt.logger.Warn("Readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"local cache unavailable"}`))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
