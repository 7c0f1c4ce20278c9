// Package rest serves the flow service over HTTP with chi
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/app/services"
	"github.com/mindflow/mindflow/internal/infrastructure/metrics"
	"github.com/mindflow/mindflow/pkg/validation"
)

// Router creates and configures the HTTP router
type Router struct {
	service     *services.FlowService
	logger      *zap.Logger
	metrics     *metrics.Collector
	corsOrigins []string
	decoding    validation.Config
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the request and error logger
func WithLogger(l *zap.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithMetrics records request metrics and serves them on /metrics
func WithMetrics(c *metrics.Collector) Option {
	return func(rt *Router) { rt.metrics = c }
}

// WithCORSOrigins allows browser clients from the given origins
func WithCORSOrigins(origins []string) Option {
	return func(rt *Router) { rt.corsOrigins = origins }
}

// WithDecoding bounds request bodies
func WithDecoding(cfg validation.Config) Option {
	return func(rt *Router) { rt.decoding = cfg }
}

// NewRouter creates a router over service
func NewRouter(service *services.FlowService, opts ...Option) *Router {
	rt := &Router{
		service:  service,
		logger:   zap.NewNop(),
		decoding: validation.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	maxBytes := rt.decoding.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = validation.DefaultConfig().MaxBodyBytes
	}
	h := &handler{
		service:  rt.service,
		logger:   rt.logger,
		decoder:  validation.NewDecoder(rt.decoding),
		maxBytes: maxBytes,
	}
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(requestLogger(rt.logger))
	router.Use(chimiddleware.Recoverer)
	if rt.metrics != nil {
		router.Use(instrument(rt.metrics))
	}
	if len(rt.corsOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Location", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	router.Get("/health", h.health)
	if rt.metrics != nil {
		router.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/node-types", h.nodeTypes)

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", h.listFlows)
			r.With(validation.RequireJSON).Post("/", h.createFlow)
			// documents may be YAML, so these skip RequireJSON
			r.Post("/import", h.importFlow)
			r.Post("/validate", h.validateDocument)

			r.Route("/{flowID}", func(r chi.Router) {
				r.Get("/", h.getFlow)
				r.With(validation.RequireJSON).Put("/", h.updateFlow)
				r.Delete("/", h.deleteFlow)
				r.Get("/export", h.exportFlow)

				r.Group(func(r chi.Router) {
					r.Use(validation.RequireJSON)
					r.Post("/nodes", h.addNode)
					r.Put("/nodes/{nodeID}", h.updateNode)
					r.Post("/connections", h.connect)
				})
				r.Delete("/nodes/{nodeID}", h.removeNode)
				r.Delete("/connections/{connectionID}", h.disconnect)
			})
		})
	})

	return router
}
