package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"delivery-guard/internal/security"
	"delivery-guard/internal/util"
)

// HealthChecker reports whether the backing stores are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type RouterOptions struct {
	RequireHTTPS   bool
	AllowedOrigins []string
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(delivery *DeliveryHandler, admin *AdminHandler, verifier *security.AdminVerifier, health HealthChecker, logger *zap.Logger, opts RouterOptions) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := health.HealthCheck(r.Context()); err != nil {
			util.Warn("Health check failed", util.ErrorField(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","service":"delivery-guard"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"delivery-guard"}`))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		delivery.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(AdminAuth(verifier, logger))
			admin.RegisterRoutes(r)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithStatus(logger, w, http.StatusNotFound, "endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithStatus(logger, w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return router
}
