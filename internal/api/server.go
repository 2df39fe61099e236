package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/geonotify/internal/api/handler"
	"github.com/albapepper/geonotify/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(h *handler.Handler, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware(logger))
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Request-Id", "Retry-After"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/kv", h.HealthCheckKV)
	})

	// Swagger UI
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Events
		r.Post("/events", h.EnqueueEvent)
		r.Post("/events/batch", h.EnqueueBatch)
		r.Post("/events/process", h.ProcessEvent)
		r.Post("/users/{userID}/events/sync", h.SyncOfflineEvents)

		// Notifications
		r.Post("/notifications", h.ScheduleNotification)
		r.Delete("/notifications/{id}", h.CancelNotification)
		r.Post("/notifications/{id}/actions", h.HandleAction)

		// Operations
		r.Route("/admin", func(r chi.Router) {
			r.Get("/queue", h.QueueStats)
			r.Get("/scheduler", h.SchedulerStats)
			r.Get("/maintenance", h.MaintenanceStatus)
			r.Post("/maintenance/run", h.RunMaintenance)
		})
	})

	return r
}
