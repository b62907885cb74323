package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Route("/models/{model}", func(r chi.Router) {
				r.Use(ModelMiddleware(h.backend.Registry()))
				r.Post("/records", h.CreateRecord)
				r.Put("/records/{id}", h.UpdateRecord)
				r.Delete("/records/{id}", h.DeleteRecord)
				r.Get("/sync", h.Sync)
				r.Get("/subscriptions/{op}", h.Subscribe)
			})
		})
	})

	return r
}
