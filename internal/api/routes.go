package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the HTTP routes with the standard middleware stack.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/newsletters/{id}", func(r chi.Router) {
			r.Post("/send", h.HandleSendNewsletter)
			r.Get("/stats", h.HandleNewsletterStats)
		})
		r.Route("/sending", func(r chi.Router) {
			r.Post("/pause", h.HandlePause(true))
			r.Post("/resume", h.HandlePause(false))
		})
		r.Get("/providers/usage", h.HandleProviderUsage)
	})

	return r
}
