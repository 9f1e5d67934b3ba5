package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all optimizer routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimizer", func(r chi.Router) {
		r.Post("/optimize", h.HandleOptimize)
		r.Get("/stream", h.HandleStream)
		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{id}", h.HandleGetRun)
	})
}

// RegisterLegacyRoutes registers the original top-level upload endpoint.
func (h *Handler) RegisterLegacyRoutes(r chi.Router) {
	r.Post("/optimize-portfolio", h.HandleOptimize)
}
