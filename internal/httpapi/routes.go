package httpapi

import (
	"github.com/go-chi/chi/v5"
)

func registerRoutes(r chi.Router, s *Server) {
	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Post("/election", s.Election)
	r.Post("/log", s.Propose)
}
