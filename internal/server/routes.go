package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Tyrowin/cipherchat/internal/session"
)

// SetupRoutes returns the router with the socket endpoints and the health check.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/message-service", s.webSocketHandler(session.KindChat))
	r.Get("/online-service", s.webSocketHandler(session.KindPresence))
	r.Get("/ws", s.webSocketHandler(session.KindChat))

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins.corsOrigins(),
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
		r.Get("/health", s.healthHandler)
		r.Get("/", s.healthHandler)
	})
	return r
}
