package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/", s.handleIndex)

	// Collection and provisioning. Bodies on GET are what the field clients send.
	r.Get("/telemetry", s.handleTelemetry)
	r.Get("/powerloss", s.handlePowerLoss)
	r.Get("/time", s.handleTime)
	r.Post("/time", s.handleTime)
	r.Get("/token", s.handleToken)
	r.Post("/token", s.handleToken)

	// Live readings
	r.Get("/latest", s.handleLatest)
	r.Get("/ws", s.handleWebSocket)

	return r
}
