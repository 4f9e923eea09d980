package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// restTimeout bounds handler execution for the plain REST endpoints.
// The websocket stream is mounted outside the timeout group since it
// holds the connection open indefinitely.
const restTimeout = 30 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(restTimeout))

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/{deviceID}/circuits", s.handleDeviceCircuits)
			})

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.handleListEntities)

				r.Route("/{entityKey}", func(r chi.Router) {
					r.Get("/state", s.handleEntityState)
					r.Put("/name", s.handleRenameEntity)
					r.Post("/command", s.handleEntityCommand)
				})
			})
		})

		// Live notification feed
		r.Get("/stream", s.handleStream)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": len(s.fleet.Devices()),
	})
}
