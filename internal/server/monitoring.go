package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// registerMonitoringRoutes mounts the read-only count-and-process-health
// snapshot as an admin-facing endpoint.
func (s *Server) registerMonitoringRoutes(r chi.Router) {
	r.Get("/monitoring", s.handleMonitoringSnapshot)
}

func (s *Server) handleMonitoringSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.container.Monitor.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, snap)
}
