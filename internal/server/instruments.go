package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// defaultSearchLimit bounds an unqualified instrument search.
const defaultSearchLimit = 20

// registerInstrumentRoutes mounts the instrument catalog search surface.
func (s *Server) registerInstrumentRoutes(r chi.Router) {
	r.Get("/instruments/search", s.handleSearchInstruments)
}

func (s *Server) handleSearchInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	results, err := s.container.Instruments.Search(r.Context(), q, limit)
	if err != nil {
		s.writeError(w, "SearchInstruments", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
