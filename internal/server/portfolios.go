package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/modules/portfolios"
)

// registerPortfolioRoutes mounts the capital-pool surface: a flat
// list-and-create over the entry intent pipeline's sizing source.
func (s *Server) registerPortfolioRoutes(r chi.Router) {
	r.Get("/portfolios", s.handleListPortfolios)
	r.Post("/portfolios", s.handleCreatePortfolio)
}

func (s *Server) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	list, err := s.container.Portfolios.ListAll(r.Context())
	if err != nil {
		s.writeError(w, "ListPortfolios", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var in portfolios.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, "CreatePortfolio", apperr.ValidationFailed("server.CreatePortfolio", err))
		return
	}
	p, err := s.container.Portfolios.Create(r.Context(), in, time.Now())
	if err != nil {
		s.writeError(w, "CreatePortfolio", err)
		return
	}
	writeOK(w, map[string]any{"id": p.ID, "portfolio": p})
}
