package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

// registerConfigRoutes mounts the config store surface: the singleton
// global strategy config and its per-symbol overrides.
func (s *Server) registerConfigRoutes(r chi.Router) {
	r.Get("/mtf-config", s.handleGetGlobalConfig)
	r.Put("/mtf-config", s.handlePutGlobalConfig)
	r.Get("/mtf-config/symbols", s.handleListOverrides)
	r.Put("/mtf-config/symbols/{symbol}", s.handlePutOverride)
	r.Delete("/mtf-config/symbols/{symbol}", s.handleDeleteOverride)
}

func (s *Server) handleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.container.MtfConfig.GetGlobal(r.Context())
	if err != nil {
		s.writeError(w, "GetGlobalConfig", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.MtfGlobalConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, "PutGlobalConfig", apperr.ValidationFailed("server.PutGlobalConfig", err))
		return
	}
	saved, err := s.container.MtfConfig.PutGlobal(r.Context(), cfg)
	if err != nil {
		s.writeError(w, "PutGlobalConfig", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.container.MtfConfig.ListOverrides(r.Context())
	if err != nil {
		s.writeError(w, "ListOverrides", err)
		return
	}
	writeJSON(w, http.StatusOK, overrides)
}

func (s *Server) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var override domain.MtfSymbolConfig
	if err := decodeJSON(r, &override); err != nil {
		s.writeError(w, "PutOverride", apperr.ValidationFailed("server.PutOverride", err))
		return
	}
	override.Symbol = symbol
	saved, err := s.container.MtfConfig.PutOverride(r.Context(), override)
	if err != nil {
		s.writeError(w, "PutOverride", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	userBrokerID, err := strconv.ParseInt(r.URL.Query().Get("user_broker_id"), 10, 64)
	if err != nil {
		s.writeError(w, "DeleteOverride", apperr.ValidationFailed("server.DeleteOverride", err))
		return
	}
	if err := s.container.MtfConfig.DeleteOverride(r.Context(), symbol, userBrokerID); err != nil {
		s.writeError(w, "DeleteOverride", err)
		return
	}
	writeOK(w, nil)
}
