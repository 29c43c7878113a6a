package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
)

// registerWatchlistRoutes mounts the four-level watchlist hierarchy
// surface: L1 templates, L2 selections, the derived L3 default view,
// the sync trigger, and L4 per-user-broker entries.
func (s *Server) registerWatchlistRoutes(r chi.Router) {
	r.Get("/watchlist-templates", s.handleListTemplates)
	r.Post("/watchlist-templates", s.handleCreateTemplate)
	r.Get("/watchlist-templates/{id}/symbols", s.handleGetTemplateSymbols)
	r.Post("/watchlist-templates/{id}/symbols", s.handleSetTemplateSymbols)
	r.Delete("/watchlist-templates/{id}", s.handleDeleteTemplate)

	r.Get("/watchlist-selected", s.handleListSelections)
	r.Post("/watchlist-selected", s.handleCreateSelection)
	r.Get("/watchlist-selected/{id}/symbols", s.handleGetSelectionSymbols)
	r.Delete("/watchlist-selected/{id}", s.handleDeleteSelection)

	r.Get("/watchlist-default", s.handleWatchlistDefault)
	r.Post("/watchlist-sync", s.handleWatchlistSync)

	r.Get("/watchlist", s.handleListEntries)
	r.Post("/watchlist", s.handleAddEntry)
	r.Delete("/watchlist", s.handleRemoveEntry)
	r.Post("/watchlist/{id}/toggle", s.handleToggleEntry)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.container.Watchlist.ListTemplates(r.Context())
	if err != nil {
		s.writeError(w, "ListTemplates", err)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

type createTemplateRequest struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "CreateTemplate", apperr.ValidationFailed("server.CreateTemplate", err))
		return
	}
	tpl, err := s.container.Watchlist.CreateTemplate(r.Context(), req.Name, req.Symbols)
	if err != nil {
		s.writeError(w, "CreateTemplate", err)
		return
	}
	writeOK(w, map[string]any{"id": tpl.ID, "template": tpl})
}

func (s *Server) handleGetTemplateSymbols(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "GetTemplateSymbols", apperr.ValidationFailed("server.GetTemplateSymbols", err))
		return
	}
	tpls, err := s.container.Watchlist.ListTemplates(r.Context())
	if err != nil {
		s.writeError(w, "GetTemplateSymbols", err)
		return
	}
	for _, tpl := range tpls {
		if tpl.ID == id {
			writeJSON(w, http.StatusOK, tpl.Symbols)
			return
		}
	}
	s.writeError(w, "GetTemplateSymbols", apperr.NotFound("server.GetTemplateSymbols", "watchlist_template"))
}

type setSymbolsRequest struct {
	Symbols []string `json:"symbols"`
}

func (s *Server) handleSetTemplateSymbols(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "SetTemplateSymbols", apperr.ValidationFailed("server.SetTemplateSymbols", err))
		return
	}
	var req setSymbolsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "SetTemplateSymbols", apperr.ValidationFailed("server.SetTemplateSymbols", err))
		return
	}
	tpl, err := s.container.Watchlist.ReplaceTemplateSymbols(r.Context(), id, req.Symbols)
	if err != nil {
		s.writeError(w, "SetTemplateSymbols", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "DeleteTemplate", apperr.ValidationFailed("server.DeleteTemplate", err))
		return
	}
	if err := s.container.Watchlist.DeleteTemplate(r.Context(), id); err != nil {
		s.writeError(w, "DeleteTemplate", err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleListSelections(w http.ResponseWriter, r *http.Request) {
	sels, err := s.container.Watchlist.ListSelections(r.Context())
	if err != nil {
		s.writeError(w, "ListSelections", err)
		return
	}
	writeJSON(w, http.StatusOK, sels)
}

type createSelectionRequest struct {
	Name       string   `json:"name"`
	TemplateID int64    `json:"template_id"`
	Symbols    []string `json:"symbols"`
}

func (s *Server) handleCreateSelection(w http.ResponseWriter, r *http.Request) {
	var req createSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "CreateSelection", apperr.ValidationFailed("server.CreateSelection", err))
		return
	}
	sel, err := s.container.Watchlist.CreateSelection(r.Context(), req.Name, req.TemplateID, req.Symbols)
	if err != nil {
		s.writeError(w, "CreateSelection", err)
		return
	}
	writeOK(w, map[string]any{"id": sel.ID, "selection": sel})
}

func (s *Server) handleGetSelectionSymbols(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "GetSelectionSymbols", apperr.ValidationFailed("server.GetSelectionSymbols", err))
		return
	}
	sel, err := s.container.Watchlist.FindSelection(r.Context(), id)
	if err != nil {
		s.writeError(w, "GetSelectionSymbols", err)
		return
	}
	writeJSON(w, http.StatusOK, sel.Symbols)
}

func (s *Server) handleDeleteSelection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "DeleteSelection", apperr.ValidationFailed("server.DeleteSelection", err))
		return
	}
	if err := s.container.Watchlist.DeleteSelection(r.Context(), id); err != nil {
		s.writeError(w, "DeleteSelection", err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleWatchlistDefault(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.container.Watchlist.Default(r.Context())
	if err != nil {
		s.writeError(w, "WatchlistDefault", err)
		return
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleWatchlistSync(w http.ResponseWriter, r *http.Request) {
	n, err := s.container.Watchlist.Sync(r.Context())
	if err != nil {
		s.writeError(w, "WatchlistSync", err)
		return
	}
	writeOK(w, map[string]any{"upserted": n})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userBrokerID, err := strconv.ParseInt(r.URL.Query().Get("user_broker_id"), 10, 64)
	if err != nil {
		s.writeError(w, "ListEntries", apperr.ValidationFailed("server.ListEntries", err))
		return
	}
	entries, err := s.container.Watchlist.ListEntries(r.Context(), userBrokerID)
	if err != nil {
		s.writeError(w, "ListEntries", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type addEntryRequest struct {
	UserBrokerID int64  `json:"user_broker_id"`
	Symbol       string `json:"symbol"`
	LotSize      string `json:"lot_size"`
	TickSize     string `json:"tick_size"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var req addEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "AddEntry", apperr.ValidationFailed("server.AddEntry", err))
		return
	}
	lotSize, err := decimal.NewFromString(req.LotSize)
	if err != nil {
		s.writeError(w, "AddEntry", apperr.ValidationFailed("server.AddEntry", err))
		return
	}
	tickSize, err := decimal.NewFromString(req.TickSize)
	if err != nil {
		s.writeError(w, "AddEntry", apperr.ValidationFailed("server.AddEntry", err))
		return
	}
	entry, err := s.container.Watchlist.AddCustomSymbol(r.Context(), req.UserBrokerID, req.Symbol, lotSize, tickSize)
	if err != nil {
		s.writeError(w, "AddEntry", err)
		return
	}
	writeOK(w, map[string]any{"id": entry.ID, "entry": entry})
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	userBrokerID, err := strconv.ParseInt(r.URL.Query().Get("user_broker_id"), 10, 64)
	if err != nil {
		s.writeError(w, "RemoveEntry", apperr.ValidationFailed("server.RemoveEntry", err))
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if err := s.container.Watchlist.RemoveCustomSymbol(r.Context(), userBrokerID, symbol); err != nil {
		s.writeError(w, "RemoveEntry", err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleToggleEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "ToggleEntry", apperr.ValidationFailed("server.ToggleEntry", err))
		return
	}
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "ToggleEntry", apperr.ValidationFailed("server.ToggleEntry", err))
		return
	}
	if err := s.container.Watchlist.ToggleEntry(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, "ToggleEntry", err)
		return
	}
	writeOK(w, nil)
}
