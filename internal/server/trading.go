package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/modules/exits"
	"github.com/sentinel-trading/backend/internal/modules/signals"
)

// registerTradingRoutes mounts the signal lifecycle, entry intent, exit
// intent, and open-trade read surfaces.
func (s *Server) registerTradingRoutes(r chi.Router) {
	r.Post("/signals", s.handleUpsertSignal)
	r.Get("/signals/{id}", s.handleGetSignal)
	r.Post("/signals/{id}/status", s.handleUpdateSignalStatus)

	r.Post("/intents", s.handleCreateIntent)
	r.Get("/intents/{id}", s.handleGetIntent)

	r.Post("/trades/{id}/exit-signals", s.handleDetectExit)
	r.Post("/exit-intents/{id}/place", s.handlePlaceExit)
	r.Post("/exit-intents/{id}/cancel", s.handleCancelExit)

	r.Get("/trades/open", s.handleListOpenTrades)
	r.Get("/trades/{id}", s.handleGetTrade)
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type upsertSignalRequest struct {
	Symbol         string            `json:"symbol"`
	ConfluenceType string            `json:"confluence_type"`
	SignalDay      string            `json:"signal_day"`
	Direction      string            `json:"direction"`
	SignalType     string            `json:"signal_type"`
	HTF            domain.ZoneBand   `json:"htf"`
	ITF            domain.ZoneBand   `json:"itf"`
	LTF            domain.ZoneBand   `json:"ltf"`
	PWin           string            `json:"p_win"`
	PFill          string            `json:"p_fill"`
	Kelly          string            `json:"kelly"`
	Floor          string            `json:"floor"`
	Ceiling        string            `json:"ceiling"`
	Confidence     string            `json:"confidence"`
	Tags           map[string]string `json:"tags"`
	GeneratedAt    int64             `json:"generated_at"`
	ExpiresAt      int64             `json:"expires_at"`
}

// handleUpsertSignal implements the idempotent signal ingest entrypoint:
// an upstream scanner posts a fresh confluence observation and gets back
// either a newly-created or re-armed ACTIVE signal.
func (s *Server) handleUpsertSignal(w http.ResponseWriter, r *http.Request) {
	var req upsertSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "UpsertSignal", apperr.ValidationFailed("server.UpsertSignal", err))
		return
	}
	sig, err := s.container.Signals.Upsert(r.Context(), signals.UpsertInput{
		Symbol: req.Symbol, ConfluenceType: req.ConfluenceType, SignalDay: req.SignalDay,
		Direction: req.Direction, SignalType: req.SignalType,
		HTF: req.HTF, ITF: req.ITF, LTF: req.LTF,
		PWin: parseDecimal(req.PWin), PFill: parseDecimal(req.PFill),
		Kelly: parseDecimal(req.Kelly), Floor: parseDecimal(req.Floor),
		Ceiling: parseDecimal(req.Ceiling), Confidence: parseDecimal(req.Confidence),
		Tags: req.Tags, GeneratedAt: req.GeneratedAt, ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, "UpsertSignal", err)
		return
	}

	if _, err := s.container.Deliveries.FanOut(r.Context(), sig); err != nil {
		s.log.Error().Err(err).Int64("signal_id", sig.ID).Msg("delivery fan-out failed after upsert")
	}
	writeOK(w, map[string]any{"id": sig.ID, "signal": sig})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "GetSignal", apperr.ValidationFailed("server.GetSignal", err))
		return
	}
	sig, err := s.container.Signals.FindCurrentByID(r.Context(), id)
	if err != nil {
		s.writeError(w, "GetSignal", err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type updateSignalStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateSignalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "UpdateSignalStatus", apperr.ValidationFailed("server.UpdateSignalStatus", err))
		return
	}
	var req updateSignalStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "UpdateSignalStatus", apperr.ValidationFailed("server.UpdateSignalStatus", err))
		return
	}
	if err := s.container.Signals.UpdateStatus(r.Context(), id, domain.SignalStatus(req.Status)); err != nil {
		s.writeError(w, "UpdateSignalStatus", err)
		return
	}
	writeOK(w, nil)
}

type createIntentRequest struct {
	SignalID     int64  `json:"signal_id"`
	UserBrokerID int64  `json:"user_broker_id"`
	Exchange     string `json:"exchange"`
}

// handleCreateIntent runs the full entry intent pipeline synchronously:
// validation, sizing, and (on success) broker placement, returning the
// intent in whatever terminal or pending state it reached.
func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "CreateIntent", apperr.ValidationFailed("server.CreateIntent", err))
		return
	}
	intent, err := s.container.Intents.Create(r.Context(), req.SignalID, req.UserBrokerID, req.Exchange)
	if err != nil {
		s.writeError(w, "CreateIntent", err)
		return
	}
	writeOK(w, map[string]any{"id": intent.ID, "intent": intent})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "GetIntent", apperr.ValidationFailed("server.GetIntent", err))
		return
	}
	intent, err := s.container.Intents.FindCurrentByID(r.Context(), id)
	if err != nil {
		s.writeError(w, "GetIntent", err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type detectExitRequest struct {
	Reason            string `json:"reason"`
	PriceAtDetection  string `json:"price_at_detection"`
	BrickMovement     string `json:"brick_movement"`
	FavorableMovement string `json:"favorable_movement"`
	HighestSinceEntry string `json:"highest_since_entry"`
	LowestSinceEntry  string `json:"lowest_since_entry"`
}

// handleDetectExit runs exit pipeline steps 1-3 for the given trade:
// episode generation, DETECTED exit signal, and PENDING->APPROVED exit
// intent.
func (s *Server) handleDetectExit(w http.ResponseWriter, r *http.Request) {
	tradeID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "DetectExit", apperr.ValidationFailed("server.DetectExit", err))
		return
	}
	var req detectExitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "DetectExit", apperr.ValidationFailed("server.DetectExit", err))
		return
	}
	det := exits.DetectInput{
		PriceAtDetection:  parseDecimal(req.PriceAtDetection),
		BrickMovement:     parseDecimal(req.BrickMovement),
		FavorableMovement: parseDecimal(req.FavorableMovement),
		HighestSinceEntry: parseDecimal(req.HighestSinceEntry),
		LowestSinceEntry:  parseDecimal(req.LowestSinceEntry),
	}
	intent, err := s.container.Exits.Detect(r.Context(), tradeID, domain.ExitReason(req.Reason), det)
	if err != nil {
		s.writeError(w, "DetectExit", err)
		return
	}
	writeOK(w, map[string]any{"exit_intent": intent})
}

type placeExitRequest struct {
	Exchange string `json:"exchange"`
}

func (s *Server) handlePlaceExit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "PlaceExit", apperr.ValidationFailed("server.PlaceExit", err))
		return
	}
	var req placeExitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "PlaceExit", apperr.ValidationFailed("server.PlaceExit", err))
		return
	}
	intent, err := s.container.Exits.Place(r.Context(), id, req.Exchange)
	if err != nil {
		s.writeError(w, "PlaceExit", err)
		return
	}
	writeOK(w, map[string]any{"exit_intent": intent})
}

func (s *Server) handleCancelExit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "CancelExit", apperr.ValidationFailed("server.CancelExit", err))
		return
	}
	intent, err := s.container.Exits.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, "CancelExit", err)
		return
	}
	writeOK(w, map[string]any{"exit_intent": intent})
}

func (s *Server) handleListOpenTrades(w http.ResponseWriter, r *http.Request) {
	userBrokerID, err := strconv.ParseInt(r.URL.Query().Get("user_broker_id"), 10, 64)
	if err != nil {
		s.writeError(w, "ListOpenTrades", apperr.ValidationFailed("server.ListOpenTrades", err))
		return
	}
	open, err := s.container.Trades.FindOpenByUserBroker(r.Context(), userBrokerID)
	if err != nil {
		s.writeError(w, "ListOpenTrades", err)
		return
	}
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "GetTrade", apperr.ValidationFailed("server.GetTrade", err))
		return
	}
	trade, err := s.container.Trades.FindCurrentByID(r.Context(), id)
	if err != nil {
		s.writeError(w, "GetTrade", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}
