package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/modules/brokerconn"
)

// registerBrokerRoutes mounts the broker connectivity substrate surface:
// the broker catalog, user-broker link CRUD, the single data-broker
// slot, and the OAuth lifecycle.
func (s *Server) registerBrokerRoutes(r chi.Router) {
	r.Get("/brokers", s.handleListBrokers)

	r.Get("/user-brokers", s.handleListUserBrokers)
	r.Post("/user-brokers", s.handleCreateUserBroker)
	r.Delete("/user-brokers/{id}", s.handleDeleteUserBroker)
	r.Post("/user-brokers/{id}/toggle", s.handleToggleUserBroker)

	r.Get("/data-broker", s.handleGetDataBroker)
	r.Post("/data-broker", s.handleSetDataBroker)

	r.Get("/brokers/{ubId}/oauth-url", s.handleOAuthURL)
	r.Get("/brokers/{ubId}/session", s.handleGetSession)
	r.Post("/brokers/{ubId}/disconnect", s.handleDisconnect)
	r.Post("/brokers/{ubId}/test-connection", s.handleTestConnection)

	r.Post("/fyers/oauth/exchange", s.handleOAuthExchange)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := s.container.BrokerConn.ListBrokers(r.Context())
	if err != nil {
		s.writeError(w, "ListBrokers", err)
		return
	}
	writeJSON(w, http.StatusOK, brokers)
}

func (s *Server) handleListUserBrokers(w http.ResponseWriter, r *http.Request) {
	ubs, err := s.container.BrokerConn.ListUserBrokers(r.Context())
	if err != nil {
		s.writeError(w, "ListUserBrokers", err)
		return
	}
	writeJSON(w, http.StatusOK, ubs)
}

type createUserBrokerRequest struct {
	UserID   int64             `json:"user_id"`
	BrokerID int64             `json:"broker_id"`
	Role     string            `json:"role"`
	Risk     domain.RiskPolicy `json:"risk"`
}

func (s *Server) handleCreateUserBroker(w http.ResponseWriter, r *http.Request) {
	var req createUserBrokerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "CreateUserBroker", apperr.ValidationFailed("server.CreateUserBroker", err))
		return
	}
	ub, err := s.container.BrokerConn.CreateUserBroker(r.Context(), brokerconn.CreateInput{
		UserID:   req.UserID,
		BrokerID: req.BrokerID,
		Role:     domain.UserBrokerRole(req.Role),
		Risk:     req.Risk,
	})
	if err != nil {
		s.writeError(w, "CreateUserBroker", err)
		return
	}
	writeOK(w, map[string]any{"id": ub.ID, "user_broker": ub})
}

func (s *Server) handleDeleteUserBroker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "DeleteUserBroker", apperr.ValidationFailed("server.DeleteUserBroker", err))
		return
	}
	if err := s.container.BrokerConn.DeleteUserBroker(r.Context(), id); err != nil {
		s.writeError(w, "DeleteUserBroker", err)
		return
	}
	writeOK(w, nil)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleUserBroker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "ToggleUserBroker", apperr.ValidationFailed("server.ToggleUserBroker", err))
		return
	}
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "ToggleUserBroker", apperr.ValidationFailed("server.ToggleUserBroker", err))
		return
	}
	ub, err := s.container.BrokerConn.ToggleUserBroker(r.Context(), id, req.Enabled)
	if err != nil {
		s.writeError(w, "ToggleUserBroker", err)
		return
	}
	writeOK(w, map[string]any{"user_broker": ub})
}

func (s *Server) handleGetDataBroker(w http.ResponseWriter, r *http.Request) {
	ub, err := s.container.BrokerConn.DataBroker(r.Context())
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		s.writeError(w, "DataBroker", err)
		return
	}
	writeJSON(w, http.StatusOK, ub)
}

type setDataBrokerRequest struct {
	UserBrokerID int64 `json:"user_broker_id"`
}

// handleSetDataBroker disables the current DATA link (when it is not the
// requested one) and enables the requested user-broker. It changes no
// link's role: the requested link is the data broker afterwards only if
// its role is already DATA, and DataBroker keeps returning the newest
// live role=DATA link whatever its enabled flag.
func (s *Server) handleSetDataBroker(w http.ResponseWriter, r *http.Request) {
	var req setDataBrokerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "SetDataBroker", apperr.ValidationFailed("server.SetDataBroker", err))
		return
	}
	if prior, err := s.container.BrokerConn.DataBroker(r.Context()); err == nil && prior.ID != req.UserBrokerID {
		if _, err := s.container.BrokerConn.ToggleUserBroker(r.Context(), prior.ID, false); err != nil {
			s.writeError(w, "SetDataBroker", err)
			return
		}
	}
	ub, err := s.container.BrokerConn.ToggleUserBroker(r.Context(), req.UserBrokerID, true)
	if err != nil {
		s.writeError(w, "SetDataBroker", err)
		return
	}
	writeOK(w, map[string]any{"user_broker": ub})
}

// handleOAuthURL returns a Fyers-style authorize URL for ubId. This
// environment carries no real Fyers client credentials (the broker
// adapter behind domain.BrokerClient is a mock), so the URL carries a
// fixed placeholder client_id and no redirect_uri; no environment
// variable or configuration is read here.
func (s *Server) handleOAuthURL(w http.ResponseWriter, r *http.Request) {
	ubID, err := pathID(r, "ubId")
	if err != nil {
		s.writeError(w, "OAuthURL", apperr.ValidationFailed("server.OAuthURL", err))
		return
	}
	if _, err := s.container.BrokerConn.FindUserBroker(r.Context(), ubID); err != nil {
		s.writeError(w, "OAuthURL", err)
		return
	}
	url := "https://api-t1.fyers.in/api/v3/generate-authcode?client_id=sentinel&response_type=code&state=" + strconv.FormatInt(ubID, 10)
	writeJSON(w, http.StatusOK, map[string]any{"oauthUrl": url})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ubID, err := pathID(r, "ubId")
	if err != nil {
		s.writeError(w, "GetSession", apperr.ValidationFailed("server.GetSession", err))
		return
	}
	session, err := s.container.BrokerConn.ActiveSession(r.Context(), ubID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		s.writeError(w, "GetSession", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ubID, err := pathID(r, "ubId")
	if err != nil {
		s.writeError(w, "Disconnect", apperr.ValidationFailed("server.Disconnect", err))
		return
	}
	if err := s.container.BrokerConn.EndSession(r.Context(), ubID); err != nil {
		s.writeError(w, "Disconnect", err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ubID, err := pathID(r, "ubId")
	if err != nil {
		s.writeError(w, "TestConnection", apperr.ValidationFailed("server.TestConnection", err))
		return
	}
	if err := s.container.BrokerConn.TestConnection(r.Context(), ubID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type oauthExchangeRequest struct {
	AuthCode string `json:"authCode"`
	State    string `json:"state"`
}

// handleOAuthExchange implements POST /fyers/oauth/exchange: state carries
// the user_broker_id as a string, matching how handleOAuthURL embeds it.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req oauthExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "OAuthExchange", apperr.ValidationFailed("server.OAuthExchange", err))
		return
	}
	userBrokerID, err := strconv.ParseInt(req.State, 10, 64)
	if err != nil {
		s.writeError(w, "OAuthExchange", apperr.ValidationFailed("server.OAuthExchange", err))
		return
	}
	result, err := s.container.BrokerConn.ExchangeAuthCode(r.Context(), userBrokerID, req.AuthCode)
	if err != nil {
		s.writeError(w, "OAuthExchange", err)
		return
	}
	writeOK(w, map[string]any{
		"userBrokerId": userBrokerID,
		"sessionId":    result.Session.ID,
		"alreadyDone":  result.AlreadyDone,
	})
}
