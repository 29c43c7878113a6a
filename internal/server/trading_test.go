package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/config"
	"github.com/sentinel-trading/backend/internal/di"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/modules/brokerconn"
	"github.com/sentinel-trading/backend/internal/modules/portfolios"
)

func newTestServer(t *testing.T) (*Server, *di.Container) {
	t.Helper()
	cfg := &config.Config{
		DataDir:            t.TempDir(),
		LogLevel:           "error",
		SignalTimezone:     "UTC",
		ExpiryScanInterval: time.Minute,
		ExpiryWindow:       time.Hour,
		ReconcileInterval:  time.Minute,
	}
	c, err := di.Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	s := New(Config{Log: zerolog.Nop(), Container: c, Port: 0})
	return s, c
}

// seedUserBroker creates a user-broker eligible to place trades, and a
// matching portfolio with ample capital, returning the user-broker id.
func seedUserBroker(t *testing.T, c *di.Container, risk domain.RiskPolicy) int64 {
	t.Helper()
	ctx := context.Background()
	ub, err := c.BrokerConn.CreateUserBroker(ctx, brokerconn.CreateInput{
		UserID: 1, BrokerID: 1, Role: domain.RoleExec, Risk: risk,
	})
	require.NoError(t, err)

	_, err = c.Portfolios.Create(ctx, portfolios.CreateInput{
		UserID: 1, Name: "primary", TotalCapital: decimal.NewFromInt(100000),
		MaxPortfolioLogLoss: decimal.NewFromInt(1), MaxSymbolWeight: decimal.NewFromInt(1),
		MaxSymbols: 10, AllocationMode: "EQUAL",
	}, time.Now())
	require.NoError(t, err)
	return ub.ID
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func upsertSignalBody(symbol string) map[string]any {
	return map[string]any{
		"symbol": symbol, "confluence_type": "BREAKOUT", "signal_day": "2026-07-30",
		"direction": "LONG", "signal_type": "ENTRY",
		"htf": map[string]any{"low": "10", "high": "20"},
		"itf": map[string]any{"low": "10", "high": "20"},
		"ltf": map[string]any{"low": "10", "high": "20"},
		"p_win": "0.7", "p_fill": "0.8", "kelly": "0.5",
		"floor": "90", "ceiling": "150", "confidence": "0.6",
		"generated_at": time.Now().UnixMicro(), "expires_at": time.Now().Add(time.Hour).UnixMicro(),
	}
}

func TestHandleUpsertSignal_CreatesAnActiveSignal(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/admin/signals", upsertSignalBody("NSE:TCS"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp["signal"])
	sig := resp["signal"].(map[string]any)
	require.Equal(t, "ACTIVE", sig["status"])
}

func TestHandleGetSignal_RoundTripsAnUpsertedSignal(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/admin/signals", upsertSignalBody("NSE:INFY"))
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int64(created["id"].(float64))

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/admin/signals/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sig map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	require.Equal(t, "NSE:INFY", sig["symbol"])
}

func TestHandleGetSignal_404sOnUnknownID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/admin/signals/999999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateIntent_PlacesOrderEndToEnd(t *testing.T) {
	s, c := newTestServer(t)
	ubID := seedUserBroker(t, c, domain.RiskPolicy{})

	rec := doJSON(t, s, http.MethodPost, "/api/admin/signals", upsertSignalBody("NSE:TCS"))
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	signalID := int64(created["id"].(float64))

	rec = doJSON(t, s, http.MethodPost, "/api/admin/intents", map[string]any{
		"signal_id": signalID, "user_broker_id": ubID, "exchange": "NSE",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	intent := resp["intent"].(map[string]any)
	require.Equal(t, "PLACED", intent["status"])

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/admin/intents/%d", int64(resp["id"].(float64))), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCreateIntent_RejectsBlockedSymbol(t *testing.T) {
	s, c := newTestServer(t)
	ubID := seedUserBroker(t, c, domain.RiskPolicy{BlockSymbols: []string{"NSE:RELI"}})

	rec := doJSON(t, s, http.MethodPost, "/api/admin/signals", upsertSignalBody("NSE:RELI"))
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	signalID := int64(created["id"].(float64))

	rec = doJSON(t, s, http.MethodPost, "/api/admin/intents", map[string]any{
		"signal_id": signalID, "user_broker_id": ubID, "exchange": "NSE",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	intent := resp["intent"].(map[string]any)
	require.Equal(t, "REJECTED", intent["status"])
}

func TestHandleListOpenTrades_RequiresUserBrokerIDQueryParam(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/admin/trades/open", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
