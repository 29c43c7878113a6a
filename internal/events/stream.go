package events

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sentinel-trading/backend/internal/domain"
)

// StreamHandler pushes newly appended events to connected admin clients
// over a websocket connection, as a convenience layer over the Tail pull
// API — never the only way to observe the log.
type StreamHandler struct {
	bus *Bus
	log zerolog.Logger
}

// NewStreamHandler wires a StreamHandler over the Manager's Bus.
func NewStreamHandler(bus *Bus, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, log: log.With().Str("component", "events_stream").Logger()}
}

// ServeHTTP handles GET /api/admin/events/stream, upgrading to websocket
// and relaying every bus event scoped to the caller's query filters.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	filter := parseFilter(r)

	outbox := make(chan domain.TradeEvent, 100)
	token := h.bus.Subscribe(func(ev domain.TradeEvent) {
		if !visibleTo(ev, filter) {
			return
		}
		select {
		case outbox <- ev:
		default:
			h.log.Warn().Int64("seq", ev.Seq).Msg("stream subscriber backlog full, dropping event")
		}
	})
	defer h.bus.Unsubscribe(token)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev := <-outbox:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("stream write failed, closing")
				return
			}
		}
	}
}

type streamFilter struct {
	userID       *int64
	userBrokerID *int64
}

func parseFilter(r *http.Request) streamFilter {
	var f streamFilter
	if v := r.URL.Query().Get("user_id"); v != "" {
		f.userID = parseInt64Ptr(v)
	}
	if v := r.URL.Query().Get("user_broker_id"); v != "" {
		f.userBrokerID = parseInt64Ptr(v)
	}
	return f
}

func visibleTo(ev domain.TradeEvent, f streamFilter) bool {
	switch ev.Scope {
	case domain.ScopeGlobal:
		return true
	case domain.ScopeUser:
		return f.userID != nil && ev.UserID != nil && *ev.UserID == *f.userID
	case domain.ScopeUserBroker:
		return f.userBrokerID != nil && ev.UserBrokerID != nil && *ev.UserBrokerID == *f.userBrokerID
	default:
		return false
	}
}

func parseInt64Ptr(s string) *int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
