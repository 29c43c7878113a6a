// Package events implements the append-only trade event log: a
// server-assigned monotonic sequence number per row, scope-filtered
// tailing for pull-based consumers, and an in-process Bus that gives
// the same events to any live websocket subscriber.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/domain"
)

// Manager appends to and tails the trade_events table in ledger.db.
type Manager struct {
	db  *sql.DB
	bus *Bus
	log zerolog.Logger
}

// New wires a Manager over an already-migrated ledger.db connection.
func New(ledgerDB *sql.DB, bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		db:  ledgerDB,
		bus: bus,
		log: log.With().Str("component", "events").Logger(),
	}
}

// AppendInput is everything the caller supplies; Seq and CreatedAt are
// assigned by Append.
type AppendInput struct {
	EventType    string
	Scope        domain.EventScope
	UserID       *int64
	BrokerID     *int64
	UserBrokerID *int64
	Payload      any
	SignalID     *int64
	IntentID     *int64
	TradeID      *int64
	OrderID      string
	CreatedBy    string
}

// Append inserts one event row and returns it with its assigned seq. The
// insert is a single statement; SQLite's AUTOINCREMENT rowid guarantees
// the seq is monotonic and never reused even across deletes (this table
// is never deleted from).
func (m *Manager) Append(ctx context.Context, in AppendInput) (domain.TradeEvent, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}

	now := time.Now()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO trade_events
		(event_type, scope, user_id, broker_id, user_broker_id, payload_json,
		 signal_id, intent_id, trade_id, order_id, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.EventType, string(in.Scope), in.UserID, in.BrokerID, in.UserBrokerID, string(payload),
		in.SignalID, in.IntentID, in.TradeID, in.OrderID, now.UnixMicro(), in.CreatedBy,
	)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("read assigned seq: %w", err)
	}

	ev := domain.TradeEvent{
		Seq:          seq,
		EventType:    in.EventType,
		Scope:        in.Scope,
		UserID:       in.UserID,
		BrokerID:     in.BrokerID,
		UserBrokerID: in.UserBrokerID,
		Payload:      payload,
		SignalID:     in.SignalID,
		IntentID:     in.IntentID,
		TradeID:      in.TradeID,
		OrderID:      in.OrderID,
		CreatedAt:    now.UnixMicro(),
		CreatedBy:    in.CreatedBy,
	}

	m.log.Debug().Int64("seq", seq).Str("event_type", in.EventType).Msg("event appended")

	if m.bus != nil {
		m.bus.Publish(ev)
	}
	return ev, nil
}

// TailFilter narrows Tail to events visible within a given scope.
// GLOBAL events are always included; USER events additionally require a
// matching UserID; USER_BROKER events additionally require a matching
// UserBrokerID.
type TailFilter struct {
	UserID       *int64
	UserBrokerID *int64
}

// Tail returns up to limit events with seq > afterSeq, ordered by seq
// ascending, visible to the given filter.
func (m *Manager) Tail(ctx context.Context, afterSeq int64, filter TailFilter, limit int) ([]domain.TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT seq, event_type, scope, user_id, broker_id, user_broker_id, payload_json,
		       signal_id, intent_id, trade_id, order_id, created_at, created_by
		FROM trade_events
		WHERE seq > ?
		  AND (
		    scope = 'GLOBAL'
		    OR (scope = 'USER' AND user_id = ?)
		    OR (scope = 'USER_BROKER' AND user_broker_id = ?)
		  )
		ORDER BY seq ASC
		LIMIT ?`

	rows, err := m.db.QueryContext(ctx, query, afterSeq, filter.UserID, filter.UserBrokerID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var ev domain.TradeEvent
		var scope, payload string
		if err := rows.Scan(&ev.Seq, &ev.EventType, &scope, &ev.UserID, &ev.BrokerID, &ev.UserBrokerID,
			&payload, &ev.SignalID, &ev.IntentID, &ev.TradeID, &ev.OrderID, &ev.CreatedAt, &ev.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Scope = domain.EventScope(scope)
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest assigned seq, or 0 if the log is empty.
func (m *Manager) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM trade_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	return seq.Int64, nil
}
