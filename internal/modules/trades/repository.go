// Package trades persists the single canonical Trade row per intent_id:
// the single-writer upsert that must exist before any order leaves the
// process, and the atomic status transitions the entry and exit
// pipelines both depend on.
package trades

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

const tradeColumns = `id, intent_id, signal_id, user_broker_id, symbol, quantity, entry_price, entry_value,
	product_type, htf_low, htf_high, itf_low, itf_high, ltf_low, ltf_high,
	target_price, stop_price, current_price, current_log_return, unrealized_pnl,
	trailing_active, trailing_high, trailing_stop,
	exit_price, exit_at, exit_trigger, exit_order_id, realized_pnl, realized_log_return, holding_days,
	broker_order_id, broker_trade_id, client_order_id, status, created_at, updated_at, deleted_at, version`

// Repository persists Trade rows in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated ledger.db.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: ledgerDB, log: log.With().Str("repo", "trades").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanTrade(scan func(dest ...any) error) (domain.Trade, error) {
	var t domain.Trade
	var qty, entryPrice, entryValue string
	var htfLow, htfHigh, itfLow, itfHigh, ltfLow, ltfHigh string
	var targetPrice, stopPrice, currentPrice, currentLogReturn, unrealizedPnL string
	var trailingActive int
	var trailingHigh, trailingStop string
	var exitPrice string
	var exitAt sql.NullInt64
	var realizedPnL, realizedLogReturn string
	var clientOrderID, status string
	var deletedAt sql.NullInt64

	err := scan(&t.ID, &t.IntentID, &t.SignalID, &t.UserBrokerID, &t.Symbol, &qty, &entryPrice, &entryValue,
		&t.ProductType, &htfLow, &htfHigh, &itfLow, &itfHigh, &ltfLow, &ltfHigh,
		&targetPrice, &stopPrice, &currentPrice, &currentLogReturn, &unrealizedPnL,
		&trailingActive, &trailingHigh, &trailingStop,
		&exitPrice, &exitAt, &t.ExitTrigger, &t.ExitOrderID, &realizedPnL, &realizedLogReturn, &t.HoldingDays,
		&t.BrokerOrderID, &t.BrokerTradeID, &clientOrderID, &status, &t.CreatedAt, &t.UpdatedAt, &deletedAt, &t.Version)
	if err != nil {
		return domain.Trade{}, err
	}

	t.Quantity = mustDecimal(qty)
	t.EntryPrice = mustDecimal(entryPrice)
	t.EntryValue = mustDecimal(entryValue)
	t.HTF = domain.ZoneBand{Low: mustDecimal(htfLow), High: mustDecimal(htfHigh)}
	t.ITF = domain.ZoneBand{Low: mustDecimal(itfLow), High: mustDecimal(itfHigh)}
	t.LTF = domain.ZoneBand{Low: mustDecimal(ltfLow), High: mustDecimal(ltfHigh)}
	t.TargetPrice = mustDecimal(targetPrice)
	t.StopPrice = mustDecimal(stopPrice)
	t.CurrentPrice = mustDecimal(currentPrice)
	t.CurrentLogReturn = mustDecimal(currentLogReturn)
	t.UnrealizedPnL = mustDecimal(unrealizedPnL)
	t.Trailing = domain.TrailingStop{
		Active:       trailingActive == 1,
		HighestPrice: mustDecimal(trailingHigh),
		StopPrice:    mustDecimal(trailingStop),
	}
	t.ExitPrice = mustDecimal(exitPrice)
	if exitAt.Valid {
		t.ExitAt = &exitAt.Int64
	}
	t.RealizedPnL = mustDecimal(realizedPnL)
	t.RealizedLogReturn = mustDecimal(realizedLogReturn)
	t.ClientOrderID = clientOrderID
	t.Status = domain.TradeStatus(status)
	if deletedAt.Valid {
		tm := time.UnixMicro(deletedAt.Int64)
		t.DeletedAt = &tm
	}
	return t, nil
}

// FindCurrentByID returns the live Trade row for id.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTrade(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Trade{}, apperr.NotFound("trades.FindCurrentByID", "trade")
	}
	return t, err
}

// FindByIntentID returns the live Trade for an intent, or NotFound.
func (r *Repository) FindByIntentID(ctx context.Context, intentID int64) (domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE intent_id = ? AND deleted_at IS NULL`, intentID)
	t, err := scanTrade(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Trade{}, apperr.NotFound("trades.FindByIntentID", "trade")
	}
	return t, err
}

// CreateInput is the subset of Trade fields known at entry-pipeline-step-5
// (the single-writer upsert), before any order has left the process.
type CreateInput struct {
	IntentID     int64
	SignalID     int64
	UserBrokerID int64
	Symbol       string
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	EntryValue   decimal.Decimal
	ProductType  domain.ProductType
	HTF, ITF, LTF domain.ZoneBand
	TargetPrice  decimal.Decimal
	StopPrice    decimal.Decimal
	ClientOrderID string
}

// CreateForIntent inserts the single CREATED trade row for an intent. The
// schema's uq_trades_intent_current index turns a second concurrent
// attempt for the same intent into a constraint violation, which the
// caller surfaces as apperr.ConflictState — one trade per intent is
// enforced at the database, not just by this being the only writer.
func (r *Repository) CreateForIntent(ctx context.Context, tx *sql.Tx, in CreateInput, now time.Time) (domain.Trade, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, intent_id, signal_id, user_broker_id, symbol, quantity, entry_price, entry_value,
			product_type, htf_low, htf_high, itf_low, itf_high, ltf_low, ltf_high,
			target_price, stop_price, client_order_id, status, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'CREATED', ?, ?, 1)`,
		in.IntentID, in.SignalID, in.UserBrokerID, in.Symbol, in.Quantity.String(), in.EntryPrice.String(), in.EntryValue.String(),
		string(in.ProductType), in.HTF.Low.String(), in.HTF.High.String(), in.ITF.Low.String(), in.ITF.High.String(), in.LTF.Low.String(), in.LTF.High.String(),
		in.TargetPrice.String(), in.StopPrice.String(), in.ClientOrderID,
		now.UnixMicro(), now.UnixMicro(),
	)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("insert trade for intent %d: %w", in.IntentID, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.Trade{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trades SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.Trade{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE row_id = ?`, rowID)
	return scanTrade(row.Scan)
}

// MarkPlaced records the broker's order id and moves a CREATED trade to
// PENDING, a no-op returning false if the trade is not currently CREATED.
func (r *Repository) MarkPlaced(ctx context.Context, tradeID int64, brokerOrderID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trades SET status = 'PENDING', broker_order_id = ?, updated_at = ?
		WHERE id = ? AND status = 'CREATED' AND deleted_at IS NULL`,
		brokerOrderID, now.UnixMicro(), tradeID)
	if err != nil {
		return false, fmt.Errorf("mark trade placed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkRejectedByIntentID atomically moves the trade for intentID from
// CREATED to REJECTED; a no-op (false) if it is not currently CREATED —
// the cascade for the entry pipeline's synchronous-adapter-failure path.
func (r *Repository) MarkRejectedByIntentID(ctx context.Context, intentID int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trades SET status = 'REJECTED', updated_at = ?
		WHERE intent_id = ? AND status = 'CREATED' AND deleted_at IS NULL`,
		now.UnixMicro(), intentID)
	if err != nil {
		return false, fmt.Errorf("mark rejected by intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkOpen moves a PENDING trade to OPEN on fill confirmation, a no-op if
// it is not currently PENDING.
func (r *Repository) MarkOpen(ctx context.Context, tradeID int64, fillPrice decimal.Decimal, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trades SET status = 'OPEN', entry_price = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND deleted_at IS NULL`,
		fillPrice.String(), now.UnixMicro(), tradeID)
	if err != nil {
		return false, fmt.Errorf("mark trade open: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkExiting moves an OPEN trade to EXITING and records the exit order id,
// a no-op if it is not currently OPEN — the companion write to placing
// the exit order.
func (r *Repository) MarkExiting(ctx context.Context, tx *sql.Tx, tradeID int64, exitOrderID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = 'EXITING', exit_order_id = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN' AND deleted_at IS NULL`,
		exitOrderID, now.UnixMicro(), tradeID)
	if err != nil {
		return false, fmt.Errorf("mark trade exiting: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CloseInput carries the realized outcome recorded when a trade closes.
type CloseInput struct {
	ExitPrice         decimal.Decimal
	ExitTrigger       string
	RealizedPnL       decimal.Decimal
	RealizedLogReturn decimal.Decimal
	HoldingDays       int
}

// MarkClosed moves an EXITING trade to CLOSED with its realized outcome.
func (r *Repository) MarkClosed(ctx context.Context, tradeID int64, in CloseInput, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trades SET status = 'CLOSED', exit_price = ?, exit_at = ?, exit_trigger = ?,
			realized_pnl = ?, realized_log_return = ?, holding_days = ?, updated_at = ?
		WHERE id = ? AND status = 'EXITING' AND deleted_at IS NULL`,
		in.ExitPrice.String(), now.UnixMicro(), in.ExitTrigger,
		in.RealizedPnL.String(), in.RealizedLogReturn.String(), in.HoldingDays, now.UnixMicro(), tradeID)
	if err != nil {
		return false, fmt.Errorf("mark trade closed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateTrailing persists a new trailing-stop triple on an OPEN trade,
// called by the live price tick loop.
func (r *Repository) UpdateTrailing(ctx context.Context, tradeID int64, trailing domain.TrailingStop, currentPrice, unrealizedPnL, currentLogReturn decimal.Decimal, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET trailing_active = ?, trailing_high = ?, trailing_stop = ?,
			current_price = ?, unrealized_pnl = ?, current_log_return = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN' AND deleted_at IS NULL`,
		boolToInt(trailing.Active), trailing.HighestPrice.String(), trailing.StopPrice.String(),
		currentPrice.String(), unrealizedPnL.String(), currentLogReturn.String(), now.UnixMicro(), tradeID)
	return err
}

// FindOpenByUserBroker returns every OPEN/EXITING trade for a user-broker,
// used by the monitoring snapshot and exit detectors.
func (r *Repository) FindOpenByUserBroker(ctx context.Context, userBrokerID int64) ([]domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE deleted_at IS NULL AND user_broker_id = ? AND status IN ('OPEN','EXITING')`, userBrokerID)
	if err != nil {
		return nil, fmt.Errorf("find open trades: %w", err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
