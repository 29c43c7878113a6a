// Package exits implements the exit intent pipeline: race-free episode
// generation, ExitSignal detection, and the
// validate-approve-place-reconcile sequence that mirrors the entry
// pipeline's single-writer discipline on the exit side.
package exits

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

const signalColumns = `id, trade_id, exit_reason, episode_id, price_at_detection,
	brick_movement, favorable_movement, highest_since_entry, lowest_since_entry,
	trailing_active, trailing_high, trailing_stop, status,
	created_at, updated_at, deleted_at, version`

const intentColumns = `id, exit_signal_id, trade_id, user_broker_id, exit_reason, episode_id,
	status, broker_order_id, error_code, error_message, retry_count, placed_at,
	created_at, updated_at, deleted_at, version`

// Repository persists ExitSignal and ExitIntent rows in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated ledger.db.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: ledgerDB, log: log.With().Str("repo", "exits").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanExitSignal(scan func(dest ...any) error) (domain.ExitSignal, error) {
	var s domain.ExitSignal
	var exitReason, price, brick, favorable, highest, lowest string
	var trailingActive int
	var trailingHigh, trailingStop, status string
	var deletedAt sql.NullInt64

	err := scan(&s.ID, &s.TradeID, &exitReason, &s.EpisodeID, &price,
		&brick, &favorable, &highest, &lowest,
		&trailingActive, &trailingHigh, &trailingStop, &status,
		&s.CreatedAt, &s.UpdatedAt, &deletedAt, &s.Version)
	if err != nil {
		return domain.ExitSignal{}, err
	}
	s.ExitReason = domain.ExitReason(exitReason)
	s.PriceAtDetection = mustDecimal(price)
	s.BrickMovement = mustDecimal(brick)
	s.FavorableMovement = mustDecimal(favorable)
	s.HighestSinceEntry = mustDecimal(highest)
	s.LowestSinceEntry = mustDecimal(lowest)
	s.Trailing = domain.TrailingStop{Active: trailingActive == 1, HighestPrice: mustDecimal(trailingHigh), StopPrice: mustDecimal(trailingStop)}
	s.Status = domain.ExitSignalStatus(status)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		s.DeletedAt = &t
	}
	return s, nil
}

func scanExitIntent(scan func(dest ...any) error) (domain.ExitIntent, error) {
	var in domain.ExitIntent
	var exitReason, status string
	var placedAt sql.NullInt64
	var deletedAt sql.NullInt64

	err := scan(&in.ID, &in.ExitSignalID, &in.TradeID, &in.UserBrokerID, &exitReason, &in.EpisodeID,
		&status, &in.BrokerOrderID, &in.ErrorCode, &in.ErrorMessage, &in.RetryCount, &placedAt,
		&in.CreatedAt, &in.UpdatedAt, &deletedAt, &in.Version)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	in.ExitReason = domain.ExitReason(exitReason)
	in.Status = domain.IntentStatus(status)
	if placedAt.Valid {
		in.PlacedAt = &placedAt.Int64
	}
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		in.DeletedAt = &t
	}
	return in, nil
}

// GenerateEpisode computes max(episode_id)+1 for (trade_id, exit_reason)
// under the row lock the given transaction already holds on the trade
// (the caller must have opened the tx and taken SQLite's write lock with a
// write to the trade row, as Service.Detect does), making
// two concurrent detectors for the same pair return distinct numbers.
func GenerateEpisode(ctx context.Context, tx *sql.Tx, tradeID int64, reason domain.ExitReason) (int, error) {
	var maxEpisode sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(episode_id) FROM exit_signals WHERE trade_id = ? AND exit_reason = ?`,
		tradeID, string(reason)).Scan(&maxEpisode)
	if err != nil {
		return 0, fmt.Errorf("compute next episode id: %w", err)
	}
	if !maxEpisode.Valid {
		return 1, nil
	}
	return int(maxEpisode.Int64) + 1, nil
}

// DetectInput carries the exit signal's detection-time readings.
type DetectInput struct {
	TradeID           int64
	ExitReason        domain.ExitReason
	PriceAtDetection  decimal.Decimal
	BrickMovement     decimal.Decimal
	FavorableMovement decimal.Decimal
	HighestSinceEntry decimal.Decimal
	LowestSinceEntry  decimal.Decimal
	Trailing          domain.TrailingStop
}

// InsertSignal inserts a DETECTED ExitSignal for the already-generated
// episode, inside the caller's transaction.
func InsertSignal(ctx context.Context, tx *sql.Tx, episodeID int, in DetectInput, now time.Time) (domain.ExitSignal, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO exit_signals (id, trade_id, exit_reason, episode_id, price_at_detection,
			brick_movement, favorable_movement, highest_since_entry, lowest_since_entry,
			trailing_active, trailing_high, trailing_stop, status, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'DETECTED', ?, ?, 1)`,
		in.TradeID, string(in.ExitReason), episodeID, in.PriceAtDetection.String(),
		in.BrickMovement.String(), in.FavorableMovement.String(), in.HighestSinceEntry.String(), in.LowestSinceEntry.String(),
		boolToInt(in.Trailing.Active), in.Trailing.HighestPrice.String(), in.Trailing.StopPrice.String(),
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.ExitSignal{}, fmt.Errorf("insert exit signal: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.ExitSignal{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE exit_signals SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.ExitSignal{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM exit_signals WHERE row_id = ?`, rowID)
	return scanExitSignal(row.Scan)
}

// FindSignalCurrentByID returns the live ExitSignal row for id.
func (r *Repository) FindSignalCurrentByID(ctx context.Context, id int64) (domain.ExitSignal, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM exit_signals WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := scanExitSignal(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ExitSignal{}, apperr.NotFound("exits.FindSignalCurrentByID", "exit_signal")
	}
	return s, err
}

// ConsumeSignal moves a DETECTED ExitSignal to CONSUMED once its ExitIntent
// is created, a no-op if it is not currently DETECTED.
func (r *Repository) ConsumeSignal(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_signals SET status = 'CONSUMED', updated_at = ?
		WHERE id = ? AND status = 'DETECTED' AND deleted_at IS NULL`, now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("consume exit signal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CreateIntentPending inserts a brand-new PENDING ExitIntent for a detected
// signal (pipeline step 2), id equal to its own row_id.
func (r *Repository) CreateIntentPending(ctx context.Context, signal domain.ExitSignal, userBrokerID int64, now time.Time) (domain.ExitIntent, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO exit_intents (id, exit_signal_id, trade_id, user_broker_id, exit_reason, episode_id,
			status, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, ?, 'PENDING', ?, ?, 1)`,
		signal.ID, signal.TradeID, userBrokerID, string(signal.ExitReason), signal.EpisodeID,
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("insert pending exit intent: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE exit_intents SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	return r.FindIntentCurrentByID(ctx, rowID)
}

// FindIntentCurrentByID returns the live ExitIntent row for id.
func (r *Repository) FindIntentCurrentByID(ctx context.Context, id int64) (domain.ExitIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM exit_intents WHERE id = ? AND deleted_at IS NULL`, id)
	in, err := scanExitIntent(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ExitIntent{}, apperr.NotFound("exits.FindIntentCurrentByID", "exit_intent")
	}
	return in, err
}

// Reject moves a PENDING ExitIntent straight to REJECTED (step 3's
// failure path).
func (r *Repository) Reject(ctx context.Context, id int64, errorCode, errorMessage string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'REJECTED', error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND deleted_at IS NULL`,
		errorCode, errorMessage, now.UnixMicro(), id)
	return err
}

// Approve moves a PENDING ExitIntent to APPROVED (step 3's success path).
func (r *Repository) Approve(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'APPROVED', updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND deleted_at IS NULL`, now.UnixMicro(), id)
	return err
}

// PlaceExitOrder runs an atomic APPROVED->PLACED transition with
// broker_order_id and placed_at set, returning false if the row was not
// currently APPROVED. Runs inside tx so the caller can pair it with
// trades.MarkExiting in the same commit.
func PlaceExitOrder(ctx context.Context, tx *sql.Tx, exitIntentID int64, brokerOrderID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'PLACED', broker_order_id = ?, placed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'APPROVED' AND deleted_at IS NULL`,
		brokerOrderID, now.UnixMicro(), now.UnixMicro(), exitIntentID)
	if err != nil {
		return false, fmt.Errorf("place exit order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkFilled moves a PLACED ExitIntent to FILLED on fill confirmation.
func (r *Repository) MarkFilled(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'FILLED', updated_at = ?
		WHERE id = ? AND status = 'PLACED' AND deleted_at IS NULL`, now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("mark exit intent filled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkFailed records an adapter failure and increments retry_count, the
// companion write the reconciler uses to decide whether to retry.
func (r *Repository) MarkFailed(ctx context.Context, id int64, errorCode, errorMessage string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'FAILED', error_code = ?, error_message = ?,
			retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		errorCode, errorMessage, now.UnixMicro(), id)
	return err
}

// ResetForRetry moves a FAILED ExitIntent back to APPROVED so Place can
// be called again, gated on retry_count staying under maxRetries. It
// reports whether the reset happened.
func (r *Repository) ResetForRetry(ctx context.Context, id int64, maxRetries int, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'APPROVED', updated_at = ?
		WHERE id = ? AND status = 'FAILED' AND retry_count < ? AND deleted_at IS NULL`,
		now.UnixMicro(), id, maxRetries)
	if err != nil {
		return false, fmt.Errorf("reset exit intent for retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCancelled moves a non-terminal ExitIntent to CANCELLED, used when an
// operator aborts an in-flight exit.
func (r *Repository) MarkCancelled(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents SET status = 'CANCELLED', updated_at = ?
		WHERE id = ? AND status IN ('PENDING','APPROVED','PLACED') AND deleted_at IS NULL`,
		now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("mark exit intent cancelled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FindIntentsByStatus returns every live ExitIntent in the given status,
// oldest first, used by the stuck-exit-intent monitoring query.
func (r *Repository) FindIntentsByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.ExitIntent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM exit_intents
		WHERE deleted_at IS NULL AND status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find exit intents by status: %w", err)
	}
	defer rows.Close()
	var out []domain.ExitIntent
	for rows.Next() {
		in, err := scanExitIntent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
