// Package intents implements the entry intent pipeline: validation,
// sizing, and the create-validate-size-persist-place-reconcile sequence
// that turns a consumed delivery into a broker order and a trade row.
package intents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

const intentColumns = `id, signal_id, user_broker_id, validation_passed, validation_errors_json,
	calculated_qty, calculated_value, order_type, limit_price, product_type,
	log_impact, portfolio_exposure_after, status,
	broker_order_id, broker_trade_id, error_code, error_message,
	created_at, updated_at, deleted_at, version`

// Repository persists TradeIntent rows in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated ledger.db.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: ledgerDB, log: log.With().Str("repo", "intents").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanIntent(scan func(dest ...any) error) (domain.TradeIntent, error) {
	var in domain.TradeIntent
	var validationPassed int
	var validationErrorsJSON string
	var qty, value, orderType, limitPrice, productType string
	var logImpact, exposure, status string
	var deletedAt sql.NullInt64

	err := scan(&in.ID, &in.SignalID, &in.UserBrokerID, &validationPassed, &validationErrorsJSON,
		&qty, &value, &orderType, &limitPrice, &productType,
		&logImpact, &exposure, &status,
		&in.BrokerOrderID, &in.BrokerTradeID, &in.ErrorCode, &in.ErrorMessage,
		&in.CreatedAt, &in.UpdatedAt, &deletedAt, &in.Version)
	if err != nil {
		return domain.TradeIntent{}, err
	}

	in.ValidationPassed = validationPassed == 1
	_ = json.Unmarshal([]byte(validationErrorsJSON), &in.ValidationErrors)
	in.CalculatedQty = mustDecimal(qty)
	in.CalculatedValue = mustDecimal(value)
	in.OrderType = domain.OrderType(orderType)
	in.LimitPrice = mustDecimal(limitPrice)
	in.ProductType = domain.ProductType(productType)
	in.LogImpact = mustDecimal(logImpact)
	in.PortfolioExposureAfter = mustDecimal(exposure)
	in.Status = domain.IntentStatus(status)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		in.DeletedAt = &t
	}
	return in, nil
}

// FindCurrentByID returns the live TradeIntent row for id.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.TradeIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM trade_intents WHERE id = ? AND deleted_at IS NULL`, id)
	in, err := scanIntent(row.Scan)
	if err == sql.ErrNoRows {
		return domain.TradeIntent{}, apperr.NotFound("intents.FindCurrentByID", "trade_intent")
	}
	return in, err
}

// CreatePending inserts a brand-new PENDING intent row (pipeline step 1),
// before any validation or broker call, and assigns it an id equal to its
// own row_id so the id can double as the broker client-order-id.
func (r *Repository) CreatePending(ctx context.Context, signalID, userBrokerID int64, orderType domain.OrderType, productType domain.ProductType, now time.Time) (domain.TradeIntent, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO trade_intents (id, signal_id, user_broker_id, status, order_type, product_type, created_at, updated_at, version)
		VALUES (0, ?, ?, 'PENDING', ?, ?, ?, ?, 1)`,
		signalID, userBrokerID, string(orderType), string(productType), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("insert pending intent: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE trade_intents SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	return r.FindCurrentByID(ctx, rowID)
}

// RejectInput carries the outcome of a failed validation or sizing gate.
type RejectInput struct {
	ValidationErrors []domain.ValidationError
	ErrorCode        string
	ErrorMessage     string
}

// Reject moves a PENDING intent straight to REJECTED (pipeline steps 2/3
// failure paths), recording structured validation errors.
func (r *Repository) Reject(ctx context.Context, id int64, in RejectInput, now time.Time) error {
	errs, err := json.Marshal(in.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE trade_intents SET status = 'REJECTED', validation_passed = 0, validation_errors_json = ?,
			error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(errs), in.ErrorCode, in.ErrorMessage, now.UnixMicro(), id)
	return err
}

// ApproveInput carries the computed sizing outcome (pipeline step 4).
type ApproveInput struct {
	CalculatedQty          decimal.Decimal
	CalculatedValue        decimal.Decimal
	LimitPrice             decimal.Decimal
	LogImpact              decimal.Decimal
	PortfolioExposureAfter decimal.Decimal
}

// Approve persists the sizing outcome and moves PENDING to APPROVED.
func (r *Repository) Approve(ctx context.Context, id int64, in ApproveInput, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trade_intents SET status = 'APPROVED', validation_passed = 1, validation_errors_json = '[]',
			calculated_qty = ?, calculated_value = ?, limit_price = ?, log_impact = ?, portfolio_exposure_after = ?,
			updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND deleted_at IS NULL`,
		in.CalculatedQty.String(), in.CalculatedValue.String(), in.LimitPrice.String(), in.LogImpact.String(), in.PortfolioExposureAfter.String(),
		now.UnixMicro(), id)
	return err
}

// MarkPlaced records the broker order id and moves APPROVED to PLACED.
func (r *Repository) MarkPlaced(ctx context.Context, id int64, brokerOrderID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trade_intents SET status = 'PLACED', broker_order_id = ?, updated_at = ?
		WHERE id = ? AND status = 'APPROVED' AND deleted_at IS NULL`,
		brokerOrderID, now.UnixMicro(), id)
	return err
}

// MarkFailed records an adapter failure and moves APPROVED to FAILED
// (pipeline step 7's synchronous-failure path).
func (r *Repository) MarkFailed(ctx context.Context, id int64, errorCode, errorMessage string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trade_intents SET status = 'FAILED', error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		errorCode, errorMessage, now.UnixMicro(), id)
	return err
}

// MarkFilled moves PLACED to FILLED and records the broker trade id, on
// fill confirmation from the reconciler.
func (r *Repository) MarkFilled(ctx context.Context, id int64, brokerTradeID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trade_intents SET status = 'FILLED', broker_trade_id = ?, updated_at = ?
		WHERE id = ? AND status = 'PLACED' AND deleted_at IS NULL`,
		brokerTradeID, now.UnixMicro(), id)
	return err
}

// FindByStatus returns every live intent in the given status, oldest
// first, used by the reconciler to find stuck FAILED/PLACED intents.
func (r *Repository) FindByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.TradeIntent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM trade_intents
		WHERE deleted_at IS NULL AND status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find intents by status: %w", err)
	}
	defer rows.Close()
	var out []domain.TradeIntent
	for rows.Next() {
		in, err := scanIntent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
