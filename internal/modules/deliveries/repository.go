// Package deliveries implements the delivery fan-out manager: eligibility
// fan-out of a published signal to every eligible user-broker, and the
// single-use, race-free consume_delivery primitive.
package deliveries

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

const deliveryColumns = `id, signal_id, user_broker_id, status, intent_id,
	rejection_reason, user_action, consumed_at, created_at, updated_at, deleted_at, version`

// Repository persists SignalDelivery rows in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated ledger.db.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: ledgerDB, log: log.With().Str("repo", "deliveries").Logger()}
}

func scanDelivery(scan func(dest ...any) error) (domain.SignalDelivery, error) {
	var d domain.SignalDelivery
	var status string
	var deletedAt, consumedAt sql.NullInt64
	var intentID sql.NullInt64

	err := scan(&d.ID, &d.SignalID, &d.UserBrokerID, &status, &intentID,
		&d.RejectionReason, &d.UserAction, &consumedAt, &d.CreatedAt, &d.UpdatedAt, &deletedAt, &d.Version)
	if err != nil {
		return domain.SignalDelivery{}, err
	}
	d.Status = domain.DeliveryStatus(status)
	if intentID.Valid {
		d.IntentID = &intentID.Int64
	}
	if consumedAt.Valid {
		d.ConsumedAt = &consumedAt.Int64
	}
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		d.DeletedAt = &t
	}
	return d, nil
}

// Create inserts a brand-new CREATED delivery and assigns it an id equal
// to its row_id, mirroring signals.insertNew.
func (r *Repository) Create(ctx context.Context, tx *sql.Tx, signalID, userBrokerID int64, now time.Time) (domain.SignalDelivery, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO signal_deliveries (id, signal_id, user_broker_id, status, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, ?, 1)`,
		signalID, userBrokerID, string(domain.DeliveryCreated), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.SignalDelivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.SignalDelivery{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signal_deliveries SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.SignalDelivery{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	return domain.SignalDelivery{
		AuditTrailer: domain.AuditTrailer{CreatedAt: now, UpdatedAt: now, Version: 1},
		ID:           rowID, SignalID: signalID, UserBrokerID: userBrokerID, Status: domain.DeliveryCreated,
	}, nil
}

// FindCurrentByID returns the live row for id.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.SignalDelivery, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM signal_deliveries WHERE id = ? AND deleted_at IS NULL`, id)
	d, err := scanDelivery(row.Scan)
	if err == sql.ErrNoRows {
		return domain.SignalDelivery{}, apperr.NotFound("deliveries.FindCurrentByID", "signal_delivery")
	}
	return d, err
}

// FindBySignal returns every live delivery for a signal.
func (r *Repository) FindBySignal(ctx context.Context, signalID int64) ([]domain.SignalDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM signal_deliveries WHERE signal_id = ? AND deleted_at IS NULL`, signalID)
	if err != nil {
		return nil, fmt.Errorf("find deliveries by signal: %w", err)
	}
	defer rows.Close()
	var out []domain.SignalDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConsumeDelivery atomically transitions id from a non-terminal status to
// CONSUMED, recording intentID, via a single conditional UPDATE checked by
// RowsAffected: under concurrent double-click consumption exactly one
// caller observes true.
func (r *Repository) ConsumeDelivery(ctx context.Context, deliveryID, intentID int64) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE signal_deliveries
		SET status = 'CONSUMED', intent_id = ?, consumed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status IN ('CREATED','DELIVERED') AND deleted_at IS NULL`,
		intentID, now.UnixMicro(), now.UnixMicro(), deliveryID)
	if err != nil {
		return false, fmt.Errorf("consume delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected: %w", err)
	}
	return affected == 1, nil
}

// bulkTransition moves every non-terminal delivery of a signal to
// toStatus, used by the cancel/expire cascades. This does not go through
// the soft-delete-and-reinsert audit pattern: it is a bulk administrative
// transition on still-current rows, matching consume_delivery's own use
// of a direct conditional UPDATE rather than per-row versioned rewrites.
func (r *Repository) bulkTransition(ctx context.Context, signalID int64, toStatus domain.DeliveryStatus) (int64, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE signal_deliveries
		SET status = ?, updated_at = ?, version = version + 1
		WHERE signal_id = ? AND status IN ('CREATED','DELIVERED') AND deleted_at IS NULL`,
		string(toStatus), now.UnixMicro(), signalID)
	if err != nil {
		return 0, fmt.Errorf("bulk transition deliveries to %s: %w", toStatus, err)
	}
	return res.RowsAffected()
}
