// Package signals implements the signal lifecycle engine (SMS):
// idempotent ingestion, staleness cascades, expiry scanning, and status
// transitions over the immutable-audit signals table.
package signals

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
	"github.com/sentinel-trading/backend/internal/store"
)

const signalColumns = `id, symbol, confluence_type, signal_day, direction, signal_type,
	htf_low, htf_high, itf_low, itf_high, ltf_low, ltf_high,
	p_win, p_fill, kelly, effective_floor, effective_ceiling, confidence, tags_json,
	generated_at, expires_at, status, created_at, updated_at, deleted_at, version`

// Repository persists Signal rows in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated ledger.db.
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: ledgerDB, log: log.With().Str("repo", "signals").Logger()}
}

func scanSignal(scan func(dest ...any) error) (domain.Signal, error) {
	var s domain.Signal
	var htfLow, htfHigh, itfLow, itfHigh, ltfLow, ltfHigh string
	var pWin, pFill, kelly, floor, ceiling, confidence string
	var tagsJSON string
	var deletedAt sql.NullInt64

	err := scan(&s.ID, &s.Symbol, &s.ConfluenceType, &s.SignalDay, &s.Direction, &s.SignalType,
		&htfLow, &htfHigh, &itfLow, &itfHigh, &ltfLow, &ltfHigh,
		&pWin, &pFill, &kelly, &floor, &ceiling, &confidence, &tagsJSON,
		&s.GeneratedAt, &s.ExpiresAt, &s.Status, &s.CreatedAt, &s.UpdatedAt, &deletedAt, &s.Version)
	if err != nil {
		return domain.Signal{}, err
	}

	s.HTF = domain.ZoneBand{Low: mustDecimal(htfLow), High: mustDecimal(htfHigh)}
	s.ITF = domain.ZoneBand{Low: mustDecimal(itfLow), High: mustDecimal(itfHigh)}
	s.LTF = domain.ZoneBand{Low: mustDecimal(ltfLow), High: mustDecimal(ltfHigh)}
	s.PWin = mustDecimal(pWin)
	s.PFill = mustDecimal(pFill)
	s.Kelly = mustDecimal(kelly)
	s.EffectiveFloor = mustDecimal(floor)
	s.EffectiveCeiling = mustDecimal(ceiling)
	s.Confidence = mustDecimal(confidence)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		s.DeletedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &s.Tags)
	return s, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FindCurrentByID returns the live row for id, or a NotFound apperr.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.Signal, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Signal{}, apperr.NotFound("signals.FindCurrentByID", "signal")
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("find signal %d: %w", id, err)
	}
	return s, nil
}

// findCurrentByDedupeForUpdate returns the live row matching the dedupe
// tuple, used only inside Upsert's write transaction. The SELECT itself
// takes no row lock.
func findCurrentByDedupeForUpdate(tx *sql.Tx, symbol, confluenceType, signalDay string, floor, ceiling decimal.Decimal) (domain.Signal, error) {
	row := tx.QueryRow(`SELECT `+signalColumns+` FROM signals
		WHERE symbol = ? AND confluence_type = ? AND signal_day = ?
		  AND effective_floor = ? AND effective_ceiling = ? AND deleted_at IS NULL`,
		symbol, confluenceType, signalDay, floor.StringFixed(2), ceiling.StringFixed(2))
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Signal{}, apperr.NotFound("signals.Upsert", "signal")
	}
	return s, err
}

// insertRow inserts s as-is (id must already be set). Used both for a
// brand-new entity's first row (after insertNew fixes up id=row_id) and
// for a successor version sharing its predecessor's id.
func insertRow(tx *sql.Tx, s domain.Signal) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO signals (id, symbol, confluence_type, signal_day, direction, signal_type,
			htf_low, htf_high, itf_low, itf_high, ltf_low, ltf_high,
			p_win, p_fill, kelly, effective_floor, effective_ceiling, confidence, tags_json,
			generated_at, expires_at, status, created_at, updated_at, deleted_at, version)
		VALUES (?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,NULL,?)`,
		s.ID, s.Symbol, s.ConfluenceType, s.SignalDay, s.Direction, s.SignalType,
		s.HTF.Low.String(), s.HTF.High.String(), s.ITF.Low.String(), s.ITF.High.String(), s.LTF.Low.String(), s.LTF.High.String(),
		s.PWin.String(), s.PFill.String(), s.Kelly.String(), s.EffectiveFloor.StringFixed(2), s.EffectiveCeiling.StringFixed(2), s.Confidence.String(), string(tags),
		s.GeneratedAt, s.ExpiresAt, string(s.Status), s.CreatedAt.UnixMicro(), s.UpdatedAt.UnixMicro(), s.Version,
	)
	return err
}

// insertNew inserts a brand-new signal (version 1) and assigns it an id
// equal to its own row_id, then returns the assigned id.
func insertNew(tx *sql.Tx, s domain.Signal, now time.Time) (int64, error) {
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	s.ID = 0
	if err := insertRow(tx, s); err != nil {
		return 0, fmt.Errorf("insert new signal: %w", err)
	}
	var rowID int64
	if err := tx.QueryRow(`SELECT last_insert_rowid()`).Scan(&rowID); err != nil {
		return 0, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := tx.Exec(`UPDATE signals SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return 0, fmt.Errorf("fix up assigned id: %w", err)
	}
	return rowID, nil
}

// updateCurrent soft-deletes the current row (optimistic check via
// RowsAffected) then inserts the successor version with the same id,
// implementing the immutable-audit update contract.
func updateCurrent(tx *sql.Tx, s domain.Signal, now time.Time) error {
	affected, err := store.SoftDeleteCurrent(tx, "signals", "id", s.ID, s.Version, now)
	if err != nil {
		return err
	}
	if err := store.CheckVersionRace(affected, "signals.update", "signal"); err != nil {
		return err
	}
	next := s
	next.Version = store.NextVersion(s.Version)
	next.UpdatedAt = now
	return insertRow(tx, next)
}

// FindExpiringSoon returns ACTIVE/PUBLISHED signals whose expires_at is at
// or before now+window (already past-due rows included), oldest first.
func (r *Repository) FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]domain.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE deleted_at IS NULL AND status IN ('ACTIVE','PUBLISHED')
		  AND expires_at <= ?
		ORDER BY expires_at ASC`,
		now.Add(window).UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("find expiring signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan expiring signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindActiveOrPublishedBySymbol returns every non-terminal signal for a
// symbol, used by mark_stale_symbol.
func (r *Repository) FindActiveOrPublishedBySymbol(ctx context.Context, symbol string) ([]domain.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE deleted_at IS NULL AND symbol = ? AND status IN ('ACTIVE','PUBLISHED')`, symbol)
	if err != nil {
		return nil, fmt.Errorf("find signals by symbol: %w", err)
	}
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindAllActiveOrPublished returns every non-terminal signal, used by
// mark_stale_all.
func (r *Repository) FindAllActiveOrPublished(ctx context.Context) ([]domain.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE deleted_at IS NULL AND status IN ('ACTIVE','PUBLISHED')`)
	if err != nil {
		return nil, fmt.Errorf("find active signals: %w", err)
	}
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HasDependentTrades reports whether any trades row references signalID,
// the gate that keeps a signal out of staleness cascades once it has a
// real trade — an intent that was rejected at validation and never
// became a trade does not count.
func (r *Repository) HasDependentTrades(ctx context.Context, signalID int64) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM trades WHERE signal_id = ? AND deleted_at IS NULL LIMIT 1`, signalID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dependent trades: %w", err)
	}
	return true, nil
}
