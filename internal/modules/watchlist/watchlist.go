package watchlist

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

const entryColumns = `id, user_broker_id, symbol, lot_size, tick_size, is_custom, enabled,
	last_synced_at, last_price, last_tick_time, created_at, updated_at, deleted_at, version`

// Repository persists WatchlistEntry (L4) rows in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated config.db.
func NewRepository(configDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: configDB, log: log.With().Str("repo", "watchlist").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanEntry(scan func(dest ...any) error) (domain.WatchlistEntry, error) {
	var e domain.WatchlistEntry
	var lotSize, tickSize, lastPrice string
	var isCustom, enabled int
	var lastSyncedAt, lastTickTime sql.NullInt64
	var deletedAt sql.NullInt64
	err := scan(&e.ID, &e.UserBrokerID, &e.Symbol, &lotSize, &tickSize, &isCustom, &enabled,
		&lastSyncedAt, &lastPrice, &lastTickTime, &e.CreatedAt, &e.UpdatedAt, &deletedAt, &e.Version)
	if err != nil {
		return domain.WatchlistEntry{}, err
	}
	e.LotSize = mustDecimal(lotSize)
	e.TickSize = mustDecimal(tickSize)
	e.LastPrice = mustDecimal(lastPrice)
	e.IsCustom = isCustom == 1
	e.Enabled = enabled == 1
	if lastSyncedAt.Valid {
		e.LastSyncedAt = &lastSyncedAt.Int64
	}
	if lastTickTime.Valid {
		e.LastTickTime = &lastTickTime.Int64
	}
	if deletedAt.Valid {
		d := time.UnixMicro(deletedAt.Int64)
		e.DeletedAt = &d
	}
	return e, nil
}

// FindCurrentByID returns the live entry row.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.WatchlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM watchlists WHERE id = ? AND deleted_at IS NULL`, id)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WatchlistEntry{}, apperr.NotFound("watchlist.FindCurrentByID", "watchlist_entry")
	}
	return e, err
}

// ListByUserBroker returns every live entry for one user-broker.
func (r *Repository) ListByUserBroker(ctx context.Context, userBrokerID int64) ([]domain.WatchlistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM watchlists WHERE user_broker_id = ? AND deleted_at IS NULL ORDER BY symbol ASC`, userBrokerID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var out []domain.WatchlistEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddCustom inserts a user-added symbol, flagged is_custom, or updates the
// live row for that symbol in place and bumps its version.
// uq_watchlists_user_broker_symbol covers live rows only, so a
// soft-deleted row for the symbol is not revived; a new row is inserted.
func (r *Repository) AddCustom(ctx context.Context, userBrokerID int64, symbol string, lotSize, tickSize decimal.Decimal, now time.Time) (domain.WatchlistEntry, error) {
	if err := r.upsertOne(ctx, userBrokerID, symbol, lotSize, tickSize, true, now); err != nil {
		return domain.WatchlistEntry{}, err
	}
	return r.findByUserBrokerSymbol(ctx, userBrokerID, symbol)
}

// RemoveCustom soft-deletes a user's own custom entry. Sync never calls
// this; only an explicit user action removes a custom row.
func (r *Repository) RemoveCustom(ctx context.Context, userBrokerID int64, symbol string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE watchlists SET deleted_at = ?, version = version + 1
		WHERE user_broker_id = ? AND symbol = ? AND is_custom = 1 AND deleted_at IS NULL`,
		now.UnixMicro(), userBrokerID, symbol)
	if err != nil {
		return false, fmt.Errorf("remove custom entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ToggleEnabled flips enabled on a live entry.
func (r *Repository) ToggleEnabled(ctx context.Context, id int64, enabled bool, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE watchlists SET enabled = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND deleted_at IS NULL`, boolToInt(enabled), now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("toggle entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateTick applies a price tick to every live entry for symbol across
// all user-brokers, in one statement.
func (r *Repository) UpdateTick(ctx context.Context, symbol string, price decimal.Decimal, tickTime time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE watchlists SET last_price = ?, last_tick_time = ?
		WHERE symbol = ? AND deleted_at IS NULL`,
		price.String(), tickTime.UnixMicro(), symbol)
	if err != nil {
		return 0, fmt.Errorf("update tick: %w", err)
	}
	return res.RowsAffected()
}

// syncSymbols upserts the L3 delta into one user-broker's L4 rows,
// marking each synced row non-custom and never touching rows not in
// symbols (so a user's custom additions outside the delta survive
// untouched). A soft-deleted row for a symbol is not revived; a new row
// is inserted.
func (r *Repository) syncSymbols(ctx context.Context, userBrokerID int64, symbols []string, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO watchlists (id, user_broker_id, symbol, lot_size, tick_size, is_custom, enabled, last_synced_at, last_price, created_at, updated_at, version)
		VALUES (0, ?, ?, '0', '0', 0, 1, ?, '0', ?, ?, 1)
		ON CONFLICT(user_broker_id, symbol) WHERE deleted_at IS NULL DO UPDATE SET
			is_custom = 0, enabled = 1, last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at, version = version + 1, deleted_at = NULL`)
	if err != nil {
		return 0, fmt.Errorf("prepare sync upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, userBrokerID, sym, now.UnixMicro(), now.UnixMicro(), now.UnixMicro()); err != nil {
			return 0, fmt.Errorf("sync symbol %s: %w", sym, err)
		}
		n++
	}
	if err := fixupInsertedIDs(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sync tx: %w", err)
	}
	return n, nil
}

// fixupInsertedIDs assigns id = row_id for any freshly-inserted row in
// this tx still carrying the placeholder id of 0 — the ON CONFLICT branch
// above never touches id, so only genuinely new rows match.
func fixupInsertedIDs(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE watchlists SET id = row_id WHERE id = 0`)
	return err
}

func (r *Repository) upsertOne(ctx context.Context, userBrokerID int64, symbol string, lotSize, tickSize decimal.Decimal, isCustom bool, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watchlists (id, user_broker_id, symbol, lot_size, tick_size, is_custom, enabled, last_price, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, ?, 1, '0', ?, ?, 1)
		ON CONFLICT(user_broker_id, symbol) WHERE deleted_at IS NULL DO UPDATE SET
			is_custom = excluded.is_custom, lot_size = excluded.lot_size, tick_size = excluded.tick_size,
			updated_at = excluded.updated_at, version = version + 1, deleted_at = NULL`,
		userBrokerID, symbol, lotSize.String(), tickSize.String(), boolToInt(isCustom), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	if err := fixupInsertedIDs(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) findByUserBrokerSymbol(ctx context.Context, userBrokerID int64, symbol string) (domain.WatchlistEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM watchlists WHERE user_broker_id = ? AND symbol = ? AND deleted_at IS NULL`, userBrokerID, symbol)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WatchlistEntry{}, apperr.NotFound("watchlist.findByUserBrokerSymbol", "watchlist_entry")
	}
	return e, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
