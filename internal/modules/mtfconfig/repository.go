// Package mtfconfig implements the config store: a singleton global
// strategy knob set overlaid by per-(symbol, user_broker) overrides, with
// writes that trigger a staleness cascade into the signal lifecycle
// engine.
package mtfconfig

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/store"
)

const globalColumns = `id, htf_candle_count, htf_minutes, itf_candle_count, itf_minutes,
	ltf_candle_count, ltf_minutes, htf_weight, itf_weight, ltf_weight,
	buy_zone_percent_tier1, buy_zone_percent_tier2, confluence_threshold, confluence_multiplier,
	position_log_loss_cap, portfolio_log_loss_cap, kelly_fraction,
	trailing_stop_activate_pct, trailing_stop_distance_pct,
	velocity_throttle_range_atr, utility_asymmetry_ratio,
	created_at, updated_at, deleted_at, version`

const overrideColumns = `id, symbol, user_broker_id, htf_weight, itf_weight, ltf_weight,
	confluence_threshold, position_log_loss_cap, kelly_fraction, trailing_stop_activate_pct,
	created_at, updated_at, deleted_at, version`

// Repository persists MtfGlobalConfig and MtfSymbolConfig rows in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated config.db.
func NewRepository(configDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: configDB, log: log.With().Str("repo", "mtfconfig").Logger()}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanGlobal(scan func(dest ...any) error) (domain.MtfGlobalConfig, error) {
	var g domain.MtfGlobalConfig
	var htfW, itfW, ltfW, bz1, bz2, confThresh, confMult string
	var posLogCap, portLogCap, kelly, trailActivate, trailDist string
	var velocity, asymmetry string
	var deletedAt sql.NullInt64

	err := scan(&g.ID, &g.HTFCandleCount, &g.HTFMinutes, &g.ITFCandleCount, &g.ITFMinutes,
		&g.LTFCandleCount, &g.LTFMinutes, &htfW, &itfW, &ltfW,
		&bz1, &bz2, &confThresh, &confMult,
		&posLogCap, &portLogCap, &kelly,
		&trailActivate, &trailDist, &velocity, &asymmetry,
		&g.CreatedAt, &g.UpdatedAt, &deletedAt, &g.Version)
	if err != nil {
		return domain.MtfGlobalConfig{}, err
	}
	g.HTFWeight, g.ITFWeight, g.LTFWeight = dec(htfW), dec(itfW), dec(ltfW)
	g.BuyZonePercentTier1, g.BuyZonePercentTier2 = dec(bz1), dec(bz2)
	g.ConfluenceThreshold, g.ConfluenceMultiplier = dec(confThresh), dec(confMult)
	g.PositionLogLossCap, g.PortfolioLogLossCap, g.KellyFraction = dec(posLogCap), dec(portLogCap), dec(kelly)
	g.TrailingStopActivatePct, g.TrailingStopDistancePct = dec(trailActivate), dec(trailDist)
	g.VelocityThrottleRangeATR, g.UtilityAsymmetryRatio = dec(velocity), dec(asymmetry)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		g.DeletedAt = &t
	}
	return g, nil
}

func scanOverride(scan func(dest ...any) error) (domain.MtfSymbolConfig, error) {
	var o domain.MtfSymbolConfig
	var htfW, itfW, ltfW, confThresh, posLogCap, kelly, trailActivate sql.NullString
	var deletedAt sql.NullInt64

	err := scan(&o.ID, &o.Symbol, &o.UserBrokerID, &htfW, &itfW, &ltfW,
		&confThresh, &posLogCap, &kelly, &trailActivate,
		&o.CreatedAt, &o.UpdatedAt, &deletedAt, &o.Version)
	if err != nil {
		return domain.MtfSymbolConfig{}, err
	}
	o.HTFWeight = nullableDecimal(htfW)
	o.ITFWeight = nullableDecimal(itfW)
	o.LTFWeight = nullableDecimal(ltfW)
	o.ConfluenceThreshold = nullableDecimal(confThresh)
	o.PositionLogLossCap = nullableDecimal(posLogCap)
	o.KellyFraction = nullableDecimal(kelly)
	o.TrailingStopActivatePct = nullableDecimal(trailActivate)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		o.DeletedAt = &t
	}
	return o, nil
}

func nullableDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := dec(ns.String)
	return &d
}

func nullableString(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// FindGlobal returns the live singleton global config row.
func (r *Repository) FindGlobal(ctx context.Context) (domain.MtfGlobalConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+globalColumns+` FROM mtf_global_config WHERE deleted_at IS NULL LIMIT 1`)
	g, err := scanGlobal(row.Scan)
	if err == sql.ErrNoRows {
		return domain.MtfGlobalConfig{}, apperr.NotFound("mtfconfig.FindGlobal", "mtf_global_config")
	}
	return g, err
}

// UpsertGlobal creates the singleton on first call, or soft-delete-reinserts
// a successor version on subsequent calls (backed by uq_mtf_global_singleton).
func (r *Repository) UpsertGlobal(ctx context.Context, g domain.MtfGlobalConfig, now time.Time) (domain.MtfGlobalConfig, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MtfGlobalConfig{}, fmt.Errorf("begin upsert global tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := findGlobalTx(tx)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return domain.MtfGlobalConfig{}, err
	}

	if err == nil {
		affected, serr := store.SoftDeleteCurrent(tx, "mtf_global_config", "id", existing.ID, existing.Version, now)
		if serr != nil {
			return domain.MtfGlobalConfig{}, serr
		}
		if verr := store.CheckVersionRace(affected, "mtfconfig.UpsertGlobal", "mtf_global_config"); verr != nil {
			return domain.MtfGlobalConfig{}, verr
		}
		g.ID = existing.ID
		g.Version = store.NextVersion(existing.Version)
		g.CreatedAt = existing.CreatedAt
	} else {
		g.ID = 0
		g.Version = 1
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	if g.ID == 0 {
		res, ierr := tx.ExecContext(ctx, insertGlobalSQL(0), globalInsertArgs(g, true)...)
		if ierr != nil {
			return domain.MtfGlobalConfig{}, fmt.Errorf("insert global config: %w", ierr)
		}
		rowID, rerr := res.LastInsertId()
		if rerr != nil {
			return domain.MtfGlobalConfig{}, rerr
		}
		if _, uerr := tx.ExecContext(ctx, `UPDATE mtf_global_config SET id = ? WHERE row_id = ?`, rowID, rowID); uerr != nil {
			return domain.MtfGlobalConfig{}, uerr
		}
		g.ID = rowID
	} else {
		if _, ierr := tx.ExecContext(ctx, insertGlobalSQL(g.ID), globalInsertArgs(g, false)...); ierr != nil {
			return domain.MtfGlobalConfig{}, fmt.Errorf("insert successor global config: %w", ierr)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.MtfGlobalConfig{}, fmt.Errorf("commit upsert global tx: %w", err)
	}
	return r.FindGlobal(ctx)
}

func findGlobalTx(tx *sql.Tx) (domain.MtfGlobalConfig, error) {
	row := tx.QueryRow(`SELECT ` + globalColumns + ` FROM mtf_global_config WHERE deleted_at IS NULL LIMIT 1`)
	g, err := scanGlobal(row.Scan)
	if err == sql.ErrNoRows {
		return domain.MtfGlobalConfig{}, apperr.NotFound("mtfconfig.UpsertGlobal", "mtf_global_config")
	}
	return g, err
}

// FindOverride returns the live per-(symbol, user_broker) override, if any.
func (r *Repository) FindOverride(ctx context.Context, symbol string, userBrokerID int64) (domain.MtfSymbolConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM mtf_symbol_config
		WHERE symbol = ? AND user_broker_id = ? AND deleted_at IS NULL`, symbol, userBrokerID)
	o, err := scanOverride(row.Scan)
	if err == sql.ErrNoRows {
		return domain.MtfSymbolConfig{}, apperr.NotFound("mtfconfig.FindOverride", "mtf_symbol_config")
	}
	return o, err
}

// ListOverrides returns every live per-symbol override.
func (r *Repository) ListOverrides(ctx context.Context) ([]domain.MtfSymbolConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+overrideColumns+` FROM mtf_symbol_config WHERE deleted_at IS NULL ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()
	var out []domain.MtfSymbolConfig
	for rows.Next() {
		o, err := scanOverride(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteOverride soft-deletes the live override for (symbol, userBrokerID).
func (r *Repository) DeleteOverride(ctx context.Context, symbol string, userBrokerID int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mtf_symbol_config SET deleted_at = ?, updated_at = ?
		WHERE symbol = ? AND user_broker_id = ? AND deleted_at IS NULL`,
		now.UnixMicro(), now.UnixMicro(), symbol, userBrokerID)
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpsertOverride creates or revises an override (backed by
// uq_mtf_symbol_override on symbol+user_broker_id).
func (r *Repository) UpsertOverride(ctx context.Context, o domain.MtfSymbolConfig, now time.Time) (domain.MtfSymbolConfig, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MtfSymbolConfig{}, fmt.Errorf("begin upsert override tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT `+overrideColumns+` FROM mtf_symbol_config
		WHERE symbol = ? AND user_broker_id = ? AND deleted_at IS NULL`, o.Symbol, o.UserBrokerID)
	existing, ferr := scanOverride(row.Scan)

	if ferr == nil {
		affected, serr := store.SoftDeleteCurrent(tx, "mtf_symbol_config", "id", existing.ID, existing.Version, now)
		if serr != nil {
			return domain.MtfSymbolConfig{}, serr
		}
		if verr := store.CheckVersionRace(affected, "mtfconfig.UpsertOverride", "mtf_symbol_config"); verr != nil {
			return domain.MtfSymbolConfig{}, verr
		}
		o.ID = existing.ID
		o.Version = store.NextVersion(existing.Version)
		o.CreatedAt = existing.CreatedAt
	} else if ferr == sql.ErrNoRows {
		o.ID = 0
		o.Version = 1
		o.CreatedAt = now
	} else {
		return domain.MtfSymbolConfig{}, ferr
	}
	o.UpdatedAt = now

	if o.ID == 0 {
		res, ierr := tx.ExecContext(ctx, `
			INSERT INTO mtf_symbol_config (id, symbol, user_broker_id, htf_weight, itf_weight, ltf_weight,
				confluence_threshold, position_log_loss_cap, kelly_fraction, trailing_stop_activate_pct,
				created_at, updated_at, version)
			VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			o.Symbol, o.UserBrokerID, nullableString(o.HTFWeight), nullableString(o.ITFWeight), nullableString(o.LTFWeight),
			nullableString(o.ConfluenceThreshold), nullableString(o.PositionLogLossCap), nullableString(o.KellyFraction),
			nullableString(o.TrailingStopActivatePct), o.CreatedAt.UnixMicro(), o.UpdatedAt.UnixMicro())
		if ierr != nil {
			return domain.MtfSymbolConfig{}, fmt.Errorf("insert override: %w", ierr)
		}
		rowID, rerr := res.LastInsertId()
		if rerr != nil {
			return domain.MtfSymbolConfig{}, rerr
		}
		if _, uerr := tx.ExecContext(ctx, `UPDATE mtf_symbol_config SET id = ? WHERE row_id = ?`, rowID, rowID); uerr != nil {
			return domain.MtfSymbolConfig{}, uerr
		}
		o.ID = rowID
	} else {
		if _, ierr := tx.ExecContext(ctx, `
			INSERT INTO mtf_symbol_config (id, symbol, user_broker_id, htf_weight, itf_weight, ltf_weight,
				confluence_threshold, position_log_loss_cap, kelly_fraction, trailing_stop_activate_pct,
				created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.Symbol, o.UserBrokerID, nullableString(o.HTFWeight), nullableString(o.ITFWeight), nullableString(o.LTFWeight),
			nullableString(o.ConfluenceThreshold), nullableString(o.PositionLogLossCap), nullableString(o.KellyFraction),
			nullableString(o.TrailingStopActivatePct), o.CreatedAt.UnixMicro(), o.UpdatedAt.UnixMicro(), o.Version); ierr != nil {
			return domain.MtfSymbolConfig{}, fmt.Errorf("insert successor override: %w", ierr)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.MtfSymbolConfig{}, fmt.Errorf("commit upsert override tx: %w", err)
	}
	return r.FindOverride(ctx, o.Symbol, o.UserBrokerID)
}

// insertGlobalSQL builds the insert for either the first row (id=0, fixed
// up after LastInsertId) or a successor version (explicit id, version
// carried in the args).
func insertGlobalSQL(id int64) string {
	idPlaceholder := "0"
	if id != 0 {
		idPlaceholder = "?"
	}
	return fmt.Sprintf(`
		INSERT INTO mtf_global_config (id, htf_candle_count, htf_minutes, itf_candle_count, itf_minutes,
			ltf_candle_count, ltf_minutes, htf_weight, itf_weight, ltf_weight,
			buy_zone_percent_tier1, buy_zone_percent_tier2, confluence_threshold, confluence_multiplier,
			position_log_loss_cap, portfolio_log_loss_cap, kelly_fraction,
			trailing_stop_activate_pct, trailing_stop_distance_pct,
			velocity_throttle_range_atr, utility_asymmetry_ratio,
			created_at, updated_at, version)
		VALUES (%s, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, idPlaceholder)
}

func globalInsertArgs(g domain.MtfGlobalConfig, firstInsert bool) []any {
	args := []any{
		g.HTFCandleCount, g.HTFMinutes, g.ITFCandleCount, g.ITFMinutes,
		g.LTFCandleCount, g.LTFMinutes, g.HTFWeight.String(), g.ITFWeight.String(), g.LTFWeight.String(),
		g.BuyZonePercentTier1.String(), g.BuyZonePercentTier2.String(), g.ConfluenceThreshold.String(), g.ConfluenceMultiplier.String(),
		g.PositionLogLossCap.String(), g.PortfolioLogLossCap.String(), g.KellyFraction.String(),
		g.TrailingStopActivatePct.String(), g.TrailingStopDistancePct.String(),
		g.VelocityThrottleRangeATR.String(), g.UtilityAsymmetryRatio.String(),
		g.CreatedAt.UnixMicro(), g.UpdatedAt.UnixMicro(), g.Version,
	}
	if firstInsert {
		return args
	}
	return append([]any{g.ID}, args...)
}
