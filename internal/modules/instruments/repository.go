// Package instruments manages the broker instrument catalog in cache.db:
// a batched-upsert refresh from broker master-contract dumps and a ranked
// symbol search over the result.
package instruments

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/domain"
)

const instrumentColumns = `id, broker_code, exchange, trading_symbol, name, instrument_type, token, lot_size, tick_size`

// batchSize caps the number of upserted rows per commit: a full
// master-contract refresh commits in chunks rather than one giant
// transaction, bounding lock duration and memory.
const batchSize = 1000

// Repository persists Instrument rows in cache.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated cache.db.
func NewRepository(cacheDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: cacheDB, log: log.With().Str("repo", "instruments").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanInstrument(scan func(dest ...any) error) (domain.Instrument, error) {
	var in domain.Instrument
	var lotSize, tickSize string
	if err := scan(&in.ID, &in.BrokerCode, &in.Exchange, &in.TradingSymbol, &in.Name, &in.InstrumentType, &in.Token, &lotSize, &tickSize); err != nil {
		return domain.Instrument{}, err
	}
	in.LotSize = mustDecimal(lotSize)
	in.TickSize = mustDecimal(tickSize)
	return in, nil
}

// RefreshAll replaces the catalog for one broker with a fresh master-
// contract dump, upserting in batches of at most batchSize rows per
// commit. Rows not present in the dump are left in place (a stale
// instrument is harmless; it simply won't appear again until re-synced).
func (r *Repository) RefreshAll(ctx context.Context, brokerCode string, instruments []domain.Instrument) (int, error) {
	total := 0
	for start := 0; start < len(instruments); start += batchSize {
		end := start + batchSize
		if end > len(instruments) {
			end = len(instruments)
		}
		n, err := r.upsertBatch(ctx, brokerCode, instruments[start:end])
		if err != nil {
			return total, fmt.Errorf("upsert batch [%d:%d]: %w", start, end, err)
		}
		total += n
	}
	r.log.Info().Str("broker_code", brokerCode).Int("count", total).Msg("refreshed instrument catalog")
	return total, nil
}

func (r *Repository) upsertBatch(ctx context.Context, brokerCode string, batch []domain.Instrument) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (broker_code, exchange, trading_symbol, name, instrument_type, token, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_code, exchange, trading_symbol) DO UPDATE SET
			name = excluded.name, instrument_type = excluded.instrument_type,
			token = excluded.token, lot_size = excluded.lot_size, tick_size = excluded.tick_size`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, in := range batch {
		if _, err := stmt.ExecContext(ctx, brokerCode, in.Exchange, in.TradingSymbol, in.Name, in.InstrumentType, in.Token,
			in.LotSize.String(), in.TickSize.String()); err != nil {
			return 0, fmt.Errorf("upsert instrument %s:%s: %w", in.Exchange, in.TradingSymbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert batch tx: %w", err)
	}
	return len(batch), nil
}

// FindByExchangeSymbol returns the live instrument for an exact
// (exchange, trading_symbol) pair under any broker.
func (r *Repository) FindByExchangeSymbol(ctx context.Context, exchange, symbol string) (domain.Instrument, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments
		WHERE exchange = ? AND trading_symbol = ? LIMIT 1`, exchange, symbol)
	return scanInstrument(row.Scan)
}

// Search runs a ranked symbol search: an exact prefix match ranks 0, a
// substring match ranks 1, ties break lexicographically on
// trading_symbol. limit caps the result size.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]domain.Instrument, error) {
	needle := strings.ToUpper(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instrumentColumns+` FROM instruments
		WHERE UPPER(trading_symbol) LIKE ? OR UPPER(name) LIKE ?
		ORDER BY
			CASE WHEN UPPER(trading_symbol) LIKE ? THEN 0 ELSE 1 END,
			trading_symbol ASC
		LIMIT ?`,
		needle+"%", "%"+needle+"%", needle+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
