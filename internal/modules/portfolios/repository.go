// Package portfolios manages per-user capital pools in config.db: the
// available-capital source the Entry Intent Pipeline sizes against.
package portfolios

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

const portfolioColumns = `id, user_id, name, total_capital, reserved_capital,
	max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode, status, paused,
	created_at, updated_at, deleted_at, version`

// Repository persists Portfolio rows in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated config.db.
func NewRepository(configDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: configDB, log: log.With().Str("repo", "portfolios").Logger()}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func scanPortfolio(scan func(dest ...any) error) (domain.Portfolio, error) {
	var p domain.Portfolio
	var totalCapital, reservedCapital, maxLogLoss, maxSymbolWeight string
	var paused int
	var deletedAt sql.NullInt64

	err := scan(&p.ID, &p.UserID, &p.Name, &totalCapital, &reservedCapital,
		&maxLogLoss, &maxSymbolWeight, &p.MaxSymbols, &p.AllocationMode, &p.Status, &paused,
		&p.CreatedAt, &p.UpdatedAt, &deletedAt, &p.Version)
	if err != nil {
		return domain.Portfolio{}, err
	}
	p.TotalCapital = mustDecimal(totalCapital)
	p.ReservedCapital = mustDecimal(reservedCapital)
	p.MaxPortfolioLogLoss = mustDecimal(maxLogLoss)
	p.MaxSymbolWeight = mustDecimal(maxSymbolWeight)
	p.Paused = paused == 1
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		p.DeletedAt = &t
	}
	return p, nil
}

// FindCurrentByID returns the live Portfolio row for id.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.Portfolio, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanPortfolio(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Portfolio{}, apperr.NotFound("portfolios.FindCurrentByID", "portfolio")
	}
	return p, err
}

// FindByUserID returns the live Portfolio for a user, implementing
// intents.PortfolioGetter. Each user is expected to carry exactly one
// active portfolio; the oldest live row wins if more than one exists.
func (r *Repository) FindByUserID(ctx context.Context, userID int64) (domain.Portfolio, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+portfolioColumns+` FROM portfolios
		WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at ASC LIMIT 1`, userID)
	p, err := scanPortfolio(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Portfolio{}, apperr.NotFound("portfolios.FindByUserID", "portfolio")
	}
	return p, err
}

// ListAll returns every live portfolio, used by the /portfolios GET surface.
func (r *Repository) ListAll(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()
	var out []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateInput carries the fields needed to open a new portfolio.
type CreateInput struct {
	UserID              int64
	Name                string
	TotalCapital        decimal.Decimal
	MaxPortfolioLogLoss decimal.Decimal
	MaxSymbolWeight     decimal.Decimal
	MaxSymbols          int
	AllocationMode      string
}

// Create inserts a brand-new portfolio (version 1, ACTIVE, unpaused).
func (r *Repository) Create(ctx context.Context, in CreateInput, now time.Time) (domain.Portfolio, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, total_capital, reserved_capital,
			max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode, status, paused,
			created_at, updated_at, version)
		VALUES (0, ?, ?, ?, '0', ?, ?, ?, ?, 'ACTIVE', 0, ?, ?, 1)`,
		in.UserID, in.Name, in.TotalCapital.String(),
		in.MaxPortfolioLogLoss.String(), in.MaxSymbolWeight.String(), in.MaxSymbols, in.AllocationMode,
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("insert portfolio: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE portfolios SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.Portfolio{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	return r.FindCurrentByID(ctx, rowID)
}

// UpdateInput carries the mutable fields of a portfolio revision.
type UpdateInput struct {
	TotalCapital        decimal.Decimal
	ReservedCapital     decimal.Decimal
	MaxPortfolioLogLoss decimal.Decimal
	MaxSymbolWeight     decimal.Decimal
	MaxSymbols          int
	AllocationMode      string
	Status              string
	Paused              bool
}

// Update applies the immutable-audit soft-delete-and-reinsert contract:
// the caller's in-hand version must still be current or the call fails
// with a ConflictVersion error.
func (r *Repository) Update(ctx context.Context, id int64, expectedVersion int, in UpdateInput, now time.Time) (domain.Portfolio, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanPortfolioTx(tx, id)
	if err != nil {
		return domain.Portfolio{}, err
	}

	affected, err := store.SoftDeleteCurrent(tx, "portfolios", "id", id, expectedVersion, now)
	if err != nil {
		return domain.Portfolio{}, err
	}
	if err := store.CheckVersionRace(affected, "portfolios.Update", "portfolio"); err != nil {
		return domain.Portfolio{}, err
	}

	paused := 0
	if in.Paused {
		paused = 1
	}
	next := store.NextVersion(expectedVersion)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolios (id, user_id, name, total_capital, reserved_capital,
			max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode, status, paused,
			created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, current.UserID, current.Name, in.TotalCapital.String(), in.ReservedCapital.String(),
		in.MaxPortfolioLogLoss.String(), in.MaxSymbolWeight.String(), in.MaxSymbols, in.AllocationMode,
		in.Status, paused, current.CreatedAt.UnixMicro(), now.UnixMicro(), next)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("insert successor portfolio: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Portfolio{}, fmt.Errorf("commit update tx: %w", err)
	}
	return r.FindCurrentByID(ctx, id)
}

func scanPortfolioTx(tx *sql.Tx, id int64) (domain.Portfolio, error) {
	row := tx.QueryRow(`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanPortfolio(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Portfolio{}, apperr.NotFound("portfolios.Update", "portfolio")
	}
	return p, err
}
