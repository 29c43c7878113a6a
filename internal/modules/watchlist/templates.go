// Package watchlist implements the four-level watchlist hierarchy:
// admin-curated templates (L1), named selections drawn from a template
// (L2), a read-only default union view (L3), and per-user-broker rows
// synced from L3 while preserving custom additions (L4).
package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/store"
)

const templateColumns = `id, name, symbols_json, created_at, updated_at, deleted_at, version`

// TemplateRepository persists WatchlistTemplate (L1) rows in config.db.
type TemplateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTemplateRepository wires a TemplateRepository over config.db.
func NewTemplateRepository(configDB *sql.DB, log zerolog.Logger) *TemplateRepository {
	return &TemplateRepository{db: configDB, log: log.With().Str("repo", "watchlist_templates").Logger()}
}

func scanTemplate(scan func(dest ...any) error) (domain.WatchlistTemplate, error) {
	var t domain.WatchlistTemplate
	var symbolsJSON string
	var deletedAt sql.NullInt64
	if err := scan(&t.ID, &t.Name, &symbolsJSON, &t.CreatedAt, &t.UpdatedAt, &deletedAt, &t.Version); err != nil {
		return domain.WatchlistTemplate{}, err
	}
	_ = json.Unmarshal([]byte(symbolsJSON), &t.Symbols)
	if deletedAt.Valid {
		d := time.UnixMicro(deletedAt.Int64)
		t.DeletedAt = &d
	}
	return t, nil
}

// FindCurrentByID returns the live template row.
func (r *TemplateRepository) FindCurrentByID(ctx context.Context, id int64) (domain.WatchlistTemplate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM watchlist_templates WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WatchlistTemplate{}, apperr.NotFound("watchlist.FindTemplate", "watchlist_template")
	}
	return t, err
}

// ListAll returns every live template, ordered by name.
func (r *TemplateRepository) ListAll(ctx context.Context) ([]domain.WatchlistTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM watchlist_templates WHERE deleted_at IS NULL ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []domain.WatchlistTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a brand-new named template (backed by
// uq_watchlist_templates_name).
func (r *TemplateRepository) Create(ctx context.Context, name string, symbols []string, now time.Time) (domain.WatchlistTemplate, error) {
	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("marshal symbols: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO watchlist_templates (id, name, symbols_json, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, ?, 1)`, name, string(symbolsJSON), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.WatchlistTemplate{}, err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE watchlist_templates SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.WatchlistTemplate{}, err
	}
	return r.FindCurrentByID(ctx, rowID)
}

// UpdateSymbols revises a template's symbol list, soft-delete-reinserting
// a successor version under the immutable-audit contract.
func (r *TemplateRepository) UpdateSymbols(ctx context.Context, id int64, expectedVersion int, symbols []string, now time.Time) (domain.WatchlistTemplate, error) {
	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("marshal symbols: %w", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := findTemplateTx(tx, id)
	if err != nil {
		return domain.WatchlistTemplate{}, err
	}
	affected, err := store.SoftDeleteCurrent(tx, "watchlist_templates", "id", id, expectedVersion, now)
	if err != nil {
		return domain.WatchlistTemplate{}, err
	}
	if err := store.CheckVersionRace(affected, "watchlist.UpdateTemplate", "watchlist_template"); err != nil {
		return domain.WatchlistTemplate{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO watchlist_templates (id, name, symbols_json, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, current.Name, string(symbolsJSON), current.CreatedAt.UnixMicro(), now.UnixMicro(), store.NextVersion(expectedVersion)); err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("insert successor template: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WatchlistTemplate{}, fmt.Errorf("commit update tx: %w", err)
	}
	return r.FindCurrentByID(ctx, id)
}

func findTemplateTx(tx *sql.Tx, id int64) (domain.WatchlistTemplate, error) {
	row := tx.QueryRow(`SELECT `+templateColumns+` FROM watchlist_templates WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WatchlistTemplate{}, apperr.NotFound("watchlist.UpdateTemplate", "watchlist_template")
	}
	return t, err
}

// Delete soft-deletes a template, a no-op if it is already gone.
func (r *TemplateRepository) Delete(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE watchlist_templates SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
