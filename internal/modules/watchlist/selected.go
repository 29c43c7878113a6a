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
)

const selectedColumns = `id, name, template_id, symbols_json, enabled, created_at, updated_at, deleted_at, version`

// SelectedRepository persists WatchlistSelected (L2) rows in config.db.
type SelectedRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSelectedRepository wires a SelectedRepository over config.db.
func NewSelectedRepository(configDB *sql.DB, log zerolog.Logger) *SelectedRepository {
	return &SelectedRepository{db: configDB, log: log.With().Str("repo", "watchlist_selected").Logger()}
}

func scanSelected(scan func(dest ...any) error) (domain.WatchlistSelected, error) {
	var s domain.WatchlistSelected
	var symbolsJSON string
	var enabled int
	var deletedAt sql.NullInt64
	if err := scan(&s.ID, &s.Name, &s.TemplateID, &symbolsJSON, &enabled, &s.CreatedAt, &s.UpdatedAt, &deletedAt, &s.Version); err != nil {
		return domain.WatchlistSelected{}, err
	}
	_ = json.Unmarshal([]byte(symbolsJSON), &s.Symbols)
	s.Enabled = enabled == 1
	if deletedAt.Valid {
		d := time.UnixMicro(deletedAt.Int64)
		s.DeletedAt = &d
	}
	return s, nil
}

// FindCurrentByID returns the live selection row.
func (r *SelectedRepository) FindCurrentByID(ctx context.Context, id int64) (domain.WatchlistSelected, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectedColumns+` FROM watchlist_selected WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := scanSelected(row.Scan)
	if err == sql.ErrNoRows {
		return domain.WatchlistSelected{}, apperr.NotFound("watchlist.FindSelected", "watchlist_selected")
	}
	return s, err
}

// ListEnabled returns every live, enabled selection — the rows L3 unions
// its symbol set from.
func (r *SelectedRepository) ListEnabled(ctx context.Context) ([]domain.WatchlistSelected, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectedColumns+` FROM watchlist_selected WHERE deleted_at IS NULL AND enabled = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled selections: %w", err)
	}
	defer rows.Close()
	var out []domain.WatchlistSelected
	for rows.Next() {
		s, err := scanSelected(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAll returns every live selection regardless of enabled state.
func (r *SelectedRepository) ListAll(ctx context.Context) ([]domain.WatchlistSelected, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectedColumns+` FROM watchlist_selected WHERE deleted_at IS NULL ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	defer rows.Close()
	var out []domain.WatchlistSelected
	for rows.Next() {
		s, err := scanSelected(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts a new named subset of templateID's symbols. symbols must
// already be a subset of the template's own symbol list; callers (the
// Service) are responsible for that validation.
func (r *SelectedRepository) Create(ctx context.Context, name string, templateID int64, symbols []string, now time.Time) (domain.WatchlistSelected, error) {
	symbolsJSON, err := json.Marshal(symbols)
	if err != nil {
		return domain.WatchlistSelected{}, fmt.Errorf("marshal symbols: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO watchlist_selected (id, name, template_id, symbols_json, enabled, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, 1, ?, ?, 1)`, name, templateID, string(symbolsJSON), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.WatchlistSelected{}, fmt.Errorf("insert selection: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.WatchlistSelected{}, err
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE watchlist_selected SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.WatchlistSelected{}, err
	}
	return r.FindCurrentByID(ctx, rowID)
}

// Delete soft-deletes a selection, a no-op if already gone.
func (r *SelectedRepository) Delete(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE watchlist_selected SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("delete selection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
