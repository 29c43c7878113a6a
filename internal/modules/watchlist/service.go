package watchlist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

// ExecLister enumerates every execution-capable user-broker a sync must
// reach, narrowly satisfied by brokerconn.Repository.ListAllExec.
type ExecLister interface {
	ListAllExec(ctx context.Context) ([]domain.UserBroker, error)
}

// Service orchestrates the four-level hierarchy: L1/L2 curation plus the
// L2-change -> L3-delta -> L4-sync cascade.
type Service struct {
	templates *TemplateRepository
	selected  *SelectedRepository
	entries   *Repository
	execs     ExecLister
	log       zerolog.Logger
}

// NewService wires a Service from its four collaborators.
func NewService(templates *TemplateRepository, selected *SelectedRepository, entries *Repository, execs ExecLister, log zerolog.Logger) *Service {
	return &Service{templates: templates, selected: selected, entries: entries, execs: execs, log: log.With().Str("service", "watchlist").Logger()}
}

// CreateTemplate inserts a new L1 template.
func (s *Service) CreateTemplate(ctx context.Context, name string, symbols []string) (domain.WatchlistTemplate, error) {
	return s.templates.Create(ctx, name, symbols, time.Now())
}

// CreateSelection inserts a new L2 selection restricted to templateID's
// own symbols, then runs the sync cascade so every execution-capable
// user-broker immediately sees the new L3 delta.
func (s *Service) CreateSelection(ctx context.Context, name string, templateID int64, symbols []string) (domain.WatchlistSelected, error) {
	tpl, err := s.templates.FindCurrentByID(ctx, templateID)
	if err != nil {
		return domain.WatchlistSelected{}, err
	}
	allowed := make(map[string]struct{}, len(tpl.Symbols))
	for _, sym := range tpl.Symbols {
		allowed[sym] = struct{}{}
	}
	for _, sym := range symbols {
		if _, ok := allowed[sym]; !ok {
			return domain.WatchlistSelected{}, apperr.ValidationFailed("watchlist.CreateSelection",
				fmt.Errorf("symbol %s is not in template %d", sym, templateID))
		}
	}

	sel, err := s.selected.Create(ctx, name, templateID, symbols, time.Now())
	if err != nil {
		return domain.WatchlistSelected{}, err
	}
	if _, err := s.Sync(ctx); err != nil {
		s.log.Error().Err(err).Int64("selection_id", sel.ID).Msg("post-create sync failed")
	}
	return sel, nil
}

// DeleteSelection soft-deletes an L2 row and re-runs the cascade so the
// now-smaller L3 delta is reflected; rows no longer in L3 are left alone
// by design (sync only upserts a delta, it never prunes L4 on shrink, so a
// shrunk default watchlist does not retroactively delete anyone's rows).
func (s *Service) DeleteSelection(ctx context.Context, id int64) error {
	ok, err := s.selected.Delete(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ConflictState("watchlist.DeleteSelection", "watchlist_selected", nil)
	}
	if _, err := s.Sync(ctx); err != nil {
		s.log.Error().Err(err).Int64("selection_id", id).Msg("post-delete sync failed")
	}
	return nil
}

// Default returns the current L3 view.
func (s *Service) Default(ctx context.Context) ([]string, error) {
	return DefaultSymbols(ctx, s.selected)
}

// Sync force-recomputes L3 and upserts it into every execution-capable
// user-broker's L4 rows, marking synced rows non-custom. Rows whose
// symbol is not in L3 are never touched here; a custom row whose symbol
// is in L3 is marked non-custom like any other synced row.
func (s *Service) Sync(ctx context.Context) (int, error) {
	symbols, err := s.Default(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute default symbols: %w", err)
	}
	targets, err := s.execs.ListAllExec(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sync targets: %w", err)
	}

	now := time.Now()
	total := 0
	for _, ub := range targets {
		n, err := s.entries.syncSymbols(ctx, ub.ID, symbols, now)
		if err != nil {
			return total, fmt.Errorf("sync user_broker %d: %w", ub.ID, err)
		}
		total += n
	}
	s.log.Info().Int("user_brokers", len(targets)).Int("symbols", len(symbols)).Msg("watchlist sync complete")
	return total, nil
}

// AddCustomSymbol adds a user-chosen symbol outside the template system.
func (s *Service) AddCustomSymbol(ctx context.Context, userBrokerID int64, symbol string, lotSize, tickSize decimal.Decimal) (domain.WatchlistEntry, error) {
	return s.entries.AddCustom(ctx, userBrokerID, symbol, lotSize, tickSize, time.Now())
}

// RemoveCustomSymbol removes a user's own custom addition.
func (s *Service) RemoveCustomSymbol(ctx context.Context, userBrokerID int64, symbol string) error {
	ok, err := s.entries.RemoveCustom(ctx, userBrokerID, symbol, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("watchlist.RemoveCustomSymbol", "watchlist_entry")
	}
	return nil
}

// ListEntries returns every live L4 row for a user-broker.
func (s *Service) ListEntries(ctx context.Context, userBrokerID int64) ([]domain.WatchlistEntry, error) {
	return s.entries.ListByUserBroker(ctx, userBrokerID)
}

// ToggleEntry flips a live L4 row's enabled flag.
func (s *Service) ToggleEntry(ctx context.Context, id int64, enabled bool) error {
	ok, err := s.entries.ToggleEnabled(ctx, id, enabled, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("watchlist.ToggleEntry", "watchlist_entry")
	}
	return nil
}

// ListTemplates returns every live L1 template.
func (s *Service) ListTemplates(ctx context.Context) ([]domain.WatchlistTemplate, error) {
	return s.templates.ListAll(ctx)
}

// ReplaceTemplateSymbols overwrites templateID's symbol list.
func (s *Service) ReplaceTemplateSymbols(ctx context.Context, templateID int64, symbols []string) (domain.WatchlistTemplate, error) {
	current, err := s.templates.FindCurrentByID(ctx, templateID)
	if err != nil {
		return domain.WatchlistTemplate{}, err
	}
	return s.templates.UpdateSymbols(ctx, templateID, current.Version, symbols, time.Now())
}

// DeleteTemplate soft-deletes an L1 template.
func (s *Service) DeleteTemplate(ctx context.Context, id int64) error {
	ok, err := s.templates.Delete(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("watchlist.DeleteTemplate", "watchlist_template")
	}
	return nil
}

// ListSelections returns every live L2 selection.
func (s *Service) ListSelections(ctx context.Context) ([]domain.WatchlistSelected, error) {
	return s.selected.ListAll(ctx)
}

// FindSelection returns a single live L2 selection.
func (s *Service) FindSelection(ctx context.Context, id int64) (domain.WatchlistSelected, error) {
	return s.selected.FindCurrentByID(ctx, id)
}

// ApplyTick pushes a price update to every live L4 row for symbol.
func (s *Service) ApplyTick(ctx context.Context, symbol string, price decimal.Decimal, tickTime time.Time) error {
	_, err := s.entries.UpdateTick(ctx, symbol, price, tickTime)
	return err
}
