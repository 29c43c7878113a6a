package mtfconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

// StalenessCascade is the narrow slice of signals.Service a config write
// needs, kept as an interface to avoid a package cycle.
type StalenessCascade interface {
	MarkStaleAll(ctx context.Context) (int, error)
	MarkStaleSymbol(ctx context.Context, symbol string) (int, error)
}

// Service implements the config store: global/override CRUD, field-wise
// effective resolution, and the write-triggered staleness cascade into
// the signal lifecycle engine.
type Service struct {
	repo    *Repository
	signals StalenessCascade
	log     zerolog.Logger
}

// NewService wires a Service over config.db and the signal cascade.
func NewService(repo *Repository, signals StalenessCascade, log zerolog.Logger) *Service {
	return &Service{repo: repo, signals: signals, log: log.With().Str("component", "mtfconfig").Logger()}
}

// GetGlobal returns the live singleton global config.
func (s *Service) GetGlobal(ctx context.Context) (domain.MtfGlobalConfig, error) {
	return s.repo.FindGlobal(ctx)
}

// PutGlobal upserts the global config and marks every non-terminal signal
// STALE, since every symbol's effective config potentially changed.
func (s *Service) PutGlobal(ctx context.Context, g domain.MtfGlobalConfig) (domain.MtfGlobalConfig, error) {
	saved, err := s.repo.UpsertGlobal(ctx, g, time.Now())
	if err != nil {
		return domain.MtfGlobalConfig{}, fmt.Errorf("upsert global config: %w", err)
	}
	if s.signals != nil {
		if n, serr := s.signals.MarkStaleAll(ctx); serr != nil {
			s.log.Warn().Err(serr).Msg("failed to cascade staleness after global config write")
		} else {
			s.log.Info().Int("count", n).Msg("marked signals stale after global config write")
		}
	}
	return saved, nil
}

// PutOverride upserts a per-(symbol, user_broker) override and marks only
// that symbol's non-terminal signals STALE.
func (s *Service) PutOverride(ctx context.Context, o domain.MtfSymbolConfig) (domain.MtfSymbolConfig, error) {
	saved, err := s.repo.UpsertOverride(ctx, o, time.Now())
	if err != nil {
		return domain.MtfSymbolConfig{}, fmt.Errorf("upsert symbol override: %w", err)
	}
	if s.signals != nil {
		if n, serr := s.signals.MarkStaleSymbol(ctx, o.Symbol); serr != nil {
			s.log.Warn().Err(serr).Str("symbol", o.Symbol).Msg("failed to cascade staleness after override write")
		} else {
			s.log.Info().Int("count", n).Str("symbol", o.Symbol).Msg("marked symbol signals stale after override write")
		}
	}
	return saved, nil
}

// ListOverrides returns every live per-symbol override.
func (s *Service) ListOverrides(ctx context.Context) ([]domain.MtfSymbolConfig, error) {
	return s.repo.ListOverrides(ctx)
}

// DeleteOverride removes a symbol's override and marks its signals stale,
// since its effective config reverts to the global default.
func (s *Service) DeleteOverride(ctx context.Context, symbol string, userBrokerID int64) error {
	ok, err := s.repo.DeleteOverride(ctx, symbol, userBrokerID, time.Now())
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if !ok {
		return apperr.NotFound("mtfconfig.DeleteOverride", "mtf_symbol_config")
	}
	if s.signals != nil {
		if n, serr := s.signals.MarkStaleSymbol(ctx, symbol); serr != nil {
			s.log.Warn().Err(serr).Str("symbol", symbol).Msg("failed to cascade staleness after override delete")
		} else {
			s.log.Info().Int("count", n).Str("symbol", symbol).Msg("marked symbol signals stale after override delete")
		}
	}
	return nil
}

// ResolveEffective overlays any live override for (symbol, userBrokerID)
// onto the global config, field-wise, implementing intents.ConfigResolver.
// A missing override is not an error: the global config applies as-is.
func (s *Service) ResolveEffective(ctx context.Context, symbol string, userBrokerID int64) (domain.MtfGlobalConfig, error) {
	global, err := s.repo.FindGlobal(ctx)
	if err != nil {
		return domain.MtfGlobalConfig{}, fmt.Errorf("resolve effective config: %w", err)
	}
	override, err := s.repo.FindOverride(ctx, symbol, userBrokerID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return global, nil
		}
		return domain.MtfGlobalConfig{}, fmt.Errorf("find override: %w", err)
	}
	return override.ResolveEffective(global), nil
}
