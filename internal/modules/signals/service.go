package signals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/events"
)

// DeliveryCascade is the narrow slice of the delivery manager the signal
// service needs for update_status cascades, kept as an interface to avoid
// a import cycle with internal/modules/deliveries.
type DeliveryCascade interface {
	ExpireAllForSignal(ctx context.Context, signalID int64) error
	CancelAllForSignal(ctx context.Context, signalID int64) error
}

// Service implements the signal lifecycle operations.
type Service struct {
	db         *sql.DB
	repo       *Repository
	deliveries DeliveryCascade
	events     *events.Manager
	log        zerolog.Logger
}

// NewService wires a Service over ledger.db, the delivery cascade
// dependency, and the event log.
func NewService(ledgerDB *sql.DB, repo *Repository, deliveries DeliveryCascade, evt *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		db:         ledgerDB,
		repo:       repo,
		deliveries: deliveries,
		events:     evt,
		log:        log.With().Str("component", "signals").Logger(),
	}
}

// FindCurrentByID returns the current row for a signal.
func (s *Service) FindCurrentByID(ctx context.Context, id int64) (domain.Signal, error) {
	return s.repo.FindCurrentByID(ctx, id)
}

// UpsertInput is the caller-supplied half of a Signal; server-assigned
// fields (id, version, status, timestamps) are filled in by Upsert.
type UpsertInput struct {
	Symbol         string
	ConfluenceType string
	SignalDay      string
	Direction      string
	SignalType     string
	HTF, ITF, LTF  domain.ZoneBand
	PWin           decimal.Decimal
	PFill          decimal.Decimal
	Kelly          decimal.Decimal
	Floor          decimal.Decimal
	Ceiling        decimal.Decimal
	Confidence     decimal.Decimal
	Tags           map[string]string
	GeneratedAt    int64
	ExpiresAt      int64
}

// Upsert is the idempotent ingest entrypoint: a conflicting row on the
// dedupe tuple (symbol, confluence_type, signal_day, floor, ceiling) is
// reset back to ACTIVE with refreshed timing fields instead of
// duplicated; otherwise a brand-new ACTIVE signal is inserted.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (domain.Signal, error) {
	floor := in.Floor.Round(2)
	ceiling := in.Ceiling.Round(2)

	var result domain.Signal
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := findCurrentByDedupeForUpdate(tx, in.Symbol, in.ConfluenceType, in.SignalDay, floor, ceiling)
		now := time.Now()

		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}

		if err == nil {
			// Conflict: idempotent re-arm back to ACTIVE.
			existing.Direction = in.Direction
			existing.SignalType = in.SignalType
			existing.HTF, existing.ITF, existing.LTF = in.HTF, in.ITF, in.LTF
			existing.PWin, existing.PFill, existing.Kelly = in.PWin, in.PFill, in.Kelly
			existing.Confidence = in.Confidence
			existing.Tags = in.Tags
			existing.GeneratedAt = in.GeneratedAt
			existing.ExpiresAt = in.ExpiresAt
			existing.Status = domain.SignalActive
			priorVersion := existing.Version
			if err := updateCurrent(tx, existing, now); err != nil {
				return err
			}
			existing.Version = priorVersion + 1
			existing.UpdatedAt = now
			result = existing
			return nil
		}

		fresh := domain.Signal{
			Symbol: in.Symbol, ConfluenceType: in.ConfluenceType, SignalDay: in.SignalDay,
			Direction: in.Direction, SignalType: in.SignalType,
			HTF: in.HTF, ITF: in.ITF, LTF: in.LTF,
			PWin: in.PWin, PFill: in.PFill, Kelly: in.Kelly,
			EffectiveFloor: floor, EffectiveCeiling: ceiling, Confidence: in.Confidence,
			Tags: in.Tags, GeneratedAt: in.GeneratedAt, ExpiresAt: in.ExpiresAt,
			Status: domain.SignalActive,
		}
		id, err := insertNew(tx, fresh, now)
		if err != nil {
			return err
		}
		fresh.ID = id
		fresh.Version = 1
		fresh.CreatedAt, fresh.UpdatedAt = now, now
		result = fresh
		return nil
	})
	if err != nil {
		return domain.Signal{}, err
	}

	if s.events != nil {
		_, _ = s.events.Append(ctx, events.AppendInput{
			EventType: "SIGNAL_UPSERTED", Scope: domain.ScopeGlobal,
			SignalID: &result.ID, CreatedBy: "signals.Upsert", Payload: result,
		})
	}
	return result, nil
}

// UpdateStatus transitions a signal to a terminal or PUBLISHED status and
// runs the matching delivery cascade: CANCELLED -> CancelAllForSignal,
// EXPIRED -> ExpireAllForSignal.
func (s *Service) UpdateStatus(ctx context.Context, id int64, newStatus domain.SignalStatus) error {
	var sig domain.Signal
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+signalColumns+` FROM signals WHERE id = ? AND deleted_at IS NULL`, id)
		found, err := scanSignal(row.Scan)
		if err == sql.ErrNoRows {
			return apperr.NotFound("signals.UpdateStatus", "signal")
		}
		if err != nil {
			return err
		}
		found.Status = newStatus
		if err := updateCurrent(tx, found, time.Now()); err != nil {
			return err
		}
		sig = found
		return nil
	})
	if err != nil {
		return err
	}

	if s.deliveries != nil {
		switch newStatus {
		case domain.SignalCancelled:
			if err := s.deliveries.CancelAllForSignal(ctx, id); err != nil {
				return fmt.Errorf("cascade cancel deliveries: %w", err)
			}
		case domain.SignalExpired:
			if err := s.deliveries.ExpireAllForSignal(ctx, id); err != nil {
				return fmt.Errorf("cascade expire deliveries: %w", err)
			}
		}
	}

	if s.events != nil {
		_, _ = s.events.Append(ctx, events.AppendInput{
			EventType: "SIGNAL_STATUS_CHANGED", Scope: domain.ScopeGlobal,
			SignalID: &id, CreatedBy: "signals.UpdateStatus",
			Payload: map[string]any{"signal_id": id, "status": string(newStatus)},
		})
	}
	return nil
}

// MarkStaleAll marks every ACTIVE/PUBLISHED signal without dependent
// trades STALE, used when the global config changes.
func (s *Service) MarkStaleAll(ctx context.Context) (int, error) {
	return s.markStale(ctx, s.repo.FindAllActiveOrPublished)
}

// MarkStaleSymbol is the per-symbol variant, used on a symbol-level
// config override change.
func (s *Service) MarkStaleSymbol(ctx context.Context, symbol string) (int, error) {
	return s.markStale(ctx, func(ctx context.Context) ([]domain.Signal, error) {
		return s.repo.FindActiveOrPublishedBySymbol(ctx, symbol)
	})
}

func (s *Service) markStale(ctx context.Context, list func(ctx context.Context) ([]domain.Signal, error)) (int, error) {
	candidates, err := list(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sig := range candidates {
		hasDependents, err := s.repo.HasDependentTrades(ctx, sig.ID)
		if err != nil {
			return count, err
		}
		if hasDependents {
			continue
		}
		if err := s.UpdateStatus(ctx, sig.ID, domain.SignalStale); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ExpireDueSignals finds signals expiring within window and transitions
// each to EXPIRED, cascading delivery expiry. Intended to be called by the
// expiry scheduler on a tick.
func (s *Service) ExpireDueSignals(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	due, err := s.repo.FindExpiringSoon(ctx, now, window)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sig := range due {
		if sig.ExpiresAt > now.UnixMicro() {
			continue // still within the lookahead window but not yet due
		}
		if err := s.UpdateStatus(ctx, sig.ID, domain.SignalExpired); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
