package exits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/events"
	"github.com/sentinel-trading/backend/internal/modules/trades"
)

// TradeGetter is the narrow slice of trades.Repository the exit pipeline
// needs, kept as an interface to avoid re-exporting the whole repository.
type TradeGetter interface {
	FindCurrentByID(ctx context.Context, id int64) (domain.Trade, error)
}

// Service implements the exit intent pipeline.
type Service struct {
	db     *sql.DB
	repo   *Repository
	trades *trades.Repository
	broker domain.BrokerClient
	events *events.Manager
	log    zerolog.Logger
}

// NewService wires a Service over ledger.db and its collaborators.
func NewService(ledgerDB *sql.DB, repo *Repository, tradeRepo *trades.Repository, broker domain.BrokerClient, evt *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		db: ledgerDB, repo: repo, trades: tradeRepo, broker: broker, events: evt,
		log: log.With().Str("component", "exits").Logger(),
	}
}

// Detect runs pipeline steps 1-3: race-free episode generation, DETECTED
// ExitSignal insertion, PENDING ExitIntent creation, and the move to
// APPROVED. No validation runs, so Detect never produces a REJECTED
// intent.
func (s *Service) Detect(ctx context.Context, tradeID int64, reason domain.ExitReason, det DetectInput) (domain.ExitIntent, error) {
	now := time.Now()
	trade, err := s.trades.FindCurrentByID(ctx, tradeID)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("find trade %d: %w", tradeID, err)
	}
	if trade.Status != domain.TradeOpen {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Detect", "trade", fmt.Errorf("trade %d is not OPEN", tradeID))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("begin detect tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Take the write lock on the trade row before reading max(episode_id),
	// so concurrent detectors serialize here instead of reading the same max.
	if _, err := tx.ExecContext(ctx, `UPDATE trades SET updated_at = updated_at WHERE id = ? AND deleted_at IS NULL`, tradeID); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("lock trade %d: %w", tradeID, err)
	}

	det.TradeID = tradeID
	det.ExitReason = reason
	episodeID, err := GenerateEpisode(ctx, tx, tradeID, reason)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	signal, err := InsertSignal(ctx, tx, episodeID, det, now)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("commit detect tx: %w", err)
	}
	s.emitSignal(ctx, "EXIT_SIGNAL_DETECTED", trade, signal)

	if ok, err := s.repo.ConsumeSignal(ctx, signal.ID, now); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("consume exit signal: %w", err)
	} else if !ok {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Detect", "exit_signal", fmt.Errorf("signal %d already consumed", signal.ID))
	}

	intent, err := s.repo.CreateIntentPending(ctx, signal, trade.UserBrokerID, now)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("create pending exit intent: %w", err)
	}

	if err := s.repo.Approve(ctx, intent.ID, now); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("approve exit intent: %w", err)
	}
	intent, err = s.repo.FindIntentCurrentByID(ctx, intent.ID)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	s.emitIntent(ctx, "EXIT_INTENT_APPROVED", trade, intent)
	return intent, nil
}

// Place runs pipeline step 4: place_exit_order. It calls the broker
// adapter, then atomically transitions the exit intent APPROVED->PLACED
// and the trade OPEN->EXITING in one commit on success, or records the
// adapter failure on the intent otherwise.
func (s *Service) Place(ctx context.Context, exitIntentID int64, exchange string) (domain.ExitIntent, error) {
	now := time.Now()
	intent, err := s.repo.FindIntentCurrentByID(ctx, exitIntentID)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("find exit intent %d: %w", exitIntentID, err)
	}
	trade, err := s.trades.FindCurrentByID(ctx, intent.TradeID)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("find trade %d: %w", intent.TradeID, err)
	}

	side := "SELL"
	result, err := s.broker.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: fmt.Sprintf("exit-%d", intent.ID),
		Symbol:        trade.Symbol,
		Exchange:      exchange,
		Side:          side,
		Quantity:      trade.Quantity,
		OrderType:     domain.OrderTypeMarket,
		ProductType:   trade.ProductType,
	})
	if err != nil {
		if ferr := s.repo.MarkFailed(ctx, intent.ID, "ADAPTER_REJECTED", err.Error(), now); ferr != nil {
			return domain.ExitIntent{}, fmt.Errorf("mark exit intent failed: %w", ferr)
		}
		intent, _ = s.repo.FindIntentCurrentByID(ctx, intent.ID)
		s.emitIntent(ctx, "EXIT_INTENT_FAILED", trade, intent)
		return intent, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("begin place tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placed, err := PlaceExitOrder(ctx, tx, intent.ID, result.BrokerOrderID, now)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	if !placed {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Place", "exit_intent", fmt.Errorf("intent %d is not APPROVED", intent.ID))
	}
	if ok, err := s.trades.MarkExiting(ctx, tx, trade.ID, result.BrokerOrderID, now); err != nil {
		return domain.ExitIntent{}, err
	} else if !ok {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Place", "trade", fmt.Errorf("trade %d is not OPEN", trade.ID))
	}
	if err := tx.Commit(); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("commit place tx: %w", err)
	}

	intent, err = s.repo.FindIntentCurrentByID(ctx, intent.ID)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	s.emitIntent(ctx, "EXIT_INTENT_PLACED", trade, intent)
	return intent, nil
}

// Retry re-attempts placement for a FAILED exit intent, used by the
// background reconciler. It resets the intent to APPROVED only if
// retry_count is still under maxRetries, then runs Place again; a
// FAILED intent past the retry cap is left untouched and the caller
// should surface it for operator attention instead.
func (s *Service) Retry(ctx context.Context, exitIntentID int64, exchange string, maxRetries int) (domain.ExitIntent, error) {
	now := time.Now()
	reset, err := s.repo.ResetForRetry(ctx, exitIntentID, maxRetries, now)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("reset exit intent %d for retry: %w", exitIntentID, err)
	}
	if !reset {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Retry", "exit_intent", fmt.Errorf("intent %d is not eligible for retry", exitIntentID))
	}
	return s.Place(ctx, exitIntentID, exchange)
}

// CompleteFill records a broker fill confirmation: the exit intent moves
// PLACED->FILLED and the paired trade moves EXITING->CLOSED with its
// realized outcome, in one commit.
func (s *Service) CompleteFill(ctx context.Context, exitIntentID int64, close trades.CloseInput) (domain.ExitIntent, error) {
	now := time.Now()
	intent, err := s.repo.FindIntentCurrentByID(ctx, exitIntentID)
	if err != nil {
		return domain.ExitIntent{}, fmt.Errorf("find exit intent %d: %w", exitIntentID, err)
	}
	if ok, err := s.repo.MarkFilled(ctx, exitIntentID, now); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("mark exit intent filled: %w", err)
	} else if !ok {
		return domain.ExitIntent{}, apperr.ConflictState("exits.CompleteFill", "exit_intent", fmt.Errorf("intent %d is not PLACED", exitIntentID))
	}
	if ok, err := s.trades.MarkClosed(ctx, intent.TradeID, close, now); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("mark trade closed: %w", err)
	} else if !ok {
		return domain.ExitIntent{}, apperr.ConflictState("exits.CompleteFill", "trade", fmt.Errorf("trade %d is not EXITING", intent.TradeID))
	}
	intent, err = s.repo.FindIntentCurrentByID(ctx, exitIntentID)
	if err != nil {
		return domain.ExitIntent{}, err
	}
	if trade, terr := s.trades.FindCurrentByID(ctx, intent.TradeID); terr == nil {
		s.emitIntent(ctx, "EXIT_INTENT_FILLED", trade, intent)
	}
	return intent, nil
}

// Cancel aborts a non-terminal exit intent (operator-driven).
func (s *Service) Cancel(ctx context.Context, exitIntentID int64) (domain.ExitIntent, error) {
	now := time.Now()
	if ok, err := s.repo.MarkCancelled(ctx, exitIntentID, now); err != nil {
		return domain.ExitIntent{}, fmt.Errorf("cancel exit intent: %w", err)
	} else if !ok {
		return domain.ExitIntent{}, apperr.ConflictState("exits.Cancel", "exit_intent", fmt.Errorf("intent %d is already terminal", exitIntentID))
	}
	return s.repo.FindIntentCurrentByID(ctx, exitIntentID)
}

func (s *Service) emitSignal(ctx context.Context, eventType string, trade domain.Trade, signal domain.ExitSignal) {
	if s.events == nil {
		return
	}
	ubID := trade.UserBrokerID
	if _, err := s.events.Append(ctx, events.AppendInput{
		EventType: eventType, Scope: domain.ScopeUserBroker, UserBrokerID: &ubID,
		Payload: signal, TradeID: &trade.ID,
	}); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to append event")
	}
}

func (s *Service) emitIntent(ctx context.Context, eventType string, trade domain.Trade, intent domain.ExitIntent) {
	if s.events == nil {
		return
	}
	ubID := trade.UserBrokerID
	if _, err := s.events.Append(ctx, events.AppendInput{
		EventType: eventType, Scope: domain.ScopeUserBroker, UserBrokerID: &ubID,
		Payload: intent, TradeID: &trade.ID, IntentID: &intent.ID,
	}); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to append event")
	}
}
