package deliveries

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/events"
)

// UserBrokerLister is the narrow slice of the user-broker repository the
// fan-out needs, kept as an interface to avoid a package cycle with
// internal/modules/brokerconn.
type UserBrokerLister interface {
	ListEligibleForSymbol(ctx context.Context, symbol string) ([]domain.UserBroker, error)
}

// Service implements the delivery fan-out and consumption operations.
type Service struct {
	db          *sql.DB
	repo        *Repository
	userBrokers UserBrokerLister
	events      *events.Manager
	log         zerolog.Logger
}

// NewService wires a Service over ledger.db, the user-broker eligibility
// source, and the event log.
func NewService(ledgerDB *sql.DB, repo *Repository, userBrokers UserBrokerLister, evt *events.Manager, log zerolog.Logger) *Service {
	return &Service{db: ledgerDB, repo: repo, userBrokers: userBrokers, events: evt, log: log.With().Str("component", "deliveries").Logger()}
}

// FanOut creates one SignalDelivery per user-broker eligible for symbol,
// per domain.UserBroker.EligibleForFanout: enabled, ACTIVE EXEC role,
// parent user ACTIVE, and symbol allow/block-list clears the policy.
func (s *Service) FanOut(ctx context.Context, signal domain.Signal) ([]domain.SignalDelivery, error) {
	eligible, err := s.userBrokers.ListEligibleForSymbol(ctx, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("list eligible user-brokers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fan-out tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var created []domain.SignalDelivery
	for _, ub := range eligible {
		if !ub.EligibleForFanout(signal.Symbol) {
			continue
		}
		d, err := s.repo.Create(ctx, tx, signal.ID, ub.ID, now)
		if err != nil {
			return nil, err
		}
		created = append(created, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fan-out: %w", err)
	}

	for _, d := range created {
		if s.events == nil {
			continue
		}
		ub := d.UserBrokerID
		_, _ = s.events.Append(ctx, events.AppendInput{
			EventType: "DELIVERY_CREATED", Scope: domain.ScopeUserBroker,
			UserBrokerID: &ub, SignalID: &d.SignalID, CreatedBy: "deliveries.FanOut", Payload: d,
		})
	}

	s.log.Info().Int64("signal_id", signal.ID).Int("count", len(created)).Msg("fanned out signal delivery")
	return created, nil
}

// ConsumeDelivery is the single-use consumption entrypoint: exactly one
// concurrent caller observes ok=true for a given deliveryID.
func (s *Service) ConsumeDelivery(ctx context.Context, deliveryID, intentID int64) (bool, error) {
	ok, err := s.repo.ConsumeDelivery(ctx, deliveryID, intentID)
	if err != nil {
		return false, err
	}
	if ok && s.events != nil {
		_, _ = s.events.Append(ctx, events.AppendInput{
			EventType: "DELIVERY_CONSUMED", Scope: domain.ScopeGlobal,
			IntentID: &intentID, CreatedBy: "deliveries.ConsumeDelivery",
			Payload: map[string]any{"delivery_id": deliveryID, "intent_id": intentID},
		})
	}
	return ok, nil
}

// ExpireAllForSignal implements signals.DeliveryCascade for the time-based
// expiry path.
func (s *Service) ExpireAllForSignal(ctx context.Context, signalID int64) error {
	affected, err := s.repo.bulkTransition(ctx, signalID, domain.DeliveryExpired)
	if err != nil {
		return err
	}
	s.log.Debug().Int64("signal_id", signalID).Int64("count", affected).Msg("expired deliveries for signal")
	return nil
}

// CancelAllForSignal implements signals.DeliveryCascade for the
// operator-cancellation path.
func (s *Service) CancelAllForSignal(ctx context.Context, signalID int64) error {
	affected, err := s.repo.bulkTransition(ctx, signalID, domain.DeliveryCancelled)
	if err != nil {
		return err
	}
	s.log.Debug().Int64("signal_id", signalID).Int64("count", affected).Msg("cancelled deliveries for signal")
	return nil
}
