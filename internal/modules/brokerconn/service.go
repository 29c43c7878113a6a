package brokerconn

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

// ExchangeResult is the outcome of an OAuth code exchange: AlreadyDone
// reports whether the caller's authCode was redundant — a live ACTIVE
// session already existed and the broker was never re-contacted.
type ExchangeResult struct {
	UserBroker  domain.UserBroker
	Session     domain.UserBrokerSession
	AlreadyDone bool
}

// Service implements the OAuth exchange and session lifecycle half of
// broker connectivity.
type Service struct {
	repo   *Repository
	client domain.BrokerClient
	log    zerolog.Logger
}

// NewService wires a Service over repo and the broker adapter used to
// exchange auth codes.
func NewService(repo *Repository, client domain.BrokerClient, log zerolog.Logger) *Service {
	return &Service{repo: repo, client: client, log: log.With().Str("component", "brokerconn").Logger()}
}

// ExchangeAuthCode implements the idempotent OAuth callback contract: if
// userBrokerID already has a live ACTIVE session, the broker is never
// re-contacted and the existing session is returned with AlreadyDone=true.
// Otherwise authCode is exchanged, a new ACTIVE session is created (ending
// any prior one), and AlreadyDone=false.
func (s *Service) ExchangeAuthCode(ctx context.Context, userBrokerID int64, authCode string) (ExchangeResult, error) {
	ub, err := s.repo.FindCurrentByID(ctx, userBrokerID)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("find user broker %d: %w", userBrokerID, err)
	}

	if existing, err := s.repo.FindActiveSession(ctx, userBrokerID); err == nil {
		s.log.Info().Int64("user_broker_id", userBrokerID).Msg("oauth exchange short-circuited, active session exists")
		return ExchangeResult{UserBroker: ub, Session: existing, AlreadyDone: true}, nil
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return ExchangeResult{}, fmt.Errorf("check active session: %w", err)
	}

	accessToken, expiresInSeconds, err := s.client.ExchangeAuthCode(ctx, authCode)
	if err != nil {
		return ExchangeResult{}, apperr.AdapterRejected("brokerconn.ExchangeAuthCode", err)
	}

	session, err := s.repo.CreateSession(ctx, userBrokerID, accessToken, expiresInSeconds)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().Int64("user_broker_id", userBrokerID).Int64("session_id", session.ID).Msg("oauth exchange completed")
	return ExchangeResult{UserBroker: ub, Session: session, AlreadyDone: false}, nil
}

// EndSession revokes userBrokerID's ACTIVE session, and tears down the
// shared adapter's live connection, used when a user disconnects a
// broker link from the admin surface.
func (s *Service) EndSession(ctx context.Context, userBrokerID int64) error {
	if _, err := s.repo.FindActiveSession(ctx, userBrokerID); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil
		}
		return fmt.Errorf("find active session: %w", err)
	}
	if err := s.repo.RevokeActiveSession(ctx, userBrokerID); err != nil {
		return err
	}
	return s.client.Disconnect(ctx)
}

// ListBrokers returns the connectable-venue catalog.
func (s *Service) ListBrokers(ctx context.Context) ([]domain.Broker, error) {
	return s.repo.ListBrokers(ctx)
}

// ListUserBrokers returns every live user-broker link.
func (s *Service) ListUserBrokers(ctx context.Context) ([]domain.UserBroker, error) {
	return s.repo.ListAll(ctx)
}

// FindUserBroker returns a single live user-broker link by id.
func (s *Service) FindUserBroker(ctx context.Context, id int64) (domain.UserBroker, error) {
	return s.repo.FindCurrentByID(ctx, id)
}

// CreateUserBroker links a user to a broker, PENDING its first OAuth
// exchange.
func (s *Service) CreateUserBroker(ctx context.Context, in CreateInput) (domain.UserBroker, error) {
	return s.repo.Create(ctx, in, time.Now())
}

// ToggleUserBroker flips a link's enabled flag.
func (s *Service) ToggleUserBroker(ctx context.Context, id int64, enabled bool) (domain.UserBroker, error) {
	ok, err := s.repo.ToggleEnabled(ctx, id, enabled, time.Now())
	if err != nil {
		return domain.UserBroker{}, err
	}
	if !ok {
		return domain.UserBroker{}, apperr.NotFound("brokerconn.ToggleUserBroker", "user_broker")
	}
	return s.repo.FindCurrentByID(ctx, id)
}

// DeleteUserBroker soft-deletes a link, ending any live session first.
func (s *Service) DeleteUserBroker(ctx context.Context, id int64) error {
	if err := s.EndSession(ctx, id); err != nil {
		return fmt.Errorf("end session before delete: %w", err)
	}
	ok, err := s.repo.Delete(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("brokerconn.DeleteUserBroker", "user_broker")
	}
	return nil
}

// DataBroker returns the single live role=DATA user-broker link, if any.
func (s *Service) DataBroker(ctx context.Context) (domain.UserBroker, error) {
	return s.repo.FindDataBroker(ctx)
}

// ActiveSession returns a user-broker's live ACTIVE session, if any.
func (s *Service) ActiveSession(ctx context.Context, userBrokerID int64) (domain.UserBrokerSession, error) {
	return s.repo.FindActiveSession(ctx, userBrokerID)
}

// TestConnection probes the shared adapter with a harmless read, used by
// the admin surface's per-link connectivity check. Since every
// user-broker shares one adapter instance in this deployment, the result
// reflects the adapter's current session, not userBrokerID specifically.
func (s *Service) TestConnection(ctx context.Context, userBrokerID int64) error {
	if _, err := s.repo.FindCurrentByID(ctx, userBrokerID); err != nil {
		return err
	}
	if !s.client.IsConnected() {
		return apperr.AdapterUnavailable("brokerconn.TestConnection", fmt.Errorf("adapter reports not connected"))
	}
	if _, err := s.client.GetQuote(ctx, "NSE", "RELIANCE"); err != nil {
		return apperr.AdapterUnavailable("brokerconn.TestConnection", err)
	}
	return nil
}
