package intents

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/events"
	"github.com/sentinel-trading/backend/internal/modules/trades"
)

// SignalGetter is the narrow slice of signals.Repository the entry
// pipeline needs, kept as an interface to avoid a package cycle.
type SignalGetter interface {
	FindCurrentByID(ctx context.Context, id int64) (domain.Signal, error)
}

// UserBrokerGetter is the narrow slice of brokerconn.Repository needed to
// validate against a user-broker's risk policy.
type UserBrokerGetter interface {
	FindCurrentByID(ctx context.Context, id int64) (domain.UserBroker, error)
}

// PortfolioGetter resolves the portfolio backing a user-broker's capital.
type PortfolioGetter interface {
	FindByUserID(ctx context.Context, userID int64) (domain.Portfolio, error)
}

// ConfigResolver resolves the effective strategy config for a symbol and
// user-broker (global config overlaid by any matching override).
type ConfigResolver interface {
	ResolveEffective(ctx context.Context, symbol string, userBrokerID int64) (domain.MtfGlobalConfig, error)
}

// QuoteGetter fetches a live price used as the sizing/placement entry
// price, kept separate from domain.BrokerClient so callers can stub it
// without a full adapter.
type QuoteGetter interface {
	GetQuote(ctx context.Context, exchange, symbol string) (domain.Quote, error)
}

// Service implements the entry intent pipeline.
type Service struct {
	db         *sql.DB
	repo       *Repository
	trades     *trades.Repository
	signals    SignalGetter
	userBrokers UserBrokerGetter
	portfolios  PortfolioGetter
	config      ConfigResolver
	broker      domain.BrokerClient
	events      *events.Manager
	log         zerolog.Logger
}

// NewService wires a Service over ledger.db and its collaborators.
func NewService(
	ledgerDB *sql.DB,
	repo *Repository,
	tradeRepo *trades.Repository,
	signals SignalGetter,
	userBrokers UserBrokerGetter,
	portfolios PortfolioGetter,
	config ConfigResolver,
	broker domain.BrokerClient,
	evt *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		db: ledgerDB, repo: repo, trades: tradeRepo, signals: signals,
		userBrokers: userBrokers, portfolios: portfolios, config: config, broker: broker,
		events: evt, log: log.With().Str("component", "intents").Logger(),
	}
}

// FindCurrentByID returns the current row for a trade intent.
func (s *Service) FindCurrentByID(ctx context.Context, id int64) (domain.TradeIntent, error) {
	return s.repo.FindCurrentByID(ctx, id)
}

// Create runs the full entry pipeline for a newly-consumed delivery:
// create PENDING, validate, size, approve, upsert the trade row, place
// the order, and reconcile the synchronous outcome. It returns the final
// TradeIntent regardless of whether it ends REJECTED, FAILED, or PLACED
// — only a plumbing error returns err.
func (s *Service) Create(ctx context.Context, signalID, userBrokerID int64, exchange string) (domain.TradeIntent, error) {
	now := time.Now()

	signal, err := s.signals.FindCurrentByID(ctx, signalID)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("find signal %d: %w", signalID, err)
	}
	ub, err := s.userBrokers.FindCurrentByID(ctx, userBrokerID)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("find user broker %d: %w", userBrokerID, err)
	}

	intent, err := s.repo.CreatePending(ctx, signalID, userBrokerID, domain.OrderTypeMarket, domain.ProductDelivery, now)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("create pending intent: %w", err)
	}
	s.emit(ctx, "INTENT_CREATED", &ub, &intent.ID, nil, intent)

	// step 2: validate
	errs, err := s.validate(ctx, signal, ub)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("validate intent: %w", err)
	}
	if len(errs) > 0 {
		if err := s.repo.Reject(ctx, intent.ID, RejectInput{ValidationErrors: errs, ErrorCode: "VALIDATION_FAILED", ErrorMessage: errs[0].Message}, now); err != nil {
			return domain.TradeIntent{}, fmt.Errorf("reject intent: %w", err)
		}
		intent, _ = s.repo.FindCurrentByID(ctx, intent.ID)
		s.emit(ctx, "INTENT_REJECTED", &ub, &intent.ID, nil, intent)
		return intent, nil
	}

	portfolio, err := s.portfolios.FindByUserID(ctx, ub.UserID)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("find portfolio for user %d: %w", ub.UserID, err)
	}
	cfg, err := s.config.ResolveEffective(ctx, signal.Symbol, userBrokerID)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("resolve config: %w", err)
	}
	quote, err := s.broker.GetQuote(ctx, exchange, signal.Symbol)
	if err != nil {
		return domain.TradeIntent{}, apperr.AdapterUnavailable("intents.Create", err)
	}

	// step 3: size
	sized := computeSize(SizeInput{
		Signal: signal, UserBroker: ub, Portfolio: portfolio, Config: cfg,
		EntryPrice: quote.LastPrice, RangeATRRatio: signal.HTF.High.Sub(signal.HTF.Low).Abs(),
	})
	if sized.Rejected {
		if err := s.repo.Reject(ctx, intent.ID, RejectInput{ErrorCode: sized.RejectCode, ErrorMessage: sized.RejectMsg}, now); err != nil {
			return domain.TradeIntent{}, fmt.Errorf("reject intent on sizing gate: %w", err)
		}
		intent, _ = s.repo.FindCurrentByID(ctx, intent.ID)
		s.emit(ctx, "INTENT_REJECTED", &ub, &intent.ID, nil, intent)
		return intent, nil
	}

	// step 4: persist APPROVED
	if err := s.repo.Approve(ctx, intent.ID, ApproveInput{
		CalculatedQty: sized.Qty, CalculatedValue: sized.Value, LimitPrice: quote.LastPrice,
		LogImpact: sized.LogImpact, PortfolioExposureAfter: sized.Exposure,
	}, now); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("approve intent: %w", err)
	}
	intent, err = s.repo.FindCurrentByID(ctx, intent.ID)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	s.emit(ctx, "INTENT_APPROVED", &ub, &intent.ID, nil, intent)

	// step 5: single-writer trade upsert, CREATED, before any broker call
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("begin trade tx: %w", err)
	}
	trade, err := s.trades.CreateForIntent(ctx, tx, trades.CreateInput{
		IntentID: intent.ID, SignalID: signalID, UserBrokerID: userBrokerID, Symbol: signal.Symbol,
		Quantity: sized.Qty, EntryPrice: quote.LastPrice, EntryValue: sized.Value,
		ProductType: intent.ProductType, HTF: signal.HTF, ITF: signal.ITF, LTF: signal.LTF,
		TargetPrice: signal.EffectiveCeiling, StopPrice: signal.EffectiveFloor,
		ClientOrderID: strconv.FormatInt(intent.ID, 10),
	}, now)
	if err != nil {
		_ = tx.Rollback()
		return domain.TradeIntent{}, apperr.ConflictState("intents.Create", "trade", fmt.Errorf("trade upsert for intent %d: %w", intent.ID, err))
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("commit trade tx: %w", err)
	}
	s.emit(ctx, "TRADE_CREATED", &ub, &intent.ID, &trade.ID, trade)

	// step 6: place order via broker adapter, intent id as client order id
	result, err := s.broker.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: strconv.FormatInt(intent.ID, 10),
		Symbol:        signal.Symbol,
		Exchange:      exchange,
		Side:          "BUY",
		Quantity:      sized.Qty,
		OrderType:     domain.OrderTypeMarket,
		ProductType:   intent.ProductType,
	})

	// step 7: reconcile
	if err != nil {
		if ferr := s.repo.MarkFailed(ctx, intent.ID, "ADAPTER_REJECTED", err.Error(), now); ferr != nil {
			return domain.TradeIntent{}, fmt.Errorf("mark intent failed: %w", ferr)
		}
		if _, rerr := s.trades.MarkRejectedByIntentID(ctx, intent.ID, now); rerr != nil {
			return domain.TradeIntent{}, fmt.Errorf("mark rejected by intent: %w", rerr)
		}
		intent, _ = s.repo.FindCurrentByID(ctx, intent.ID)
		s.emit(ctx, "INTENT_FAILED", &ub, &intent.ID, &trade.ID, intent)
		return intent, nil
	}

	if err := s.repo.MarkPlaced(ctx, intent.ID, result.BrokerOrderID, now); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("mark intent placed: %w", err)
	}
	if _, err := s.trades.MarkPlaced(ctx, trade.ID, result.BrokerOrderID, now); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("mark trade placed: %w", err)
	}
	intent, err = s.repo.FindCurrentByID(ctx, intent.ID)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	s.emit(ctx, "INTENT_PLACED", &ub, &intent.ID, &trade.ID, intent)
	return intent, nil
}

// validate implements pipeline step 2: risk policy checks against the
// user-broker's limits and the signal's own status.
func (s *Service) validate(ctx context.Context, signal domain.Signal, ub domain.UserBroker) ([]domain.ValidationError, error) {
	var errs []domain.ValidationError
	if !ub.Risk.Allows(signal.Symbol) {
		errs = append(errs, domain.ValidationError{Code: "SYMBOL_BLOCKED", Field: "symbol", Message: "symbol is not allowed by this user-broker's risk policy"})
	}
	if ub.Risk.MaxOpenTrades > 0 {
		open, err := s.trades.FindOpenByUserBroker(ctx, ub.ID)
		if err != nil {
			return nil, fmt.Errorf("count open trades for user broker %d: %w", ub.ID, err)
		}
		if len(open) >= ub.Risk.MaxOpenTrades {
			errs = append(errs, domain.ValidationError{
				Code: "MAX_OPEN_TRADES_EXCEEDED", Field: "risk.max_open_trades",
				Message: fmt.Sprintf("user broker already has %d open trade(s), at or above its limit of %d", len(open), ub.Risk.MaxOpenTrades),
			})
		}
	}
	if signal.Status != domain.SignalActive && signal.Status != domain.SignalPublished {
		errs = append(errs, domain.ValidationError{Code: "SIGNAL_NOT_ACTIONABLE", Field: "signal.status", Message: "signal is not in an actionable state"})
	}
	return errs, nil
}

func (s *Service) emit(ctx context.Context, eventType string, ub *domain.UserBroker, intentID, tradeID *int64, payload any) {
	if s.events == nil {
		return
	}
	userID := ub.UserID
	ubID := ub.ID
	if _, err := s.events.Append(ctx, events.AppendInput{
		EventType: eventType, Scope: domain.ScopeUserBroker, UserID: &userID, UserBrokerID: &ubID,
		Payload: payload, IntentID: intentID, TradeID: tradeID,
	}); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to append event")
	}
}
