package intents

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/broker"
	"github.com/sentinel-trading/backend/internal/domain"
	"github.com/sentinel-trading/backend/internal/modules/trades"
	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

type fakeSignalGetter struct{ sig domain.Signal }

func (f fakeSignalGetter) FindCurrentByID(ctx context.Context, id int64) (domain.Signal, error) {
	return f.sig, nil
}

type fakeUserBrokerGetter struct{ ub domain.UserBroker }

func (f fakeUserBrokerGetter) FindCurrentByID(ctx context.Context, id int64) (domain.UserBroker, error) {
	return f.ub, nil
}

type fakePortfolioGetter struct{ p domain.Portfolio }

func (f fakePortfolioGetter) FindByUserID(ctx context.Context, userID int64) (domain.Portfolio, error) {
	return f.p, nil
}

type fakeConfigResolver struct{ cfg domain.MtfGlobalConfig }

func (f fakeConfigResolver) ResolveEffective(ctx context.Context, symbol string, userBrokerID int64) (domain.MtfGlobalConfig, error) {
	return f.cfg, nil
}

func baseSignal() domain.Signal {
	return domain.Signal{
		ID: 1, Symbol: "NSE:TCS", Status: domain.SignalActive,
		PWin: decimal.NewFromFloat(0.7), Kelly: decimal.NewFromFloat(0.5),
		EffectiveFloor: decimal.NewFromInt(90), EffectiveCeiling: decimal.NewFromInt(150),
		HTF: domain.ZoneBand{Low: decimal.NewFromInt(10), High: decimal.NewFromInt(20)},
	}
}

func baseConfig() domain.MtfGlobalConfig {
	return domain.MtfGlobalConfig{
		KellyFraction: decimal.NewFromFloat(0.1), UtilityAsymmetryRatio: decimal.NewFromFloat(0.5),
	}
}

func baseUserBroker() domain.UserBroker {
	return domain.UserBroker{ID: 7, UserID: 1, Risk: domain.RiskPolicy{}}
}

func basePortfolio() domain.Portfolio {
	return domain.Portfolio{ID: 1, UserID: 1, TotalCapital: decimal.NewFromInt(100000)}
}

func newTestIntentsService(t *testing.T, signal domain.Signal, ub domain.UserBroker, portfolio domain.Portfolio, cfg domain.MtfGlobalConfig) (*Service, *broker.MockAdapter) {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	tradeRepo := trades.NewRepository(db.Conn(), zerolog.Nop())
	adapter := broker.NewMockAdapter()

	svc := NewService(db.Conn(), repo, tradeRepo,
		fakeSignalGetter{sig: signal}, fakeUserBrokerGetter{ub: ub},
		fakePortfolioGetter{p: portfolio}, fakeConfigResolver{cfg: cfg},
		adapter, nil, zerolog.Nop())
	return svc, adapter
}

func TestCreate_PlacesOrderOnFullySuccessfulPipeline(t *testing.T) {
	svc, _ := newTestIntentsService(t, baseSignal(), baseUserBroker(), basePortfolio(), baseConfig())

	intent, err := svc.Create(context.Background(), 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPlaced, intent.Status)
	assert.NotEmpty(t, intent.BrokerOrderID)
}

func TestCreate_RejectsWhenSymbolIsBlockedByRiskPolicy(t *testing.T) {
	ub := baseUserBroker()
	ub.Risk.BlockSymbols = []string{"NSE:TCS"}
	svc, _ := newTestIntentsService(t, baseSignal(), ub, basePortfolio(), baseConfig())

	intent, err := svc.Create(context.Background(), 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRejected, intent.Status)
	assert.Equal(t, "VALIDATION_FAILED", intent.ErrorCode)
}

func TestCreate_RejectsOnInactiveSignal(t *testing.T) {
	signal := baseSignal()
	signal.Status = domain.SignalStale
	svc, _ := newTestIntentsService(t, signal, baseUserBroker(), basePortfolio(), baseConfig())

	intent, err := svc.Create(context.Background(), 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRejected, intent.Status)
}

func TestCreate_RejectsOnSizingGateFailure(t *testing.T) {
	svc, adapter := newTestIntentsService(t, baseSignal(), baseUserBroker(), basePortfolio(), baseConfig())
	adapter.Quotes["NSE:TCS"] = decimal.Zero // invalid entry price fails the sizing gate

	intent, err := svc.Create(context.Background(), 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRejected, intent.Status)
	assert.Equal(t, "INVALID_PRICE", intent.ErrorCode)
}

func TestCreate_MarksFailedAndCascadesTradeRejectionOnAdapterRejection(t *testing.T) {
	svc, adapter := newTestIntentsService(t, baseSignal(), baseUserBroker(), basePortfolio(), baseConfig())
	adapter.RejectNextOrder = true
	adapter.RejectReason = "exchange closed"

	intent, err := svc.Create(context.Background(), 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFailed, intent.Status)

	trade, err := svc.trades.FindByIntentID(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeRejected, trade.Status)
}

func TestCreate_RejectsWhenUserBrokerIsAtItsMaxOpenTrades(t *testing.T) {
	ub := baseUserBroker()
	ub.Risk.MaxOpenTrades = 1
	svc, _ := newTestIntentsService(t, baseSignal(), ub, basePortfolio(), baseConfig())
	ctx := context.Background()

	first, err := svc.Create(ctx, 1, 7, "NSE")
	require.NoError(t, err)
	require.Equal(t, domain.IntentPlaced, first.Status)
	firstTrade, err := svc.trades.FindByIntentID(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.trades.MarkOpen(ctx, firstTrade.ID, decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)

	second, err := svc.Create(ctx, 1, 7, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRejected, second.Status)
	assert.Equal(t, "VALIDATION_FAILED", second.ErrorCode)
}

func TestCreate_EachCallProducesItsOwnIntentAndTrade(t *testing.T) {
	svc, _ := newTestIntentsService(t, baseSignal(), baseUserBroker(), basePortfolio(), baseConfig())
	ctx := context.Background()

	first, err := svc.Create(ctx, 1, 7, "NSE")
	require.NoError(t, err)
	second, err := svc.Create(ctx, 1, 7, "NSE")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	firstTrade, err := svc.trades.FindByIntentID(ctx, first.ID)
	require.NoError(t, err)
	secondTrade, err := svc.trades.FindByIntentID(ctx, second.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstTrade.ID, secondTrade.ID)
}
