package exits

import (
	"context"
	"database/sql"
	"fmt"
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

func newTestService(t *testing.T) (*Service, *sql.DB, *trades.Repository, *broker.MockAdapter) {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	tradeRepo := trades.NewRepository(db.Conn(), zerolog.Nop())
	adapter := broker.NewMockAdapter()
	svc := NewService(db.Conn(), repo, tradeRepo, adapter, nil, zerolog.Nop())
	return svc, db.Conn(), tradeRepo, adapter
}

// openTrade creates a CREATED trade for a fresh intent id and walks it
// through PLACED to OPEN, mirroring the entry pipeline's own transitions,
// so exit pipeline tests start from a realistic prior state.
func openTrade(t *testing.T, ctx context.Context, conn *sql.DB, tradeRepo *trades.Repository, intentID int64, now time.Time) domain.Trade {
	t.Helper()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := tradeRepo.CreateForIntent(ctx, tx, trades.CreateInput{
		IntentID: intentID, SignalID: 1, UserBrokerID: 7, Symbol: "NSE:TCS",
		Quantity: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), EntryValue: decimal.NewFromInt(1000),
		ProductType: domain.ProductDelivery, ClientOrderID: fmt.Sprintf("%d", intentID),
	}, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = tradeRepo.MarkPlaced(ctx, trade.ID, "BROKER-1", now)
	require.NoError(t, err)
	_, err = tradeRepo.MarkOpen(ctx, trade.ID, decimal.NewFromInt(100), now)
	require.NoError(t, err)

	opened, err := tradeRepo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	return opened
}

func TestDetect_ApprovesExitIntentForOpenTrade(t *testing.T) {
	svc, conn, tradeRepo, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	trade := openTrade(t, ctx, conn, tradeRepo, 1, now)

	intent, err := svc.Detect(ctx, trade.ID, domain.ExitReasonTarget, DetectInput{
		PriceAtDetection: decimal.NewFromInt(120),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentApproved, intent.Status)
	assert.Equal(t, 1, intent.EpisodeID)
}

func TestDetect_RejectsWhenTradeIsNotOpen(t *testing.T) {
	svc, conn, tradeRepo, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := tradeRepo.CreateForIntent(ctx, tx, trades.CreateInput{
		IntentID: 1, SignalID: 1, UserBrokerID: 7, Symbol: "NSE:TCS",
		Quantity: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), EntryValue: decimal.NewFromInt(1000),
		ProductType: domain.ProductDelivery, ClientOrderID: "1",
	}, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = svc.Detect(ctx, trade.ID, domain.ExitReasonTarget, DetectInput{PriceAtDetection: decimal.NewFromInt(120)})
	assert.Error(t, err)
}

func TestGenerateEpisode_IncrementsPerTradeReasonPair(t *testing.T) {
	svc, conn, tradeRepo, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	trade := openTrade(t, ctx, conn, tradeRepo, 2, now)

	first, err := svc.Detect(ctx, trade.ID, domain.ExitReasonTrailingStop, DetectInput{PriceAtDetection: decimal.NewFromInt(105)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.EpisodeID)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	next, err := GenerateEpisode(ctx, tx, trade.ID, domain.ExitReasonTrailingStop)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 2, next)

	other, err := GenerateEpisode(ctx, mustBegin(t, ctx, conn), trade.ID, domain.ExitReasonStop)
	require.NoError(t, err)
	assert.Equal(t, 1, other)
}

func TestPlace_TransitionsIntentAndTradeAtomically(t *testing.T) {
	svc, conn, tradeRepo, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	trade := openTrade(t, ctx, conn, tradeRepo, 3, now)
	intent, err := svc.Detect(ctx, trade.ID, domain.ExitReasonTarget, DetectInput{PriceAtDetection: decimal.NewFromInt(120)})
	require.NoError(t, err)

	placed, err := svc.Place(ctx, intent.ID, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPlaced, placed.Status)
	assert.NotEmpty(t, placed.BrokerOrderID)

	reloaded, err := tradeRepo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeExiting, reloaded.Status)
}

func TestPlace_MarksIntentFailedOnAdapterRejection(t *testing.T) {
	svc, conn, tradeRepo, adapter := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	trade := openTrade(t, ctx, conn, tradeRepo, 4, now)
	intent, err := svc.Detect(ctx, trade.ID, domain.ExitReasonTarget, DetectInput{PriceAtDetection: decimal.NewFromInt(120)})
	require.NoError(t, err)

	adapter.RejectNextOrder = true
	adapter.RejectReason = "exchange closed"

	failed, err := svc.Place(ctx, intent.ID, "NSE")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFailed, failed.Status)

	reloaded, err := tradeRepo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, reloaded.Status)
}

func TestCompleteFill_ClosesTradeWithRealizedOutcome(t *testing.T) {
	svc, conn, tradeRepo, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	trade := openTrade(t, ctx, conn, tradeRepo, 5, now)
	intent, err := svc.Detect(ctx, trade.ID, domain.ExitReasonTarget, DetectInput{PriceAtDetection: decimal.NewFromInt(120)})
	require.NoError(t, err)
	placed, err := svc.Place(ctx, intent.ID, "NSE")
	require.NoError(t, err)

	filled, err := svc.CompleteFill(ctx, placed.ID, trades.CloseInput{
		ExitPrice: decimal.NewFromInt(120), ExitTrigger: "TARGET_HIT",
		RealizedPnL: decimal.NewFromInt(200), RealizedLogReturn: decimal.NewFromFloat(0.18), HoldingDays: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFilled, filled.Status)

	closedTrade, err := tradeRepo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, closedTrade.Status)
	assert.True(t, closedTrade.RealizedPnL.Equal(decimal.NewFromInt(200)))
}

func mustBegin(t *testing.T, ctx context.Context, conn *sql.DB) *sql.Tx {
	t.Helper()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	return tx
}
