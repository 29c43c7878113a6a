package trades

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/domain"
	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func sampleCreateInput(intentID int64) CreateInput {
	zone := domain.ZoneBand{Low: decimal.NewFromInt(10), High: decimal.NewFromInt(20)}
	return CreateInput{
		IntentID: intentID, SignalID: 1, UserBrokerID: 1, Symbol: "NSE:TCS",
		Quantity: decimal.NewFromInt(50), EntryPrice: decimal.NewFromInt(100), EntryValue: decimal.NewFromInt(5000),
		ProductType: domain.ProductDelivery, HTF: zone, ITF: zone, LTF: zone,
		TargetPrice: decimal.NewFromInt(150), StopPrice: decimal.NewFromInt(90),
		ClientOrderID: "1",
	}
}

func TestCreateForIntent_RejectsASecondTradeForTheSameIntent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.CreateForIntent(ctx, tx, sampleCreateInput(42), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.CreateForIntent(ctx, tx2, sampleCreateInput(42), now)
	assert.Error(t, err)
	_ = tx2.Rollback()
}

func TestMarkPlaced_IsNoOpUnlessTradeIsCreated(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := repo.CreateForIntent(ctx, tx, sampleCreateInput(1), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	ok, err := repo.MarkPlaced(ctx, trade.ID, "BROKER-ORDER-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// already PENDING, a second attempt is a no-op
	ok, err = repo.MarkPlaced(ctx, trade.ID, "BROKER-ORDER-2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradePending, got.Status)
	assert.Equal(t, "BROKER-ORDER-1", got.BrokerOrderID)
}

func TestMarkRejectedByIntentID_IsNoOpUnlessTradeIsCreated(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := repo.CreateForIntent(ctx, tx, sampleCreateInput(2), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = repo.MarkPlaced(ctx, trade.ID, "BROKER-ORDER", now)
	require.NoError(t, err)

	ok, err := repo.MarkRejectedByIntentID(ctx, 2, now)
	require.NoError(t, err)
	assert.False(t, ok, "trade is PENDING, not CREATED, so the reject cascade must not fire")

	got, err := repo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradePending, got.Status)
}

func TestMarkRejectedByIntentID_TransitionsCreatedToRejected(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := repo.CreateForIntent(ctx, tx, sampleCreateInput(3), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	ok, err := repo.MarkRejectedByIntentID(ctx, 3, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeRejected, got.Status)
	assert.Equal(t, trade.ID, got.ID)
}

func TestMarkOpenThenMarkExitingThenMarkClosed_FullLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := repo.CreateForIntent(ctx, tx, sampleCreateInput(4), now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = repo.MarkPlaced(ctx, trade.ID, "BROKER-ORDER", now)
	require.NoError(t, err)

	ok, err := repo.MarkOpen(ctx, trade.ID, decimal.NewFromInt(101), now)
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale attempt against the wrong prior state is a no-op
	ok, err = repo.MarkOpen(ctx, trade.ID, decimal.NewFromInt(101), now)
	require.NoError(t, err)
	assert.False(t, ok)

	exitTx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err = repo.MarkExiting(ctx, exitTx, trade.ID, "EXIT-ORDER", now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, exitTx.Commit())

	ok, err = repo.MarkClosed(ctx, trade.ID, CloseInput{
		ExitPrice: decimal.NewFromInt(110), ExitTrigger: "TARGET_HIT",
		RealizedPnL: decimal.NewFromInt(500), RealizedLogReturn: decimal.NewFromFloat(0.09), HoldingDays: 3,
	}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindCurrentByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, got.Status)
	assert.True(t, decimal.NewFromInt(500).Equal(got.RealizedPnL))
}

func TestFindOpenByUserBroker_OnlyReturnsOpenAndExitingTrades(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	openInput := sampleCreateInput(5)
	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	openTrade, err := repo.CreateForIntent(ctx, tx, openInput, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	_, err = repo.MarkPlaced(ctx, openTrade.ID, "ORDER-A", now)
	require.NoError(t, err)
	_, err = repo.MarkOpen(ctx, openTrade.ID, decimal.NewFromInt(100), now)
	require.NoError(t, err)

	createdOnlyInput := sampleCreateInput(6)
	tx2, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.CreateForIntent(ctx, tx2, createdOnlyInput, now)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	open, err := repo.FindOpenByUserBroker(ctx, openInput.UserBrokerID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, openTrade.ID, open[0].ID)
}
