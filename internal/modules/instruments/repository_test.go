package instruments

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/domain"
	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func sampleInstruments() []domain.Instrument {
	return []domain.Instrument{
		{Exchange: "NSE", TradingSymbol: "RELIANCE", Name: "Reliance Industries", LotSize: decimal.NewFromInt(1), TickSize: decimal.NewFromFloat(0.05)},
		{Exchange: "NSE", TradingSymbol: "XRELINFRA", Name: "Reliance Infra Holding", LotSize: decimal.NewFromInt(1), TickSize: decimal.NewFromFloat(0.05)},
		{Exchange: "NSE", TradingSymbol: "TCS", Name: "Tata Consultancy Services", LotSize: decimal.NewFromInt(1), TickSize: decimal.NewFromFloat(0.05)},
	}
}

func TestRefreshAll_UpsertsAndIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n, err := repo.RefreshAll(ctx, "zerodha", sampleInstruments())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	updated := sampleInstruments()
	updated[0].Name = "Reliance Industries Ltd"
	n, err = repo.RefreshAll(ctx, "zerodha", updated)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	found, err := repo.FindByExchangeSymbol(ctx, "NSE", "RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, "Reliance Industries Ltd", found.Name)
}

func TestSearch_RanksPrefixBeforeSubstring(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.RefreshAll(ctx, "zerodha", sampleInstruments())
	require.NoError(t, err)

	results, err := repo.Search(ctx, "REL", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "RELIANCE", results[0].TradingSymbol)
	assert.Equal(t, "XRELINFRA", results[1].TradingSymbol)
}

func TestSearch_EmptyQueryReturnsNothing(t *testing.T) {
	repo := newTestRepo(t)
	results, err := repo.Search(context.Background(), "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
