package mtfconfig

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

type stubCascade struct {
	allCalls    int
	symbolCalls []string
}

func (s *stubCascade) MarkStaleAll(ctx context.Context) (int, error) {
	s.allCalls++
	return 3, nil
}

func (s *stubCascade) MarkStaleSymbol(ctx context.Context, symbol string) (int, error) {
	s.symbolCalls = append(s.symbolCalls, symbol)
	return 1, nil
}

func newTestService(t *testing.T) (*Service, *stubCascade) {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "config")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	cascade := &stubCascade{}
	return NewService(repo, cascade, zerolog.Nop()), cascade
}

func sampleGlobal() domain.MtfGlobalConfig {
	return domain.MtfGlobalConfig{
		HTFCandleCount: 50, HTFMinutes: 240, ITFCandleCount: 50, ITFMinutes: 60,
		LTFCandleCount: 50, LTFMinutes: 15,
		HTFWeight: decimal.NewFromFloat(0.5), ITFWeight: decimal.NewFromFloat(0.3), LTFWeight: decimal.NewFromFloat(0.2),
		BuyZonePercentTier1: decimal.NewFromFloat(0.01), BuyZonePercentTier2: decimal.NewFromFloat(0.02),
		ConfluenceThreshold: decimal.NewFromFloat(0.6), ConfluenceMultiplier: decimal.NewFromFloat(1.2),
		PositionLogLossCap: decimal.NewFromFloat(0.02), PortfolioLogLossCap: decimal.NewFromFloat(0.1),
		KellyFraction: decimal.NewFromFloat(0.5),
		TrailingStopActivatePct: decimal.NewFromFloat(0.01), TrailingStopDistancePct: decimal.NewFromFloat(0.005),
		VelocityThrottleRangeATR: decimal.NewFromFloat(1.5), UtilityAsymmetryRatio: decimal.NewFromFloat(1.0),
	}
}

func TestPutGlobal_CreatesThenRevisesSingleton(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()

	g, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)
	assert.NotZero(t, g.ID)
	assert.Equal(t, 1, g.Version)
	assert.Equal(t, 1, cascade.allCalls)

	g.KellyFraction = decimal.NewFromFloat(0.4)
	revised, err := svc.PutGlobal(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, g.ID, revised.ID)
	assert.Equal(t, 2, revised.Version)
	assert.True(t, revised.KellyFraction.Equal(decimal.NewFromFloat(0.4)))
	assert.Equal(t, 2, cascade.allCalls)
}

func TestResolveEffective_FallsBackToGlobalWithoutOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	global, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	eff, err := svc.ResolveEffective(ctx, "NSE:RELIANCE", 1)
	require.NoError(t, err)
	assert.True(t, eff.KellyFraction.Equal(global.KellyFraction))
}

func TestResolveEffective_OverlaysOverrideFields(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	kelly := decimal.NewFromFloat(0.1)
	_, err = svc.PutOverride(ctx, domain.MtfSymbolConfig{
		Symbol: "NSE:RELIANCE", UserBrokerID: 1, KellyFraction: &kelly,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE:RELIANCE"}, cascade.symbolCalls)

	eff, err := svc.ResolveEffective(ctx, "NSE:RELIANCE", 1)
	require.NoError(t, err)
	assert.True(t, eff.KellyFraction.Equal(kelly))
	assert.True(t, eff.HTFWeight.Equal(decimal.NewFromFloat(0.5)))

	other, err := svc.ResolveEffective(ctx, "NSE:RELIANCE", 2)
	require.NoError(t, err)
	assert.True(t, other.KellyFraction.Equal(decimal.NewFromFloat(0.5)))
}

func TestPutOverride_RevisesExistingOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	kelly1 := decimal.NewFromFloat(0.1)
	o1, err := svc.PutOverride(ctx, domain.MtfSymbolConfig{Symbol: "NSE:TCS", UserBrokerID: 5, KellyFraction: &kelly1})
	require.NoError(t, err)

	kelly2 := decimal.NewFromFloat(0.2)
	o2, err := svc.PutOverride(ctx, domain.MtfSymbolConfig{Symbol: "NSE:TCS", UserBrokerID: 5, KellyFraction: &kelly2})
	require.NoError(t, err)

	assert.Equal(t, o1.ID, o2.ID)
	assert.Equal(t, 2, o2.Version)
}

func TestListOverrides_ReturnsEveryLiveOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	kelly := decimal.NewFromFloat(0.1)
	_, err = svc.PutOverride(ctx, domain.MtfSymbolConfig{Symbol: "NSE:TCS", UserBrokerID: 5, KellyFraction: &kelly})
	require.NoError(t, err)
	_, err = svc.PutOverride(ctx, domain.MtfSymbolConfig{Symbol: "NSE:INFY", UserBrokerID: 5, KellyFraction: &kelly})
	require.NoError(t, err)

	list, err := svc.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDeleteOverride_CascadesStaleAndRemovesFromListing(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()
	_, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	kelly := decimal.NewFromFloat(0.1)
	_, err = svc.PutOverride(ctx, domain.MtfSymbolConfig{Symbol: "NSE:TCS", UserBrokerID: 5, KellyFraction: &kelly})
	require.NoError(t, err)
	cascade.symbolCalls = nil

	require.NoError(t, svc.DeleteOverride(ctx, "NSE:TCS", 5))
	assert.Equal(t, []string{"NSE:TCS"}, cascade.symbolCalls, "deleting an override must re-stale signals on that symbol")

	list, err := svc.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteOverride_NotFoundOnUnknownOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.PutGlobal(ctx, sampleGlobal())
	require.NoError(t, err)

	err = svc.DeleteOverride(ctx, "NSE:UNKNOWN", 99)
	assert.Error(t, err)
}
