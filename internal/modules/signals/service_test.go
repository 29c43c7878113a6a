package signals

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

type stubDeliveryCascade struct {
	expiredSignals   []int64
	cancelledSignals []int64
}

func (s *stubDeliveryCascade) ExpireAllForSignal(ctx context.Context, signalID int64) error {
	s.expiredSignals = append(s.expiredSignals, signalID)
	return nil
}

func (s *stubDeliveryCascade) CancelAllForSignal(ctx context.Context, signalID int64) error {
	s.cancelledSignals = append(s.cancelledSignals, signalID)
	return nil
}

func newTestService(t *testing.T) (*Service, *stubDeliveryCascade) {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	cascade := &stubDeliveryCascade{}
	svc := NewService(db.Conn(), repo, cascade, nil, zerolog.Nop())
	return svc, cascade
}

func sampleUpsertInput() UpsertInput {
	band := domain.ZoneBand{Low: decimal.NewFromFloat(100), High: decimal.NewFromFloat(110)}
	return UpsertInput{
		Symbol: "NSE:RELIANCE", ConfluenceType: "HTF_ITF_LTF", SignalDay: "2026-07-30",
		Direction: "LONG", SignalType: "BREAKOUT",
		HTF: band, ITF: band, LTF: band,
		PWin: decimal.NewFromFloat(0.62), PFill: decimal.NewFromFloat(0.8), Kelly: decimal.NewFromFloat(0.1),
		Floor: decimal.NewFromFloat(2450.125), Ceiling: decimal.NewFromFloat(2465.875),
		Confidence: decimal.NewFromFloat(0.7), GeneratedAt: 1000, ExpiresAt: 2000,
	}
}

func TestUpsert_CreatesNewActiveSignal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sig, err := svc.Upsert(ctx, sampleUpsertInput())
	require.NoError(t, err)
	assert.NotZero(t, sig.ID)
	assert.Equal(t, domain.SignalActive, sig.Status)
	assert.Equal(t, 1, sig.Version)
	// half-up rounding to 2dp
	assert.Equal(t, "2450.13", sig.EffectiveFloor.StringFixed(2))
	assert.Equal(t, "2465.88", sig.EffectiveCeiling.StringFixed(2))
}

func TestUpsert_IsIdempotentOnDedupeConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, sampleUpsertInput())
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, first.ID, domain.SignalPublished))

	second, err := svc.Upsert(ctx, sampleUpsertInput())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-arming an existing dedupe tuple must reuse the same signal id")
	assert.Equal(t, domain.SignalActive, second.Status, "re-upsert resets an already-published signal back to ACTIVE")
	assert.Greater(t, second.Version, first.Version)
}

func TestUpdateStatus_CancelledCascadesToDeliveries(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()

	sig, err := svc.Upsert(ctx, sampleUpsertInput())
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, sig.ID, domain.SignalCancelled))
	assert.Contains(t, cascade.cancelledSignals, sig.ID)
	assert.Empty(t, cascade.expiredSignals)
}

func TestMarkStaleAll_SkipsSignalsWithDependentTrades(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sig, err := svc.Upsert(ctx, sampleUpsertInput())
	require.NoError(t, err)

	_, err = svc.db.ExecContext(ctx, `INSERT INTO trades
		(id, intent_id, signal_id, user_broker_id, symbol, quantity, entry_price, entry_value, product_type,
		 htf_low, htf_high, itf_low, itf_high, ltf_low, ltf_high, target_price, stop_price,
		 status, created_at, updated_at, version)
		VALUES (1, 1, ?, 1, 'NSE:RELIANCE', '10', '100', '1000', 'DELIVERY',
		 '0', '0', '0', '0', '0', '0', '0', '0', 'OPEN', 0, 0, 1)`, sig.ID)
	require.NoError(t, err)

	count, err := svc.MarkStaleAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "a signal with a dependent trade must never be marked stale")
}
