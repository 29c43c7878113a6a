package deliveries

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/domain"
	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

type stubUserBrokerLister struct {
	brokers []domain.UserBroker
}

func (s *stubUserBrokerLister) ListEligibleForSymbol(ctx context.Context, symbol string) ([]domain.UserBroker, error) {
	return s.brokers, nil
}

func newTestService(t *testing.T, brokers []domain.UserBroker) *Service {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	return NewService(db.Conn(), repo, &stubUserBrokerLister{brokers: brokers}, nil, zerolog.Nop())
}

func eligibleUserBroker(id int64) domain.UserBroker {
	return domain.UserBroker{
		ID: id, Role: domain.RoleExec, Enabled: true,
		Status: domain.UserBrokerStatusActive, UserStatus: domain.UserStatusActive,
	}
}

func TestFanOut_CreatesOneDeliveryPerEligibleUserBroker(t *testing.T) {
	svc := newTestService(t, []domain.UserBroker{eligibleUserBroker(1), eligibleUserBroker(2)})
	ctx := context.Background()

	created, err := svc.FanOut(ctx, domain.Signal{ID: 10, Symbol: "NSE:RELIANCE"})
	require.NoError(t, err)
	assert.Len(t, created, 2)
	for _, d := range created {
		assert.Equal(t, domain.DeliveryCreated, d.Status)
	}
}

func TestFanOut_SkipsIneligibleUserBrokers(t *testing.T) {
	blocked := eligibleUserBroker(1)
	blocked.Status = domain.UserBrokerStatusBlocked
	svc := newTestService(t, []domain.UserBroker{blocked, eligibleUserBroker(2)})
	ctx := context.Background()

	created, err := svc.FanOut(ctx, domain.Signal{ID: 10, Symbol: "NSE:RELIANCE"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(2), created[0].UserBrokerID)
}

func TestConsumeDelivery_ExactlyOneWinnerUnderConcurrency(t *testing.T) {
	svc := newTestService(t, []domain.UserBroker{eligibleUserBroker(1)})
	ctx := context.Background()

	created, err := svc.FanOut(ctx, domain.Signal{ID: 10, Symbol: "NSE:RELIANCE"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	deliveryID := created[0].ID

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.ConsumeDelivery(ctx, deliveryID, int64(1000+i))
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent consumer must win the race")
}

func TestConsumeDelivery_FailsOnAlreadyConsumed(t *testing.T) {
	svc := newTestService(t, []domain.UserBroker{eligibleUserBroker(1)})
	ctx := context.Background()

	created, err := svc.FanOut(ctx, domain.Signal{ID: 10, Symbol: "NSE:RELIANCE"})
	require.NoError(t, err)
	deliveryID := created[0].ID

	ok, err := svc.ConsumeDelivery(ctx, deliveryID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ConsumeDelivery(ctx, deliveryID, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
