package portfolios

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "config")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestCreate_AssignsIDEqualToRowID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p, err := repo.Create(ctx, CreateInput{
		UserID: 1, Name: "main", TotalCapital: decimal.NewFromInt(100000),
		MaxPortfolioLogLoss: decimal.NewFromFloat(0.05), MaxSymbolWeight: decimal.NewFromFloat(0.2),
		MaxSymbols: 10, AllocationMode: "EQUAL_WEIGHT",
	}, time.Now())
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "ACTIVE", p.Status)
	assert.False(t, p.Paused)
	assert.True(t, p.TotalCapital.Equal(decimal.NewFromInt(100000)))
}

func TestFindByUserID_ReturnsOldestLiveRow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, CreateInput{UserID: 7, Name: "first", TotalCapital: decimal.NewFromInt(1000)}, time.Now())
	require.NoError(t, err)
	_, err = repo.Create(ctx, CreateInput{UserID: 7, Name: "second", TotalCapital: decimal.NewFromInt(2000)}, time.Now().Add(time.Second))
	require.NoError(t, err)

	p, err := repo.FindByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Name)
}

func TestFindByUserID_NotFoundForUnknownUser(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.FindByUserID(context.Background(), 999)
	assert.Error(t, err)
}

func TestUpdate_SoftDeletesAndInsertsSuccessorVersion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p, err := repo.Create(ctx, CreateInput{UserID: 1, Name: "main", TotalCapital: decimal.NewFromInt(100000)}, time.Now())
	require.NoError(t, err)

	updated, err := repo.Update(ctx, p.ID, p.Version, UpdateInput{
		TotalCapital: decimal.NewFromInt(150000), ReservedCapital: decimal.NewFromInt(5000),
		MaxSymbols: 12, AllocationMode: "EQUAL_WEIGHT", Status: "ACTIVE",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.True(t, updated.TotalCapital.Equal(decimal.NewFromInt(150000)))
	assert.True(t, updated.AvailableCapital().Equal(decimal.NewFromInt(145000)))
}

func TestUpdate_StaleVersionReturnsConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p, err := repo.Create(ctx, CreateInput{UserID: 1, Name: "main", TotalCapital: decimal.NewFromInt(100000)}, time.Now())
	require.NoError(t, err)

	_, err = repo.Update(ctx, p.ID, p.Version, UpdateInput{TotalCapital: decimal.NewFromInt(1), Status: "ACTIVE"}, time.Now())
	require.NoError(t, err)

	_, err = repo.Update(ctx, p.ID, p.Version, UpdateInput{TotalCapital: decimal.NewFromInt(2), Status: "ACTIVE"}, time.Now())
	assert.Error(t, err)
}
