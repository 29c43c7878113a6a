package watchlist

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

func newTestTemplateRepo(t *testing.T) *TemplateRepository {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "config")
	t.Cleanup(cleanup)
	return NewTemplateRepository(db.Conn(), zerolog.Nop())
}

func TestTemplateCreate_AssignsIDEqualToRowID(t *testing.T) {
	repo := newTestTemplateRepo(t)
	tpl, err := repo.Create(context.Background(), "nifty50", []string{"RELIANCE", "TCS"}, time.Now())
	require.NoError(t, err)
	assert.NotZero(t, tpl.ID)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, tpl.Symbols)
}

func TestTemplateUpdateSymbols_InsertsSuccessorVersion(t *testing.T) {
	repo := newTestTemplateRepo(t)
	ctx := context.Background()
	tpl, err := repo.Create(ctx, "nifty50", []string{"RELIANCE"}, time.Now())
	require.NoError(t, err)

	revised, err := repo.UpdateSymbols(ctx, tpl.ID, tpl.Version, []string{"RELIANCE", "TCS"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, revised.Symbols)
}

func TestTemplateUpdateSymbols_StaleVersionReturnsConflict(t *testing.T) {
	repo := newTestTemplateRepo(t)
	ctx := context.Background()
	tpl, err := repo.Create(ctx, "nifty50", []string{"RELIANCE"}, time.Now())
	require.NoError(t, err)

	_, err = repo.UpdateSymbols(ctx, tpl.ID, tpl.Version, []string{"TCS"}, time.Now())
	require.NoError(t, err)

	_, err = repo.UpdateSymbols(ctx, tpl.ID, tpl.Version, []string{"INFY"}, time.Now())
	assert.Error(t, err)
}

func TestTemplateDelete_RemovesFromListAll(t *testing.T) {
	repo := newTestTemplateRepo(t)
	ctx := context.Background()
	tpl, err := repo.Create(ctx, "nifty50", []string{"RELIANCE"}, time.Now())
	require.NoError(t, err)

	ok, err := repo.Delete(ctx, tpl.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
