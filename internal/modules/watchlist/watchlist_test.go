package watchlist

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

type stubExecLister struct {
	userBrokerIDs []int64
}

func (s *stubExecLister) ListAllExec(ctx context.Context) ([]domain.UserBroker, error) {
	out := make([]domain.UserBroker, 0, len(s.userBrokerIDs))
	for _, id := range s.userBrokerIDs {
		out = append(out, domain.UserBroker{ID: id})
	}
	return out, nil
}

func newTestService(t *testing.T, execIDs ...int64) (*Service, *TemplateRepository, *SelectedRepository, *Repository) {
	t.Helper()
	db, cleanup := sentinelTesting.NewTestDB(t, "config")
	t.Cleanup(cleanup)

	templates := NewTemplateRepository(db.Conn(), zerolog.Nop())
	selected := NewSelectedRepository(db.Conn(), zerolog.Nop())
	entries := NewRepository(db.Conn(), zerolog.Nop())
	svc := NewService(templates, selected, entries, &stubExecLister{userBrokerIDs: execIDs}, zerolog.Nop())
	return svc, templates, selected, entries
}

func TestCreateSelection_RejectsSymbolOutsideTemplate(t *testing.T) {
	svc, templates, _, _ := newTestService(t, 1)
	ctx := context.Background()

	tpl, err := templates.Create(ctx, "nifty50", []string{"RELIANCE", "TCS"}, time.Now())
	require.NoError(t, err)

	_, err = svc.CreateSelection(ctx, "my-picks", tpl.ID, []string{"RELIANCE", "INFY"})
	assert.Error(t, err)
}

func TestCreateSelection_SyncsIntoEveryExecUserBroker(t *testing.T) {
	svc, templates, _, entries := newTestService(t, 10, 20)
	ctx := context.Background()

	tpl, err := templates.Create(ctx, "nifty50", []string{"RELIANCE", "TCS"}, time.Now())
	require.NoError(t, err)

	_, err = svc.CreateSelection(ctx, "my-picks", tpl.ID, []string{"RELIANCE", "TCS"})
	require.NoError(t, err)

	for _, ub := range []int64{10, 20} {
		rows, err := entries.ListByUserBroker(ctx, ub)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, row := range rows {
			assert.False(t, row.IsCustom)
		}
	}
}

func TestCustomSymbol_SurvivesResync(t *testing.T) {
	svc, templates, _, entries := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.AddCustomSymbol(ctx, 1, "ZOMATO", decimal.NewFromInt(1), decimal.NewFromFloat(0.05))
	require.NoError(t, err)

	tpl, err := templates.Create(ctx, "nifty50", []string{"RELIANCE"}, time.Now())
	require.NoError(t, err)
	_, err = svc.CreateSelection(ctx, "my-picks", tpl.ID, []string{"RELIANCE"})
	require.NoError(t, err)

	rows, err := entries.ListByUserBroker(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var custom, synced bool
	for _, row := range rows {
		if row.Symbol == "ZOMATO" {
			custom = row.IsCustom
		}
		if row.Symbol == "RELIANCE" {
			synced = !row.IsCustom
		}
	}
	assert.True(t, custom)
	assert.True(t, synced)
}

func TestDeleteSelection_ShrinksDefaultButDoesNotDeleteExistingEntries(t *testing.T) {
	svc, templates, selected, entries := newTestService(t, 1)
	ctx := context.Background()

	tpl, err := templates.Create(ctx, "nifty50", []string{"RELIANCE", "TCS"}, time.Now())
	require.NoError(t, err)
	sel, err := svc.CreateSelection(ctx, "my-picks", tpl.ID, []string{"RELIANCE", "TCS"})
	require.NoError(t, err)

	err = svc.DeleteSelection(ctx, sel.ID)
	require.NoError(t, err)

	all, err := selected.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	rows, err := entries.ListByUserBroker(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestApplyTick_UpdatesEveryLiveRowForSymbol(t *testing.T) {
	svc, templates, _, entries := newTestService(t, 1, 2)
	ctx := context.Background()

	tpl, err := templates.Create(ctx, "nifty50", []string{"RELIANCE"}, time.Now())
	require.NoError(t, err)
	_, err = svc.CreateSelection(ctx, "my-picks", tpl.ID, []string{"RELIANCE"})
	require.NoError(t, err)

	err = svc.ApplyTick(ctx, "RELIANCE", decimal.NewFromInt(2500), time.Now())
	require.NoError(t, err)

	for _, ub := range []int64{1, 2} {
		rows, err := entries.ListByUserBroker(ctx, ub)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].LastPrice.Equal(decimal.NewFromInt(2500)))
	}
}
