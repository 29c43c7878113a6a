package brokerconn

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
	itesting "github.com/sentinel-trading/backend/internal/testing"
)

func newTestService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	db, cleanup := itesting.NewTestDB(t, "config")
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	client := broker.NewMockAdapter()
	return NewService(repo, client, zerolog.Nop()), repo
}

func insertUserBroker(t *testing.T, repo *Repository) int64 {
	t.Helper()
	now := time.Now().UnixMicro()
	res, err := repo.db.Exec(`
		INSERT INTO user_brokers (id, user_id, user_status, broker_id, role, connected, risk_json, status, enabled, created_at, updated_at, version)
		VALUES (0, 1, 'ACTIVE', 1, 'EXEC', 0, '{}', 'ACTIVE', 1, ?, ?, 1)`, now, now)
	require.NoError(t, err)
	rowID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = repo.db.Exec(`UPDATE user_brokers SET id = ? WHERE row_id = ?`, rowID, rowID)
	require.NoError(t, err)
	return rowID
}

func TestExchangeAuthCode_CreatesSessionOnFirstCall(t *testing.T) {
	svc, repo := newTestService(t)
	ubID := insertUserBroker(t, repo)

	result, err := svc.ExchangeAuthCode(context.Background(), ubID, "auth-code-1")
	require.NoError(t, err)
	require.False(t, result.AlreadyDone)
	require.NotZero(t, result.Session.ID)
}

func TestExchangeAuthCode_SecondCallShortCircuitsWithAlreadyDone(t *testing.T) {
	svc, repo := newTestService(t)
	ubID := insertUserBroker(t, repo)
	ctx := context.Background()

	first, err := svc.ExchangeAuthCode(ctx, ubID, "auth-code-1")
	require.NoError(t, err)
	require.False(t, first.AlreadyDone)

	second, err := svc.ExchangeAuthCode(ctx, ubID, "auth-code-2")
	require.NoError(t, err)
	require.True(t, second.AlreadyDone)
	require.Equal(t, first.Session.ID, second.Session.ID)
}

func TestExchangeAuthCode_AfterEndSessionExchangesAgain(t *testing.T) {
	svc, repo := newTestService(t)
	ubID := insertUserBroker(t, repo)
	ctx := context.Background()

	first, err := svc.ExchangeAuthCode(ctx, ubID, "auth-code-1")
	require.NoError(t, err)

	require.NoError(t, svc.EndSession(ctx, ubID))

	second, err := svc.ExchangeAuthCode(ctx, ubID, "auth-code-2")
	require.NoError(t, err)
	require.False(t, second.AlreadyDone)
	require.NotEqual(t, first.Session.ID, second.Session.ID)
}

func TestListEligibleForSymbol_OnlyReturnsActiveEnabledExecLinks(t *testing.T) {
	svc, repo := newTestService(t)
	_ = svc
	now := time.Now().UnixMicro()

	activeID := insertUserBroker(t, repo)

	res, err := repo.db.Exec(`
		INSERT INTO user_brokers (id, user_id, user_status, broker_id, role, connected, risk_json, status, enabled, created_at, updated_at, version)
		VALUES (0, 2, 'ACTIVE', 1, 'EXEC', 0, '{}', 'INACTIVE', 1, ?, ?, 1)`, now, now)
	require.NoError(t, err)
	rowID, _ := res.LastInsertId()
	_, err = repo.db.Exec(`UPDATE user_brokers SET id = ? WHERE row_id = ?`, rowID, rowID)
	require.NoError(t, err)

	list, err := repo.ListEligibleForSymbol(context.Background(), "RELIANCE")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, activeID, list[0].ID)
}

func TestCreateUserBroker_StartsPendingAndDisconnected(t *testing.T) {
	svc, _ := newTestService(t)
	ub, err := svc.CreateUserBroker(context.Background(), CreateInput{
		UserID: 1, BrokerID: 1, Role: domain.RoleExec, Risk: domain.RiskPolicy{PerTradeCap: decimal.NewFromInt(1000)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UserBrokerStatus("PENDING"), ub.Status)
	assert.False(t, ub.Connected)
	assert.True(t, ub.Enabled)
}

func TestListUserBrokers_ReturnsEveryCreatedLink(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserBroker(ctx, CreateInput{UserID: 1, BrokerID: 1, Role: domain.RoleExec})
	require.NoError(t, err)
	_, err = svc.CreateUserBroker(ctx, CreateInput{UserID: 2, BrokerID: 1, Role: domain.RoleData})
	require.NoError(t, err)

	list, err := svc.ListUserBrokers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestToggleUserBroker_FlipsEnabledAndPersists(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ub, err := svc.CreateUserBroker(ctx, CreateInput{UserID: 1, BrokerID: 1, Role: domain.RoleExec})
	require.NoError(t, err)
	require.True(t, ub.Enabled)

	toggled, err := svc.ToggleUserBroker(ctx, ub.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	got, err := svc.FindUserBroker(ctx, ub.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestToggleUserBroker_NotFoundOnUnknownID(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ToggleUserBroker(context.Background(), 999999, true)
	assert.Error(t, err)
}

func TestDeleteUserBroker_SoftDeletesAndEndsAnyLiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ub, err := svc.CreateUserBroker(ctx, CreateInput{UserID: 1, BrokerID: 1, Role: domain.RoleExec})
	require.NoError(t, err)

	_, err = svc.ExchangeAuthCode(ctx, ub.ID, "auth-code-1")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUserBroker(ctx, ub.ID))

	_, err = svc.FindUserBroker(ctx, ub.ID)
	assert.Error(t, err, "a soft-deleted link must no longer be found")
}

func TestDataBroker_ReturnsTheSingleRoleDataLink(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserBroker(ctx, CreateInput{UserID: 1, BrokerID: 1, Role: domain.RoleExec})
	require.NoError(t, err)
	dataLink, err := svc.CreateUserBroker(ctx, CreateInput{UserID: 1, BrokerID: 1, Role: domain.RoleData})
	require.NoError(t, err)

	got, err := svc.DataBroker(ctx)
	require.NoError(t, err)
	assert.Equal(t, dataLink.ID, got.ID)
}

func TestListBrokers_ReturnsEmptyCatalogWhenUnseeded(t *testing.T) {
	svc, _ := newTestService(t)
	list, err := svc.ListBrokers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
