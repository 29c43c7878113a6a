package monitoring

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelTesting "github.com/sentinel-trading/backend/internal/testing"
)

func TestSnapshot_CountsExpiredAndExpiringSoonSessions(t *testing.T) {
	configDB, cleanupConfig := sentinelTesting.NewTestDB(t, "config")
	t.Cleanup(cleanupConfig)
	ledgerDB, cleanupLedger := sentinelTesting.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	cacheDB, cleanupCache := sentinelTesting.NewTestDB(t, "cache")
	t.Cleanup(cleanupCache)

	now := time.Now()
	_, err := configDB.Conn().Exec(`
		INSERT INTO user_brokers (id, user_id, user_status, broker_id, role, connected, risk_json, status, enabled, created_at, updated_at, version)
		VALUES (0, 1, 'ACTIVE', 1, 'EXEC', 0, '{}', 'ACTIVE', 1, ?, ?, 1)`, now.UnixMicro(), now.UnixMicro())
	require.NoError(t, err)
	_, err = configDB.Conn().Exec(`UPDATE user_brokers SET id = row_id WHERE id = 0`)
	require.NoError(t, err)

	_, err = configDB.Conn().Exec(`
		INSERT INTO user_broker_sessions (id, user_broker_id, access_token, token_valid_till, session_status, started_at, created_at, updated_at, version)
		VALUES (0, 1, 'tok-expired', ?, 'ACTIVE', ?, ?, ?, 1)`,
		now.Add(-time.Minute).UnixMicro(), now.UnixMicro(), now.UnixMicro(), now.UnixMicro())
	require.NoError(t, err)
	_, err = configDB.Conn().Exec(`UPDATE user_broker_sessions SET id = row_id WHERE id = 0`)
	require.NoError(t, err)

	mon := NewMonitor(configDB, ledgerDB, cacheDB, int32(os.Getpid()), zerolog.Nop())
	snap := mon.Snapshot(context.Background())

	assert.Equal(t, 1, snap.ExpiredSessions)
	assert.Equal(t, 0, snap.ExpiringSoonCount)
	assert.Equal(t, 0, snap.OpenTrades)
	assert.GreaterOrEqual(t, snap.NumGoroutine, 1)
	assert.Len(t, snap.Databases, 3)
	for _, dbHealth := range snap.Databases {
		assert.True(t, dbHealth.OK, "database %s should report healthy", dbHealth.Name)
	}
}
