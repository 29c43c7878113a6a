package di

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-trading/backend/internal/config"
)

func TestWire_BuildsAFullyPopulatedContainerWithoutS3Export(t *testing.T) {
	cfg := &config.Config{
		DataDir:            t.TempDir(),
		Port:               0,
		LogLevel:           "error",
		SignalTimezone:     "UTC",
		ExpiryScanInterval: time.Minute,
		ExpiryWindow:       time.Hour,
		ReconcileInterval:  time.Minute,
		BackupInterval:     0, // no S3 bucket: skip export wiring, no backup job
	}

	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	assert.NotNil(t, c.LedgerDB)
	assert.NotNil(t, c.ConfigDB)
	assert.NotNil(t, c.CacheDB)
	assert.NotNil(t, c.BrokerAdapter)
	assert.NotNil(t, c.EventManager)
	assert.NotNil(t, c.Stream)

	assert.NotNil(t, c.BrokerConn)
	assert.NotNil(t, c.Deliveries)
	assert.NotNil(t, c.Signals)
	assert.NotNil(t, c.MtfConfig)
	assert.NotNil(t, c.Portfolios)
	assert.NotNil(t, c.Instruments)
	assert.NotNil(t, c.Intents)
	assert.NotNil(t, c.Trades)
	assert.NotNil(t, c.Exits)
	assert.NotNil(t, c.Watchlist)
	assert.NotNil(t, c.Monitor)
	assert.NotNil(t, c.Backup)
	assert.Nil(t, c.Export, "no S3 bucket configured, exporter must not be wired")

	assert.NotNil(t, c.Scheduler)
}

func TestWire_BackupIntervalWithoutS3BucketLeavesExportUnwired(t *testing.T) {
	cfg := &config.Config{
		DataDir:            t.TempDir(),
		LogLevel:           "error",
		SignalTimezone:     "UTC",
		ExpiryScanInterval: time.Minute,
		ExpiryWindow:       time.Hour,
		ReconcileInterval:  time.Minute,
		BackupInterval:     time.Hour,
	}

	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	assert.NotNil(t, c.Scheduler)
	assert.Nil(t, c.Export, "still no S3 bucket, export wiring stays off even with a backup interval set")
}

func TestWire_FailsCleanlyWhenDataDirCannotBeCreated(t *testing.T) {
	// a regular file in place of the data directory makes os.MkdirAll fail
	blocker := t.TempDir() + "/blocker"
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	cfg := &config.Config{
		DataDir:            blocker + "/data",
		LogLevel:           "error",
		SignalTimezone:     "UTC",
		ExpiryScanInterval: time.Minute,
		ExpiryWindow:       time.Hour,
		ReconcileInterval:  time.Minute,
	}

	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, c)
}
