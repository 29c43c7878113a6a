package di

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/broker"
	"github.com/sentinel-trading/backend/internal/broker/reconnect"
	"github.com/sentinel-trading/backend/internal/config"
	"github.com/sentinel-trading/backend/internal/database"
	"github.com/sentinel-trading/backend/internal/events"
	"github.com/sentinel-trading/backend/internal/modules/brokerconn"
	"github.com/sentinel-trading/backend/internal/modules/deliveries"
	"github.com/sentinel-trading/backend/internal/modules/exits"
	"github.com/sentinel-trading/backend/internal/modules/instruments"
	"github.com/sentinel-trading/backend/internal/modules/intents"
	"github.com/sentinel-trading/backend/internal/modules/mtfconfig"
	"github.com/sentinel-trading/backend/internal/modules/portfolios"
	"github.com/sentinel-trading/backend/internal/modules/signals"
	"github.com/sentinel-trading/backend/internal/modules/trades"
	"github.com/sentinel-trading/backend/internal/modules/watchlist"
	"github.com/sentinel-trading/backend/internal/monitoring"
	"github.com/sentinel-trading/backend/internal/reliability"
	"github.com/sentinel-trading/backend/internal/scheduler"
)

// Wire initializes every database, repository, service, and scheduler
// job and returns a fully-constructed Container. On any failure, every
// database opened so far is closed before the error is returned.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{log: log}

	if err := openDatabases(c, cfg); err != nil {
		return nil, err
	}
	if err := migrateDatabases(c); err != nil {
		c.Close()
		return nil, err
	}

	wireEvents(c, log)
	wireBrokerAdapter(c, log)
	intentsRepo, exitsRepo := wireRepositoriesAndServices(c, log)

	if err := wireReliability(ctx, c, cfg, log); err != nil {
		c.Close()
		return nil, err
	}

	wireScheduler(c, cfg, log, intentsRepo, exitsRepo)

	log.Info().Msg("dependency wiring complete")
	return c, nil
}

func openDatabases(c *Container, cfg *config.Config) error {
	var err error
	if c.LedgerDB, err = database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger",
	}); err != nil {
		return fmt.Errorf("open ledger.db: %w", err)
	}
	if c.ConfigDB, err = database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "config.db"), Profile: database.ProfileStandard, Name: "config",
	}); err != nil {
		c.LedgerDB.Close()
		return fmt.Errorf("open config.db: %w", err)
	}
	if c.CacheDB, err = database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "cache.db"), Profile: database.ProfileCache, Name: "cache",
	}); err != nil {
		c.LedgerDB.Close()
		c.ConfigDB.Close()
		return fmt.Errorf("open cache.db: %w", err)
	}
	return nil
}

func migrateDatabases(c *Container) error {
	for _, db := range []*database.DB{c.LedgerDB, c.ConfigDB, c.CacheDB} {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate %s: %w", db.Name(), err)
		}
	}
	return nil
}

func wireEvents(c *Container, log zerolog.Logger) {
	c.EventBus = events.NewBus()
	c.EventManager = events.New(c.LedgerDB.Conn(), c.EventBus, log)
	c.Stream = events.NewStreamHandler(c.EventBus, log)
}

// wireBrokerAdapter wires the single market-data/execution adapter behind
// the reconnecting client. A MockAdapter stands in for the live Fyers
// integration, whose API surface isn't part of this system's module set;
// domain.BrokerClient is satisfied identically either way.
func wireBrokerAdapter(c *Container, log zerolog.Logger) {
	c.BrokerAdapter = broker.NewReconnectingClient(broker.NewMockAdapter(), reconnect.OrderBrokerPolicy, log)
}

func wireRepositoriesAndServices(c *Container, log zerolog.Logger) (*intents.Repository, *exits.Repository) {
	brokerConnRepo := brokerconn.NewRepository(c.ConfigDB.Conn(), log)
	c.BrokerConn = brokerconn.NewService(brokerConnRepo, c.BrokerAdapter, log)

	deliveriesRepo := deliveries.NewRepository(c.LedgerDB.Conn(), log)
	c.Deliveries = deliveries.NewService(c.LedgerDB.Conn(), deliveriesRepo, brokerConnRepo, c.EventManager, log)

	signalsRepo := signals.NewRepository(c.LedgerDB.Conn(), log)
	c.Signals = signals.NewService(c.LedgerDB.Conn(), signalsRepo, c.Deliveries, c.EventManager, log)

	mtfRepo := mtfconfig.NewRepository(c.ConfigDB.Conn(), log)
	c.MtfConfig = mtfconfig.NewService(mtfRepo, c.Signals, log)

	c.Portfolios = portfolios.NewRepository(c.ConfigDB.Conn(), log)
	c.Instruments = instruments.NewRepository(c.CacheDB.Conn(), log)
	c.Trades = trades.NewRepository(c.LedgerDB.Conn(), log)

	intentsRepo := intents.NewRepository(c.LedgerDB.Conn(), log)
	c.Intents = intents.NewService(c.LedgerDB.Conn(), intentsRepo, c.Trades, signalsRepo, brokerConnRepo, c.Portfolios, c.MtfConfig, c.BrokerAdapter, c.EventManager, log)

	exitsRepo := exits.NewRepository(c.LedgerDB.Conn(), log)
	c.Exits = exits.NewService(c.LedgerDB.Conn(), exitsRepo, c.Trades, c.BrokerAdapter, c.EventManager, log)

	templates := watchlist.NewTemplateRepository(c.ConfigDB.Conn(), log)
	selected := watchlist.NewSelectedRepository(c.ConfigDB.Conn(), log)
	entries := watchlist.NewRepository(c.ConfigDB.Conn(), log)
	c.Watchlist = watchlist.NewService(templates, selected, entries, brokerConnRepo, log)

	c.Monitor = monitoring.NewMonitor(c.ConfigDB, c.LedgerDB, c.CacheDB, int32(os.Getpid()), log)

	return intentsRepo, exitsRepo
}

func wireReliability(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Backup = reliability.NewBackupService([]reliability.Snapshotter{c.LedgerDB, c.ConfigDB, c.CacheDB}, cfg.DataDir, log)

	if cfg.S3Bucket == "" {
		return nil
	}
	exporter, err := reliability.NewExporter(ctx, cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey, log)
	if err != nil {
		return fmt.Errorf("wire backup exporter: %w", err)
	}
	c.Export = exporter
	return nil
}

func wireScheduler(c *Container, cfg *config.Config, log zerolog.Logger, intentsRepo *intents.Repository, exitsRepo *exits.Repository) {
	reconciler := scheduler.NewReconcilerJob(intentsRepo, exitsRepo, c.Exits, log)
	reconciler.Interval = cfg.ReconcileInterval
	jobs := []scheduler.Job{
		scheduler.NewExpiryJob(c.Signals, cfg.ExpiryScanInterval, cfg.ExpiryWindow, log),
		reconciler,
		scheduler.NewWatchlistSyncJob(c.Watchlist, 5*time.Minute, log),
	}
	if cfg.BackupInterval > 0 {
		var uploader scheduler.Uploader
		if c.Export != nil {
			uploader = c.Export
		}
		jobs = append(jobs, scheduler.NewBackupJob(c.Backup, uploader, cfg.BackupInterval, log))
	}
	c.Scheduler = scheduler.New(log, jobs...)
}
