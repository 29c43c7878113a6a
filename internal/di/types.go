// Package di wires every database, repository, service, and background
// job into a single Container, following the construction order each
// module's own dependency interfaces require.
package di

import (
	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/database"
	"github.com/sentinel-trading/backend/internal/domain"
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

// Container is the single source of truth for every service instance,
// handed to the HTTP server and the scheduler at startup.
type Container struct {
	LedgerDB *database.DB
	ConfigDB *database.DB
	CacheDB  *database.DB

	BrokerAdapter domain.BrokerClient

	EventBus     *events.Bus
	EventManager *events.Manager
	Stream       *events.StreamHandler

	BrokerConn  *brokerconn.Service
	Deliveries  *deliveries.Service
	Signals     *signals.Service
	MtfConfig   *mtfconfig.Service
	Portfolios  *portfolios.Repository
	Instruments *instruments.Repository
	Intents     *intents.Service
	Trades      *trades.Repository
	Exits       *exits.Service
	Watchlist   *watchlist.Service

	Monitor *monitoring.Monitor
	Backup  *reliability.BackupService
	Export  *reliability.Exporter

	Scheduler *scheduler.Scheduler

	log zerolog.Logger
}

// Close releases every open database handle. Safe to call once, after
// the scheduler and server have both stopped.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.LedgerDB, c.ConfigDB, c.CacheDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.log.Error().Err(err).Str("database", db.Name()).Msg("failed to close database")
		}
	}
}
