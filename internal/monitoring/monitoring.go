// Package monitoring implements the read-only counters, per-database
// health/size check, and process health snapshot: expired/expiring
// broker sessions, stuck exit intents, open/closed trade counts, daily
// win/loss, sqlite integrity/size per connection, and runtime resource
// use. Every query here is read-only; an infrastructure failure logs
// and returns a zero count (or OK=false) rather than propagating an
// error to callers.
package monitoring

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sentinel-trading/backend/internal/database"
)

// DatabaseHealth is one sqlite connection's health/size snapshot, as
// reported by database.DB.HealthCheck and database.DB.GetStats.
type DatabaseHealth struct {
	Name          string `json:"name"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	WALSizeBytes  int64  `json:"wal_size_bytes"`
	FreelistCount int64  `json:"freelist_count"`
}

// Snapshot is the point-in-time system health view returned by Monitor.
type Snapshot struct {
	ExpiredSessions    int              `json:"expired_sessions"`
	ExpiringSoonCount  int              `json:"expiring_soon_count"`
	StuckExitIntents   int              `json:"stuck_exit_intents"`
	OpenTrades         int              `json:"open_trades"`
	ClosedToday        int              `json:"closed_today"`
	WinsToday          int              `json:"wins_today"`
	LossesToday        int              `json:"losses_today"`
	ProcessCPUPercent  float64          `json:"process_cpu_percent"`
	ProcessMemRSSBytes uint64           `json:"process_mem_rss_bytes"`
	SystemMemUsedPct   float64          `json:"system_mem_used_percent"`
	SystemCPUPercent   float64          `json:"system_cpu_percent"`
	NumGoroutine       int              `json:"num_goroutine"`
	Databases          []DatabaseHealth `json:"databases"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

// StuckThreshold is how long an exit intent may sit in PENDING, APPROVED
// or PLACED before it counts as stuck.
const StuckThreshold = 15 * time.Minute

// Monitor runs the lightweight count queries, the per-database
// health/size check, and the process snapshot. It holds the database
// handles directly rather than per-module repositories, since every
// query here is a narrow, monitoring-specific SELECT that doesn't
// belong in any domain repository's public surface.
type Monitor struct {
	configDB *database.DB
	ledgerDB *database.DB
	cacheDB  *database.DB
	proc     *process.Process
	log      zerolog.Logger
}

// NewMonitor wires a Monitor over the three database handles. selfPID is
// the running process's PID (os.Getpid()); if gopsutil cannot attach to
// it, process-level fields are left zero and a warning is logged once.
func NewMonitor(configDB, ledgerDB, cacheDB *database.DB, selfPID int32, log zerolog.Logger) *Monitor {
	m := &Monitor{configDB: configDB, ledgerDB: ledgerDB, cacheDB: cacheDB, log: log.With().Str("component", "monitoring").Logger()}
	if p, err := process.NewProcess(selfPID); err != nil {
		m.log.Warn().Err(err).Msg("could not attach gopsutil to own process, process metrics disabled")
	} else {
		m.proc = p
	}
	return m
}

// Snapshot runs every counter query and the process health read. It never
// returns an error: any single query failure is logged and leaves that
// field at zero.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()
	s := Snapshot{GeneratedAt: now}

	s.ExpiredSessions = m.count(ctx, m.configDB.Conn(), `SELECT COUNT(*) FROM user_broker_sessions
		WHERE session_status = 'ACTIVE' AND deleted_at IS NULL AND token_valid_till < ?`, now.UnixMicro())

	s.ExpiringSoonCount = m.count(ctx, m.configDB.Conn(), `SELECT COUNT(*) FROM user_broker_sessions
		WHERE session_status = 'ACTIVE' AND deleted_at IS NULL AND token_valid_till BETWEEN ? AND ?`,
		now.UnixMicro(), now.Add(time.Hour).UnixMicro())

	stuckBefore := now.Add(-StuckThreshold)
	s.StuckExitIntents = m.count(ctx, m.ledgerDB.Conn(), `SELECT COUNT(*) FROM exit_intents
		WHERE deleted_at IS NULL AND status IN ('PENDING', 'APPROVED', 'PLACED') AND created_at < ?`, stuckBefore.UnixMicro())

	s.OpenTrades = m.count(ctx, m.ledgerDB.Conn(), `SELECT COUNT(*) FROM trades WHERE deleted_at IS NULL AND status IN ('OPEN', 'EXITING')`)

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	s.ClosedToday = m.count(ctx, m.ledgerDB.Conn(), `SELECT COUNT(*) FROM trades
		WHERE deleted_at IS NULL AND status = 'CLOSED' AND exit_at >= ?`, dayStart.UnixMicro())
	s.WinsToday = m.count(ctx, m.ledgerDB.Conn(), `SELECT COUNT(*) FROM trades
		WHERE deleted_at IS NULL AND status = 'CLOSED' AND exit_at >= ? AND CAST(realized_pnl AS REAL) > 0`, dayStart.UnixMicro())
	s.LossesToday = m.count(ctx, m.ledgerDB.Conn(), `SELECT COUNT(*) FROM trades
		WHERE deleted_at IS NULL AND status = 'CLOSED' AND exit_at >= ? AND CAST(realized_pnl AS REAL) < 0`, dayStart.UnixMicro())

	s.NumGoroutine = runtime.NumGoroutine()
	m.fillProcessMetrics(&s)

	for _, db := range []*database.DB{m.ledgerDB, m.configDB, m.cacheDB} {
		s.Databases = append(s.Databases, m.databaseHealth(ctx, db))
	}

	return s
}

// databaseHealth runs db's integrity check and file/page stats, never
// propagating an error: a failed check surfaces as OK=false in the
// snapshot rather than failing the whole monitoring request.
func (m *Monitor) databaseHealth(ctx context.Context, db *database.DB) DatabaseHealth {
	h := DatabaseHealth{Name: db.Name(), OK: true}

	if err := db.HealthCheck(ctx); err != nil {
		h.OK = false
		h.Error = err.Error()
		m.log.Error().Err(err).Str("database", db.Name()).Msg("database health check failed")
	}

	stats, err := db.GetStats()
	if err != nil {
		m.log.Error().Err(err).Str("database", db.Name()).Msg("database stats query failed")
		return h
	}
	h.SizeBytes = stats.SizeBytes
	h.WALSizeBytes = stats.WALSizeBytes
	h.FreelistCount = stats.FreelistCount
	return h
}

func (m *Monitor) count(ctx context.Context, db *sql.DB, query string, args ...any) int {
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		m.log.Error().Err(err).Str("query", query).Msg("monitoring count query failed")
		return 0
	}
	return n
}

func (m *Monitor) fillProcessMetrics(s *Snapshot) {
	if m.proc == nil {
		return
	}
	if pct, err := m.proc.CPUPercent(); err == nil {
		s.ProcessCPUPercent = pct
	} else {
		m.log.Debug().Err(err).Msg("read process cpu percent failed")
	}
	if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
		s.ProcessMemRSSBytes = info.RSS
	} else if err != nil {
		m.log.Debug().Err(err).Msg("read process memory info failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.SystemMemUsedPct = vm.UsedPercent
	} else {
		m.log.Debug().Err(err).Msg("read system memory failed")
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) == 1 {
		s.SystemCPUPercent = pcts[0]
	} else if err != nil {
		m.log.Debug().Err(err).Msg("read system cpu percent failed")
	}
}
