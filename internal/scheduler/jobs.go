package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/domain"
)

// MaxIntentRetries caps how many times the reconciler will retry a
// FAILED exit intent before leaving it for an operator to inspect.
const MaxIntentRetries = 3

// DefaultRetryExchange is the exchange used when the reconciler retries
// a FAILED exit intent; the pipeline itself tracks no per-trade exchange,
// so retries target the exchange every other job in this system assumes.
const DefaultRetryExchange = "NSE"

// ExpirySignalService is the narrow signals.Service surface the expiry
// job needs.
type ExpirySignalService interface {
	ExpireDueSignals(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// NewExpiryJob sweeps signals past their expiry window.
func NewExpiryJob(svc ExpirySignalService, scanInterval, window time.Duration, log zerolog.Logger) Job {
	return Job{
		Name:     "signal_expiry",
		Interval: scanInterval,
		Run: func(ctx context.Context) error {
			n, err := svc.ExpireDueSignals(ctx, time.Now(), window)
			if err != nil {
				return fmt.Errorf("expire due signals: %w", err)
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("expired signals past their window")
			}
			return nil
		},
	}
}

// EntryIntentFinder is the narrow intents.Repository surface the
// reconciler needs to find stuck FAILED entry intents.
type EntryIntentFinder interface {
	FindByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.TradeIntent, error)
}

// ExitIntentReconciler is the narrow exits surface the reconciler needs:
// find FAILED exit intents and retry the ones still under the cap.
type ExitIntentReconciler interface {
	FindIntentsByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.ExitIntent, error)
}

// ExitRetrier runs the actual retry attempt for one exit intent.
type ExitRetrier interface {
	Retry(ctx context.Context, exitIntentID int64, exchange string, maxRetries int) (domain.ExitIntent, error)
}

// NewReconcilerJob polls FAILED entry and exit intents. Entry intents
// have no retry path of their own (FAILED is terminal once the
// synchronous placement attempt fails), so the job only logs their count
// for operator visibility; exit intents are retried up to
// MaxIntentRetries via ExitRetrier.
func NewReconcilerJob(entryIntents EntryIntentFinder, exitIntents ExitIntentReconciler, retrier ExitRetrier, log zerolog.Logger) Job {
	return Job{
		Name:     "intent_reconciler",
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) error {
			failedEntries, err := entryIntents.FindByStatus(ctx, domain.IntentFailed)
			if err != nil {
				return fmt.Errorf("find failed entry intents: %w", err)
			}
			if len(failedEntries) > 0 {
				log.Warn().Int("count", len(failedEntries)).Msg("entry intents stuck in FAILED")
			}

			failedExits, err := exitIntents.FindIntentsByStatus(ctx, domain.IntentFailed)
			if err != nil {
				return fmt.Errorf("find failed exit intents: %w", err)
			}
			retried := 0
			for _, ei := range failedExits {
				if _, err := retrier.Retry(ctx, ei.ID, DefaultRetryExchange, MaxIntentRetries); err != nil {
					log.Debug().Err(err).Int64("exit_intent_id", ei.ID).Msg("exit intent retry skipped")
					continue
				}
				retried++
			}
			if retried > 0 {
				log.Info().Int("retried", retried).Msg("retried failed exit intents")
			}
			return nil
		},
	}
}

// WatchlistSyncer is the narrow watchlist.Service surface the sync job
// needs.
type WatchlistSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// NewWatchlistSyncJob periodically re-derives the L3 default view and
// pushes any delta into every execution-capable user-broker's L4 rows.
func NewWatchlistSyncJob(svc WatchlistSyncer, interval time.Duration, log zerolog.Logger) Job {
	return Job{
		Name:     "watchlist_sync",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := svc.Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync watchlist: %w", err)
			}
			if n > 0 {
				log.Debug().Int("upserted", n).Msg("watchlist sync upserted rows")
			}
			return nil
		},
	}
}

// Archiver is the narrow reliability surface the backup job needs.
type Archiver interface {
	CreateArchive(ctx context.Context) (string, error)
}

// Uploader is the narrow reliability surface the backup job needs when
// remote export is configured; nil means archives stay local-only.
type Uploader interface {
	Upload(ctx context.Context, archivePath string) error
	RotateOlderThan(ctx context.Context, prefix string, cutoff time.Time, minKeep int) error
}

// BackupRetentionDays is how long an exported archive is kept before
// rotation, beyond the minimum retained count.
const BackupRetentionDays = 14

// MinBackupsRetained is the floor below which RotateOlderThan will not
// delete, regardless of age.
const MinBackupsRetained = 3

// NewBackupJob snapshots every database once per interval, and uploads + rotates
// remote copies when an Uploader is configured (S3Bucket set).
func NewBackupJob(archiver Archiver, uploader Uploader, interval time.Duration, log zerolog.Logger) Job {
	return Job{
		Name:     "audit_backup",
		Interval: interval,
		Run: func(ctx context.Context) error {
			path, err := archiver.CreateArchive(ctx)
			if err != nil {
				return fmt.Errorf("create backup archive: %w", err)
			}
			if uploader == nil {
				return nil
			}
			if err := uploader.Upload(ctx, path); err != nil {
				return fmt.Errorf("upload backup archive: %w", err)
			}
			cutoff := time.Now().AddDate(0, 0, -BackupRetentionDays)
			if err := uploader.RotateOlderThan(ctx, "sentinel-backup-", cutoff, MinBackupsRetained); err != nil {
				return fmt.Errorf("rotate old backups: %w", err)
			}
			return nil
		},
	}
}
