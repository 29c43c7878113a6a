// Package scheduler runs the small fixed set of background jobs the
// system needs: signal expiry sweeps, the FAILED-intent reconciler,
// watchlist resync, and the periodic audit backup export. Each job runs
// on its own robfig/cron entry at a fixed delay, started and stopped
// together.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/utils"
)

// Job is one independently-scheduled background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a fixed set of Jobs, each on its own cron.Every entry,
// until Stop is called. Start/Stop may be called at most once each per
// instance.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	log     zerolog.Logger
	cron    *cron.Cron
	started bool
	stopped bool
}

// New builds a Scheduler over the given jobs. Jobs with a non-positive
// interval are rejected at Start time via a panic, since that indicates
// a wiring bug rather than a runtime condition.
func New(log zerolog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		log:  log.With().Str("component", "scheduler").Logger(),
		cron: cron.New(),
	}
}

// Start registers every job on its own fixed-delay cron entry and starts
// the underlying cron runner. Calling Start twice is a no-op. Note that
// cron.Every rounds any sub-second interval up to one second, so jobs
// wired with sub-second intervals run no faster than once a second.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			panic("scheduler: job " + job.Name + " has non-positive interval")
		}
		job := job
		log := s.log.With().Str("job", job.Name).Logger()
		s.cron.Schedule(cron.Every(job.Interval), cron.FuncJob(func() {
			timer := utils.NewTimer(job.Name, log)
			if err := job.Run(ctx); err != nil {
				timer.Stop()
				log.Error().Err(err).Msg("job failed")
			} else {
				timer.Stop()
			}
		}))
	}
	s.cron.Start()
}

// Stop halts the cron runner and waits for any in-flight job to finish.
// Calling Stop twice, or before Start, is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	done := s.cron.Stop()
	<-done.Done()
}
