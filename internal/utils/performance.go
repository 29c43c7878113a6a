// Package utils holds small cross-cutting helpers shared by infrastructure
// packages that would otherwise each reinvent them.
package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures one scheduler job run and logs its duration on Stop,
// escalating to info past 10s and to a warning past 30s — the only
// signal an operator gets that a job is falling behind its own cron
// cadence.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named job.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{start: time.Now(), name: name, log: log}
}

// Stop logs the job's duration and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	t.log.Debug().
		Str("job", t.name).
		Dur("duration_ms", duration).
		Msg("job run completed")

	if duration > 30*time.Second {
		t.log.Warn().Str("job", t.name).Dur("duration", duration).Msg("job run exceeded 30s")
	} else if duration > 10*time.Second {
		t.log.Info().Str("job", t.name).Dur("duration", duration).Msg("job run exceeded 10s")
	}

	return duration
}
