package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// Every interval here is at least a second: robfig/cron's Every rounds
// any sub-second delay up to one second, so these tests exercise the
// scheduler at its real minimum granularity rather than an artificial
// sub-second one.

func TestScheduler_RunsJobOnEveryTick(t *testing.T) {
	var runs int32
	job := Job{
		Name:     "counter",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	s := New(zerolog.Nop(), job)
	s.Start(context.Background())
	time.Sleep(3300 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(3))
}

func TestScheduler_StopIsIdempotentAndStopsAllGoroutines(t *testing.T) {
	var runs int32
	job := Job{
		Name:     "counter",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	s := New(zerolog.Nop(), job)
	s.Start(context.Background())
	time.Sleep(2300 * time.Millisecond)
	s.Stop()
	s.Stop()

	after := atomic.LoadInt32(&runs)
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))
}

func TestScheduler_StartTwiceIsNoOp(t *testing.T) {
	var runs int32
	job := Job{
		Name:     "counter",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	s := New(zerolog.Nop(), job)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	time.Sleep(2300 * time.Millisecond)
	s.Stop()

	assert.Less(t, atomic.LoadInt32(&runs), int32(5))
}
