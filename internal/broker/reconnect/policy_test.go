package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelay_GrowsExponentiallyThenCaps(t *testing.T) {
	s := NewState(Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, MaxAttempts: 10})

	d1, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, d1)

	d2, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d2)

	d3, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d3)

	d4, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, d4)

	d5, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d5, "delay must cap at MaxDelay")
}

func TestNextDelay_CircuitOpensAfterMaxAttempts(t *testing.T) {
	s := NewState(Policy{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		_, ok := s.NextDelay()
		require.True(t, ok)
	}

	_, ok := s.NextDelay()
	assert.False(t, ok, "circuit must open once max_attempts is exhausted")
	assert.True(t, s.CircuitOpen())
}

func TestReset_ClosesCircuitAndZeroesAttempts(t *testing.T) {
	s := NewState(Policy{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, MaxAttempts: 1})

	_, _ = s.NextDelay()
	_, ok := s.NextDelay()
	require.False(t, ok)
	require.True(t, s.CircuitOpen())

	s.Reset()
	assert.False(t, s.CircuitOpen())
	assert.Zero(t, s.Attempt())
}
