package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/broker/reconnect"
	"github.com/sentinel-trading/backend/internal/domain"
)

// ReconnectingClient wraps a concrete domain.BrokerClient with an
// exponential-backoff policy: on a failed Connect it keeps retrying per
// the policy's schedule until the circuit opens, at which point it
// reports AdapterUnavailable instead of retrying forever.
type ReconnectingClient struct {
	domain.BrokerClient
	state *reconnect.State
	log   zerolog.Logger
}

// NewReconnectingClient wraps inner with policy, logging reconnect
// attempts under component label.
func NewReconnectingClient(inner domain.BrokerClient, policy reconnect.Policy, log zerolog.Logger) *ReconnectingClient {
	return &ReconnectingClient{
		BrokerClient: inner,
		state:        reconnect.NewState(policy),
		log:          log.With().Str("component", "broker_reconnect").Logger(),
	}
}

// EnsureConnected connects if not already connected, retrying per the
// wrapped policy until success or until the circuit opens.
func (c *ReconnectingClient) EnsureConnected(ctx context.Context, accessToken string) error {
	if c.BrokerClient.IsConnected() {
		return nil
	}

	for {
		err := c.BrokerClient.Connect(ctx, accessToken)
		if err == nil {
			c.state.Reset()
			return nil
		}

		delay, ok := c.state.NextDelay()
		if !ok {
			return apperr.AdapterUnavailable("broker.EnsureConnected", fmt.Errorf("circuit open after %d attempts: %w", c.state.Attempt(), err))
		}

		c.log.Warn().Err(err).Dur("wait", delay).Int("attempt", c.state.Attempt()).Msg("reconnect failed, backing off")

		select {
		case <-ctx.Done():
			return apperr.Cancelled("broker.EnsureConnected")
		case <-time.After(delay):
		}
	}
}

// CircuitOpen reports whether the reconnect circuit breaker has tripped.
func (c *ReconnectingClient) CircuitOpen() bool {
	return c.state.CircuitOpen()
}
