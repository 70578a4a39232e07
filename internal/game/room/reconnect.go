package room

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cory-johannsen/duel/internal/config"
)

// newReconnectBackOff returns the reconnect schedule: base doubling per
// attempt, capped at max, for at most attempts tries with no jitter.
func newReconnectBackOff(cfg config.SyncConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(cfg.ReconnectAttempts))
}

// ReconnectDelays lists every delay the reconnect schedule produces.
func ReconnectDelays(cfg config.SyncConfig) []time.Duration {
	b := newReconnectBackOff(cfg)
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}
