package outbox

import (
	"time"

	"github.com/arcade-ledger/internal/config"
	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often and how long an item is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultPolicy returns the production retry settings
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0.3,
	}
}

// PolicyFromConfig reads the retry settings of the sync section
func PolicyFromConfig(cfg *config.SyncConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
	}
}

// Delay returns the wait before the next attempt after `attempt` failures.
// The interval grows exponentially up to MaxInterval and is spread by Jitter
// to keep devices that went offline together from retrying in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Exhausted reports whether an item with this many attempts is dead.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
