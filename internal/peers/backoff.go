package peers

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines dial retry behavior. MaxAttempts bounds one outage:
// the budget resets after every successful connect.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       bool
}

// NextDelay returns the retry delay for attempt N (1-based).
func NextDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Config defines connection reliability behavior for the manager.
type Config struct {
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:       5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DeadAfter:         15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     8 * time.Second,
			MaxAttempts:  5,
			Jitter:       true,
		},
	}
}
