package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk shape. Durations are milliseconds; zero values
// keep the built-in defaults.
type fileConfig struct {
	SelfID            string            `toml:"self_id"`
	JoinTimeoutMS     int64             `toml:"join_timeout_ms"`
	ReconcileWindowMS int64             `toml:"reconcile_window_ms"`
	HostLossPolicy    string            `toml:"host_loss_policy"`
	Disabled          bool              `toml:"disabled"`
	DisabledReason    string            `toml:"disabled_reason"`
	Reliability       reliabilityConfig `toml:"reliability"`
}

type reliabilityConfig struct {
	DialTimeoutMS       int64   `toml:"dial_timeout_ms"`
	HeartbeatIntervalMS int64   `toml:"heartbeat_interval_ms"`
	DeadAfterMS         int64   `toml:"dead_after_ms"`
	BackoffInitialMS    int64   `toml:"backoff_initial_ms"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffMaxMS        int64   `toml:"backoff_max_ms"`
	BackoffMaxAttempts  int     `toml:"backoff_max_attempts"`
}

// LoadConfig reads a session config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var fc fileConfig
	if err := loadToml(path, &fc); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if fc.SelfID != "" {
		cfg.SelfID = fc.SelfID
	}
	if fc.JoinTimeoutMS > 0 {
		cfg.JoinTimeout = time.Duration(fc.JoinTimeoutMS) * time.Millisecond
	}
	if fc.ReconcileWindowMS > 0 {
		cfg.ReconcileWindow = time.Duration(fc.ReconcileWindowMS) * time.Millisecond
	}
	if fc.HostLossPolicy != "" {
		cfg.HostLossPolicy = HostLossPolicy(fc.HostLossPolicy)
	}
	cfg.Disabled = fc.Disabled
	cfg.DisabledReason = fc.DisabledReason

	rel := fc.Reliability
	if rel.DialTimeoutMS > 0 {
		cfg.Peers.DialTimeout = time.Duration(rel.DialTimeoutMS) * time.Millisecond
	}
	if rel.HeartbeatIntervalMS > 0 {
		cfg.Peers.HeartbeatInterval = time.Duration(rel.HeartbeatIntervalMS) * time.Millisecond
	}
	if rel.DeadAfterMS > 0 {
		cfg.Peers.DeadAfter = time.Duration(rel.DeadAfterMS) * time.Millisecond
	}
	if rel.BackoffInitialMS > 0 {
		cfg.Peers.Backoff.InitialDelay = time.Duration(rel.BackoffInitialMS) * time.Millisecond
	}
	if rel.BackoffMultiplier >= 1.0 {
		cfg.Peers.Backoff.Multiplier = rel.BackoffMultiplier
	}
	if rel.BackoffMaxMS > 0 {
		cfg.Peers.Backoff.MaxDelay = time.Duration(rel.BackoffMaxMS) * time.Millisecond
	}
	if rel.BackoffMaxAttempts > 0 {
		cfg.Peers.Backoff.MaxAttempts = rel.BackoffMaxAttempts
	}

	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateConfig(cfg Config) error {
	switch cfg.HostLossPolicy {
	case HostLossElect, HostLossTerminate:
	default:
		return fmt.Errorf("config invalid host_loss_policy %q", cfg.HostLossPolicy)
	}
	if cfg.Disabled && strings.TrimSpace(cfg.DisabledReason) == "" {
		return fmt.Errorf("config disabled builds require disabled_reason")
	}
	if cfg.JoinTimeout <= 0 {
		return fmt.Errorf("config join timeout must be positive")
	}
	if cfg.ReconcileWindow <= 0 {
		return fmt.Errorf("config reconcile window must be positive")
	}
	if cfg.Peers.HeartbeatInterval <= 0 || cfg.Peers.DeadAfter <= 0 {
		return fmt.Errorf("config heartbeat settings must be positive")
	}
	if cfg.Peers.DeadAfter <= cfg.Peers.HeartbeatInterval {
		return fmt.Errorf("config dead_after_ms must exceed heartbeat_interval_ms")
	}
	if cfg.Peers.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("config backoff attempts must be positive")
	}
	return nil
}
