package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/lockstep/internal/session"
)

// lockstepctl config.toml key mapping to demo runtime settings.
type fileConfig struct {
	Peers             int    `toml:"peers"`
	PeerPrefix        string `toml:"peer_prefix"`
	SeekToMS          int64  `toml:"seek_to_ms"`
	RunForMS          int64  `toml:"run_for_ms"`
	HostLeaves        bool   `toml:"host_leaves"`
	HostLossPolicy    string `toml:"host_loss_policy"`
	JoinTimeoutMS     int64  `toml:"join_timeout_ms"`
	ReconcileWindowMS int64  `toml:"reconcile_window_ms"`
	HeartbeatMS       int64  `toml:"heartbeat_interval_ms"`
	DeadAfterMS       int64  `toml:"dead_after_ms"`
}

type demoConfig struct {
	Peers      int
	PeerPrefix string
	SeekToMS   int64
	RunFor     time.Duration
	HostLeaves bool
	Session    session.Config
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		Peers:      3,
		PeerPrefix: "peer",
		SeekToMS:   90_000,
		RunFor:     3 * time.Second,
		Session:    session.DefaultConfig(),
	}
}

// lockstepctl loader for TOML config with default overlay.
func loadDemoConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: %w", err)
	}

	if meta.IsDefined("peers") {
		cfg.Peers = raw.Peers
	}
	if meta.IsDefined("peer_prefix") {
		cfg.PeerPrefix = strings.TrimSpace(raw.PeerPrefix)
	}
	if meta.IsDefined("seek_to_ms") {
		cfg.SeekToMS = raw.SeekToMS
	}
	if meta.IsDefined("run_for_ms") {
		cfg.RunFor = time.Duration(raw.RunForMS) * time.Millisecond
	}
	if meta.IsDefined("host_leaves") {
		cfg.HostLeaves = raw.HostLeaves
	}
	if meta.IsDefined("host_loss_policy") {
		cfg.Session.HostLossPolicy = session.HostLossPolicy(strings.TrimSpace(raw.HostLossPolicy))
	}
	if meta.IsDefined("join_timeout_ms") {
		cfg.Session.JoinTimeout = time.Duration(raw.JoinTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("reconcile_window_ms") {
		cfg.Session.ReconcileWindow = time.Duration(raw.ReconcileWindowMS) * time.Millisecond
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.Session.Peers.HeartbeatInterval = time.Duration(raw.HeartbeatMS) * time.Millisecond
	}
	if meta.IsDefined("dead_after_ms") {
		cfg.Session.Peers.DeadAfter = time.Duration(raw.DeadAfterMS) * time.Millisecond
	}

	if cfg.Peers < 2 {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: need at least 2 peers, got %d", cfg.Peers)
	}
	if cfg.PeerPrefix == "" {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: peer_prefix must not be empty")
	}
	if cfg.SeekToMS < 0 {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: seek_to_ms must be non-negative")
	}
	if cfg.RunFor < time.Second {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: run_for_ms must be at least 1000")
	}
	if cfg.HostLeaves && cfg.Peers < 3 {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: host_leaves needs at least 3 peers so an election can happen")
	}
	if err := session.ValidateConfig(cfg.Session); err != nil {
		return demoConfig{}, fmt.Errorf("load lockstepctl config: %w", err)
	}
	return cfg, nil
}
