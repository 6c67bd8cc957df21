package session

import (
	"time"

	"github.com/danmuck/lockstep/internal/peers"
)

// HostLossPolicy decides what happens when the host peer is lost.
type HostLossPolicy string

const (
	// HostLossElect promotes the remaining peer with the lowest
	// lexicographic ID and rebroadcasts canonical state under the new
	// authority.
	HostLossElect HostLossPolicy = "elect"
	// HostLossTerminate tears the session down for every remaining guest.
	HostLossTerminate HostLossPolicy = "terminate"
)

// Config defines session behavior. Zero fields fall back to defaults when
// the coordinator is constructed.
type Config struct {
	// SelfID is the local peer identity; generated when empty.
	SelfID string
	// JoinTimeout bounds how long joinSession waits for the host link.
	JoinTimeout time.Duration
	// ReconcileWindow is the host-side interval during which conflicting
	// playback requests after the first are dropped.
	ReconcileWindow time.Duration
	HostLossPolicy  HostLossPolicy
	// Disabled marks builds without the sync capability. Every operation
	// fails with ErrUnsupported and no network call is made.
	Disabled       bool
	DisabledReason string
	Peers          peers.Config
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:     10 * time.Second,
		ReconcileWindow: 300 * time.Millisecond,
		HostLossPolicy:  HostLossElect,
		Peers:           peers.DefaultConfig(),
	}
}

// withDefaults fills zero fields so a partially built Config behaves like
// DefaultConfig for everything left unset.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = def.ReconcileWindow
	}
	if c.HostLossPolicy == "" {
		c.HostLossPolicy = def.HostLossPolicy
	}
	if c.Peers.DialTimeout <= 0 {
		c.Peers.DialTimeout = def.Peers.DialTimeout
	}
	if c.Peers.HeartbeatInterval <= 0 {
		c.Peers.HeartbeatInterval = def.Peers.HeartbeatInterval
	}
	if c.Peers.DeadAfter <= 0 {
		c.Peers.DeadAfter = def.Peers.DeadAfter
	}
	if c.Peers.Backoff.InitialDelay <= 0 {
		c.Peers.Backoff.InitialDelay = def.Peers.Backoff.InitialDelay
	}
	if c.Peers.Backoff.Multiplier < 1.0 {
		c.Peers.Backoff.Multiplier = def.Peers.Backoff.Multiplier
	}
	if c.Peers.Backoff.MaxDelay <= 0 {
		c.Peers.Backoff.MaxDelay = def.Peers.Backoff.MaxDelay
	}
	if c.Peers.Backoff.MaxAttempts <= 0 {
		c.Peers.Backoff.MaxAttempts = def.Peers.Backoff.MaxAttempts
	}
	return c
}
