package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDemoConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDemoConfigDefaultsAndOverrides(t *testing.T) {
	path := writeDemoConfig(t, `
peers = 4
peer_prefix = "viewer"
seek_to_ms = 45000
run_for_ms = 5000
host_leaves = true
host_loss_policy = "terminate"
join_timeout_ms = 2000
reconcile_window_ms = 150
heartbeat_interval_ms = 1000
dead_after_ms = 4000
`)

	cfg, err := loadDemoConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Peers != 4 {
		t.Fatalf("unexpected peer count: %d", cfg.Peers)
	}
	if cfg.PeerPrefix != "viewer" {
		t.Fatalf("unexpected peer prefix: %q", cfg.PeerPrefix)
	}
	if cfg.SeekToMS != 45000 {
		t.Fatalf("unexpected seek target: %d", cfg.SeekToMS)
	}
	if cfg.RunFor != 5*time.Second {
		t.Fatalf("unexpected run duration: %s", cfg.RunFor)
	}
	if !cfg.HostLeaves {
		t.Fatalf("expected host_leaves set")
	}
	if string(cfg.Session.HostLossPolicy) != "terminate" {
		t.Fatalf("unexpected host loss policy: %q", cfg.Session.HostLossPolicy)
	}
	if cfg.Session.JoinTimeout != 2*time.Second {
		t.Fatalf("unexpected join timeout: %s", cfg.Session.JoinTimeout)
	}
	if cfg.Session.ReconcileWindow != 150*time.Millisecond {
		t.Fatalf("unexpected reconcile window: %s", cfg.Session.ReconcileWindow)
	}
	if cfg.Session.Peers.HeartbeatInterval != time.Second {
		t.Fatalf("unexpected heartbeat interval: %s", cfg.Session.Peers.HeartbeatInterval)
	}
	if cfg.Session.Peers.DeadAfter != 4*time.Second {
		t.Fatalf("unexpected dead-after window: %s", cfg.Session.Peers.DeadAfter)
	}
	// Keys the file never set keep their defaults.
	if cfg.Session.Peers.DialTimeout != defaultDemoConfig().Session.Peers.DialTimeout {
		t.Fatalf("dial timeout should keep its default, got %s", cfg.Session.Peers.DialTimeout)
	}
}

func TestLoadDemoConfigEmptyFileKeepsDefaults(t *testing.T) {
	path := writeDemoConfig(t, "")

	cfg, err := loadDemoConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultDemoConfig()
	if cfg.Peers != def.Peers || cfg.PeerPrefix != def.PeerPrefix || cfg.RunFor != def.RunFor {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadDemoConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "too few peers",
			content: "peers = 1\n",
			wantErr: "at least 2 peers",
		},
		{
			name:    "host leaves without quorum",
			content: "peers = 2\nhost_leaves = true\n",
			wantErr: "at least 3 peers",
		},
		{
			name:    "negative seek",
			content: "seek_to_ms = -1\n",
			wantErr: "non-negative",
		},
		{
			name:    "short run",
			content: "run_for_ms = 100\n",
			wantErr: "at least 1000",
		},
		{
			name:    "unknown policy",
			content: `host_loss_policy = "coinflip"` + "\n",
			wantErr: "host_loss_policy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeDemoConfig(t, tc.content)
			if _, err := loadDemoConfig(path); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadDemoConfigMissingFile(t *testing.T) {
	if _, err := loadDemoConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
