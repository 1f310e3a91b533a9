package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadArgs([]string{"-downstream-url=https://gitea.example.com", "-downstream-token=tok"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr default mismatch: %s", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentSyncs != 3 {
		t.Fatalf("max concurrent syncs default mismatch: %d", cfg.MaxConcurrentSyncs)
	}
	if cfg.DefaultSyncInterval != 300*time.Second {
		t.Fatalf("default sync interval mismatch: %s", cfg.DefaultSyncInterval)
	}
	if cfg.LeaseTTL() != 660*time.Second {
		t.Fatalf("lease ttl mismatch: %s", cfg.LeaseTTL())
	}
}

func TestMissingDownstreamURLRejected(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-downstream-token=tok"})
	if err == nil {
		t.Fatalf("expected error when downstream-url missing")
	}
}

func TestMissingDownstreamTokenRejected(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-downstream-url=https://gitea.example.com"})
	if err == nil {
		t.Fatalf("expected error when downstream-token missing")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOWNSTREAM_URL", "https://gitea.example.com")
	t.Setenv("DOWNSTREAM_TOKEN", "tok")
	t.Setenv("MAX_CONCURRENT_SYNCS", "7")
	t.Setenv("SYNC_TIMEOUT_SECONDS", "120")

	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConcurrentSyncs != 7 {
		t.Fatalf("expected override, got %d", cfg.MaxConcurrentSyncs)
	}
	if cfg.SyncTimeout != 120*time.Second {
		t.Fatalf("unexpected sync timeout: %s", cfg.SyncTimeout)
	}
}

func TestUnknownFlagRejected(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-does-not-exist=1"})
	if err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"UPSTREAM_BASE", "UPSTREAM_TOKEN", "DOWNSTREAM_URL", "DOWNSTREAM_TOKEN",
		"DOWNSTREAM_USER", "DEFAULT_SYNC_INTERVAL_SECONDS", "SYNC_TIMEOUT_SECONDS",
		"MAX_CONCURRENT_SYNCS", "RETRY_MAX", "LOCAL_CLONE_ROOT", "STORE_DSN",
		"LOG_LEVEL", "LOG_FILE", "TIMEZONE", "LISTEN_ADDR", "METRICS_PATH",
		"HEALTH_PATH", "CLONE_ROOT_MAX_BYTES", "SHUTDOWN_GRACE_SECONDS",
		"LEASE_MARGIN_SECONDS",
	} {
		_ = os.Unsetenv(k)
	}
}
