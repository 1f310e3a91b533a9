// Package config loads the engine's configuration from flags with environment
// variable fallback, validated once at startup. Unknown flags are rejected;
// unknown environment variables are simply never read.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every option recognized by the sync engine process.
type Config struct {
	UpstreamBase  string // default upstream API root; parsed but not read by any other component
	UpstreamToken string // optional; required only for private upstreams

	DownstreamURL   string // Gitea base URL
	DownstreamToken string
	DownstreamUser  string // service user whose namespace owns mirrors with no downstream_owner

	DefaultSyncInterval time.Duration
	SyncTimeout          time.Duration
	MaxConcurrentSyncs   int
	RetryMax             int

	LocalCloneRoot    string
	CloneRootMaxBytes int64 // 0 disables the disk-usage guard

	StoreDSN string

	LogLevel string
	LogFile  string

	Timezone string // display only; internal times remain UTC

	ListenAddr      string
	MetricsPath     string
	HealthPath      string
	ShutdownGrace   time.Duration
	LeaseMargin     time.Duration // added to sync_timeout to derive the lease TTL
}

// Load reads configuration from os.Args and the process environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs reads configuration from the given args and the process environment,
// so tests can exercise parsing without touching os.Args.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("syncd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.UpstreamBase, "upstream-base", envOrDefault("UPSTREAM_BASE", "https://api.github.com"), "default upstream API root")
	fs.StringVar(&cfg.UpstreamToken, "upstream-token", envOrDefault("UPSTREAM_TOKEN", ""), "token for private upstream repos")
	fs.StringVar(&cfg.DownstreamURL, "downstream-url", envOrDefault("DOWNSTREAM_URL", ""), "Gitea base URL")
	fs.StringVar(&cfg.DownstreamToken, "downstream-token", envOrDefault("DOWNSTREAM_TOKEN", ""), "Gitea API token")
	fs.StringVar(&cfg.DownstreamUser, "downstream-user", envOrDefault("DOWNSTREAM_USER", ""), "Gitea service user namespace")
	fs.StringVar(&cfg.LocalCloneRoot, "local-clone-root", envOrDefault("LOCAL_CLONE_ROOT", "/var/lib/syncd/clones"), "root directory for local bare clones")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", envOrDefault("STORE_DSN", "file:/var/lib/syncd/syncd.db"), "metadata store DSN (file: embedded sqlite; postgres:// is rejected)")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.LogFile, "log-file", envOrDefault("LOG_FILE", ""), "file to write logs to; empty means stdout")
	fs.StringVar(&cfg.Timezone, "timezone", envOrDefault("TIMEZONE", "UTC"), "display timezone; internal times remain UTC")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.IntVar(&cfg.MaxConcurrentSyncs, "max-concurrent-syncs", envOrDefaultInt("MAX_CONCURRENT_SYNCS", 3), "worker pool size")
	fs.IntVar(&cfg.RetryMax, "retry-max", envOrDefaultInt("RETRY_MAX", 3), "max in-job retries for retryable failures")
	fs.Int64Var(&cfg.CloneRootMaxBytes, "clone-root-max-bytes", envOrDefaultInt64("CLONE_ROOT_MAX_BYTES", 0), "byte budget for local_clone_root; 0 disables eviction")

	defaultSyncIntervalStr := fs.String("default-sync-interval-seconds", envOrDefault("DEFAULT_SYNC_INTERVAL_SECONDS", "300"), "default sync interval in seconds")
	syncTimeoutStr := fs.String("sync-timeout-seconds", envOrDefault("SYNC_TIMEOUT_SECONDS", "600"), "per-stage/job timeout in seconds")
	shutdownGraceStr := fs.String("shutdown-grace-seconds", envOrDefault("SHUTDOWN_GRACE_SECONDS", "20"), "grace window before killing in-flight child processes on shutdown")
	leaseMarginStr := fs.String("lease-margin-seconds", envOrDefault("LEASE_MARGIN_SECONDS", "60"), "margin added to sync_timeout_seconds to derive the lease TTL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.DefaultSyncInterval, err = parseSecondsDuration(*defaultSyncIntervalStr); err != nil {
		return nil, fmt.Errorf("invalid default-sync-interval-seconds: %w", err)
	}
	if cfg.SyncTimeout, err = parseSecondsDuration(*syncTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid sync-timeout-seconds: %w", err)
	}
	if cfg.ShutdownGrace, err = parseSecondsDuration(*shutdownGraceStr); err != nil {
		return nil, fmt.Errorf("invalid shutdown-grace-seconds: %w", err)
	}
	if cfg.LeaseMargin, err = parseSecondsDuration(*leaseMarginStr); err != nil {
		return nil, fmt.Errorf("invalid lease-margin-seconds: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LeaseTTL is the lease timeout derived from sync_timeout_seconds + margin.
func (c *Config) LeaseTTL() time.Duration {
	return c.SyncTimeout + c.LeaseMargin
}

func validate(cfg *Config) error {
	if cfg.DownstreamURL == "" {
		return errors.New("downstream-url is required")
	}
	if cfg.DownstreamToken == "" {
		return errors.New("downstream-token is required")
	}
	if cfg.MaxConcurrentSyncs <= 0 {
		return errors.New("max-concurrent-syncs must be positive")
	}
	if cfg.RetryMax < 0 {
		return errors.New("retry-max cannot be negative")
	}
	if cfg.StoreDSN == "" {
		return errors.New("store-dsn is required")
	}
	return nil
}

func parseSecondsDuration(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return def
}
