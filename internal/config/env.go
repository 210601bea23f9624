// Package config handles environment-based configuration loading and the
// persisted runtime config model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress string
	Port          int

	// API
	APIMaxBodyBytes int
	AdminToken      string

	// Stream engine
	GracePeriod          time.Duration
	RealtimeIdleTimeout  time.Duration
	SinkBufferSize       int
	SSEKeepaliveInterval time.Duration

	// Upstream call timeouts
	AdapterTimeout        time.Duration
	ProxyReadTimeout      time.Duration
	SearchTimeout         time.Duration
	ConnectionTestTimeout time.Duration

	// Monitor sweep
	MonitorConcurrency int

	// Optional inputs
	InstancesFile string
	GeoIPDBPath   string

	// History recorder boot default (used only when no system_config row
	// exists yet; afterwards the persisted runtime config wins).
	HistoryEnabledDefault bool
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("MANIFOLD_STATE_DIR", "/var/lib/manifold")
	cfg.ListenAddress = strings.TrimSpace(envStr("MANIFOLD_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("MANIFOLD_PORT", 2280, &errs)

	cfg.APIMaxBodyBytes = envInt("MANIFOLD_API_MAX_BODY_BYTES", 1<<20, &errs)

	cfg.GracePeriod = envDuration("MANIFOLD_GRACE_PERIOD", 30*time.Second, &errs)
	cfg.RealtimeIdleTimeout = envDuration("MANIFOLD_REALTIME_IDLE_TIMEOUT", 5*time.Minute, &errs)
	cfg.SinkBufferSize = envInt("MANIFOLD_SINK_BUFFER", 64, &errs)
	cfg.SSEKeepaliveInterval = envDuration("MANIFOLD_SSE_KEEPALIVE_INTERVAL", 30*time.Second, &errs)

	cfg.AdapterTimeout = envDuration("MANIFOLD_ADAPTER_TIMEOUT", 10*time.Second, &errs)
	cfg.ProxyReadTimeout = envDuration("MANIFOLD_PROXY_READ_TIMEOUT", 15*time.Second, &errs)
	cfg.SearchTimeout = envDuration("MANIFOLD_SEARCH_TIMEOUT", 60*time.Second, &errs)
	cfg.ConnectionTestTimeout = envDuration("MANIFOLD_CONNECTION_TEST_TIMEOUT", 5*time.Second, &errs)

	cfg.MonitorConcurrency = envInt("MANIFOLD_MONITOR_CONCURRENCY", 8, &errs)

	cfg.InstancesFile = envStr("MANIFOLD_INSTANCES_FILE", "")
	cfg.GeoIPDBPath = envStr("MANIFOLD_GEOIP_DB", "")
	cfg.HistoryEnabledDefault = envBool("MANIFOLD_HISTORY_ENABLED", false, &errs)

	// Auth token must be defined; empty means API auth disabled.
	adminToken, hasAdminToken := os.LookupEnv("MANIFOLD_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "MANIFOLD_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "MANIFOLD_LISTEN_ADDRESS must not be empty")
	}
	validatePort("MANIFOLD_PORT", cfg.Port, &errs)
	validatePositive("MANIFOLD_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("MANIFOLD_SINK_BUFFER", cfg.SinkBufferSize, &errs)
	validatePositive("MANIFOLD_MONITOR_CONCURRENCY", cfg.MonitorConcurrency, &errs)
	validatePositiveDuration("MANIFOLD_GRACE_PERIOD", cfg.GracePeriod, &errs)
	validatePositiveDuration("MANIFOLD_REALTIME_IDLE_TIMEOUT", cfg.RealtimeIdleTimeout, &errs)
	validatePositiveDuration("MANIFOLD_SSE_KEEPALIVE_INTERVAL", cfg.SSEKeepaliveInterval, &errs)
	validatePositiveDuration("MANIFOLD_ADAPTER_TIMEOUT", cfg.AdapterTimeout, &errs)
	validatePositiveDuration("MANIFOLD_PROXY_READ_TIMEOUT", cfg.ProxyReadTimeout, &errs)
	validatePositiveDuration("MANIFOLD_SEARCH_TIMEOUT", cfg.SearchTimeout, &errs)
	validatePositiveDuration("MANIFOLD_CONNECTION_TEST_TIMEOUT", cfg.ConnectionTestTimeout, &errs)

	if cfg.InstancesFile != "" {
		if _, err := os.Stat(cfg.InstancesFile); err != nil {
			errs = append(errs, fmt.Sprintf("MANIFOLD_INSTANCES_FILE: %v", err))
		}
	}
	if cfg.GeoIPDBPath != "" {
		if _, err := os.Stat(cfg.GeoIPDBPath); err != nil {
			errs = append(errs, fmt.Sprintf("MANIFOLD_GEOIP_DB: %v", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid bool %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
