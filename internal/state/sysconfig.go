package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/manifold-dash/manifold/internal/config"
)

// SystemConfigRepo wraps the single-row system_config table holding the
// hot-updatable runtime config as one JSON document.
type SystemConfigRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSystemConfigRepo creates a SystemConfigRepo for the given state.db
// connection.
func NewSystemConfigRepo(db *sql.DB) *SystemConfigRepo {
	return &SystemConfigRepo{db: db}
}

// GetSystemConfig loads the runtime config and version from state.db.
// Returns nil config and version 0 if no row exists.
func (r *SystemConfigRepo) GetSystemConfig() (*config.RuntimeConfig, int, error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	cfg := &config.RuntimeConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal system_config: %w", err)
	}
	return cfg.Normalize(), version, nil
}

// UpdateSystemConfig persists the runtime config with the given version.
func (r *SystemConfigRepo) UpdateSystemConfig(cfg *config.RuntimeConfig, version int, updatedAtNs int64) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal system_config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), version, updatedAtNs)
	return err
}

// GetMetricHistoryDefaults returns the default per-integration history
// policy from the stored config, or the built-in defaults when no row exists.
func (r *SystemConfigRepo) GetMetricHistoryDefaults() (config.IntegrationHistoryConfig, error) {
	cfg, _, err := r.GetSystemConfig()
	if err != nil {
		return config.IntegrationHistoryConfig{}, err
	}
	if cfg == nil {
		return config.IntegrationHistoryConfig{
			Mode:          config.HistoryModeAuto,
			RetentionDays: config.DefaultRetentionDays,
		}, nil
	}
	return cfg.MetricHistory.Defaults, nil
}

// EnsureDefault loads the stored runtime config, writing and returning the
// default document when none exists yet.
func (r *SystemConfigRepo) EnsureDefault(defaultCfg *config.RuntimeConfig, nowNs int64) (*config.RuntimeConfig, int, error) {
	cfg, version, err := r.GetSystemConfig()
	if err != nil {
		return nil, 0, err
	}
	if cfg != nil {
		return cfg, version, nil
	}
	if err := r.UpdateSystemConfig(defaultCfg, 1, nowNs); err != nil {
		return nil, 0, fmt.Errorf("write default system_config: %w", err)
	}
	return defaultCfg, 1, nil
}
