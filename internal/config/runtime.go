package config

import (
	"fmt"
	"maps"
)

// HistoryMode selects where a metric's history is recorded and served from.
type HistoryMode string

const (
	// HistoryModeOff disables recording and queries for the integration.
	HistoryModeOff HistoryMode = "off"
	// HistoryModeInternal records into the local tiered store and ignores
	// upstream history endpoints.
	HistoryModeInternal HistoryMode = "internal"
	// HistoryModeExternal proxies queries to the upstream history endpoint.
	HistoryModeExternal HistoryMode = "external"
	// HistoryModeAuto follows the probed source record per metric.
	HistoryModeAuto HistoryMode = "auto"
)

// IsValid reports whether m is a known mode.
func (m HistoryMode) IsValid() bool {
	switch m {
	case HistoryModeOff, HistoryModeInternal, HistoryModeExternal, HistoryModeAuto:
		return true
	}
	return false
}

// IntegrationHistoryConfig is the per-integration recorder policy.
type IntegrationHistoryConfig struct {
	Mode          HistoryMode `json:"mode"`
	RetentionDays int         `json:"retention_days"`
}

// MetricHistoryConfig is the recorder section of the runtime config.
type MetricHistoryConfig struct {
	Enabled      bool                                `json:"enabled"`
	Defaults     IntegrationHistoryConfig            `json:"defaults"`
	Integrations map[string]IntegrationHistoryConfig `json:"integrations,omitempty"`
}

// ForIntegration resolves the effective policy for one integration id:
// per-integration override when present, defaults otherwise. Zero or invalid
// fields in an override fall back to the defaults field-wise.
func (c MetricHistoryConfig) ForIntegration(id string) IntegrationHistoryConfig {
	eff := c.Defaults
	if ov, ok := c.Integrations[id]; ok {
		if ov.Mode.IsValid() {
			eff.Mode = ov.Mode
		}
		if ov.RetentionDays > 0 {
			eff.RetentionDays = ov.RetentionDays
		}
	}
	if !eff.Mode.IsValid() {
		eff.Mode = HistoryModeAuto
	}
	if eff.RetentionDays <= 0 {
		eff.RetentionDays = DefaultRetentionDays
	}
	return eff
}

// DefaultRetentionDays is the retention applied when no policy names one.
const DefaultRetentionDays = 30

// RuntimeConfig holds all hot-updatable global settings. These are persisted
// in the database as a single JSON document and survive restarts.
type RuntimeConfig struct {
	MetricHistory MetricHistoryConfig `json:"metric_history"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
// historyEnabled seeds the recorder flag on first boot only.
func NewDefaultRuntimeConfig(historyEnabled bool) *RuntimeConfig {
	return &RuntimeConfig{
		MetricHistory: MetricHistoryConfig{
			Enabled: historyEnabled,
			Defaults: IntegrationHistoryConfig{
				Mode:          HistoryModeAuto,
				RetentionDays: DefaultRetentionDays,
			},
		},
	}
}

// Clone returns a deep copy, so a patch can be applied and validated without
// touching the live document.
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	if c == nil {
		return NewDefaultRuntimeConfig(false)
	}
	out := *c
	if c.MetricHistory.Integrations != nil {
		out.MetricHistory.Integrations = maps.Clone(c.MetricHistory.Integrations)
	}
	return &out
}

// Validate rejects documents a config update must not accept. Unlike
// Normalize it reports instead of repairing.
func (c *RuntimeConfig) Validate() error {
	if !c.MetricHistory.Defaults.Mode.IsValid() {
		return fmt.Errorf("metric_history.defaults.mode: must be one of off, internal, external, auto")
	}
	if c.MetricHistory.Defaults.RetentionDays <= 0 {
		return fmt.Errorf("metric_history.defaults.retention_days: must be positive")
	}
	for id, ov := range c.MetricHistory.Integrations {
		if ov.Mode != "" && !ov.Mode.IsValid() {
			return fmt.Errorf("metric_history.integrations[%s].mode: unknown mode %q", id, ov.Mode)
		}
		if ov.RetentionDays < 0 {
			return fmt.Errorf("metric_history.integrations[%s].retention_days: must be non-negative", id)
		}
	}
	return nil
}

// Normalize repairs invalid or missing fields in place, returning the config
// for chaining. Used after unmarshaling user-supplied documents.
func (c *RuntimeConfig) Normalize() *RuntimeConfig {
	if !c.MetricHistory.Defaults.Mode.IsValid() {
		c.MetricHistory.Defaults.Mode = HistoryModeAuto
	}
	if c.MetricHistory.Defaults.RetentionDays <= 0 {
		c.MetricHistory.Defaults.RetentionDays = DefaultRetentionDays
	}
	for id, ov := range c.MetricHistory.Integrations {
		if ov.Mode != "" && !ov.Mode.IsValid() {
			ov.Mode = ""
			c.MetricHistory.Integrations[id] = ov
		}
	}
	return c
}
