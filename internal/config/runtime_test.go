package config

import (
	"encoding/json"
	"testing"
)

func TestForIntegrationDefaults(t *testing.T) {
	cfg := NewDefaultRuntimeConfig(false)

	eff := cfg.MetricHistory.ForIntegration("unknown")
	if eff.Mode != HistoryModeAuto {
		t.Fatalf("mode = %q, want auto", eff.Mode)
	}
	if eff.RetentionDays != DefaultRetentionDays {
		t.Fatalf("retention = %d, want %d", eff.RetentionDays, DefaultRetentionDays)
	}
}

func TestForIntegrationOverride(t *testing.T) {
	cfg := NewDefaultRuntimeConfig(true)
	cfg.MetricHistory.Integrations = map[string]IntegrationHistoryConfig{
		"glances-1": {Mode: HistoryModeInternal, RetentionDays: 7},
		"partial":   {RetentionDays: 14},
	}

	eff := cfg.MetricHistory.ForIntegration("glances-1")
	if eff.Mode != HistoryModeInternal || eff.RetentionDays != 7 {
		t.Fatalf("override not applied: %+v", eff)
	}

	// Partial override keeps the default mode.
	eff = cfg.MetricHistory.ForIntegration("partial")
	if eff.Mode != HistoryModeAuto || eff.RetentionDays != 14 {
		t.Fatalf("partial override: %+v", eff)
	}
}

func TestRuntimeConfigNormalize(t *testing.T) {
	raw := []byte(`{"metric_history":{"enabled":true,"defaults":{"mode":"bogus","retention_days":0}}}`)
	var cfg RuntimeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg.Normalize()
	if cfg.MetricHistory.Defaults.Mode != HistoryModeAuto {
		t.Fatalf("mode = %q, want auto", cfg.MetricHistory.Defaults.Mode)
	}
	if cfg.MetricHistory.Defaults.RetentionDays != DefaultRetentionDays {
		t.Fatalf("retention = %d", cfg.MetricHistory.Defaults.RetentionDays)
	}
}

func TestHistoryModeIsValid(t *testing.T) {
	for _, m := range []HistoryMode{HistoryModeOff, HistoryModeInternal, HistoryModeExternal, HistoryModeAuto} {
		if !m.IsValid() {
			t.Fatalf("expected %q valid", m)
		}
	}
	if HistoryMode("sometimes").IsValid() {
		t.Fatal("expected invalid mode to fail")
	}
}
