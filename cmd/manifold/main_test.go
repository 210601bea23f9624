package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manifold-dash/manifold/internal/config"
	"github.com/manifold-dash/manifold/internal/state"
)

func testEnvConfig(stateDir string) *config.EnvConfig {
	return &config.EnvConfig{
		StateDir:              stateDir,
		ListenAddress:         "127.0.0.1",
		Port:                  2280,
		APIMaxBodyBytes:       1 << 20,
		GracePeriod:           time.Second,
		RealtimeIdleTimeout:   time.Minute,
		SinkBufferSize:        8,
		SSEKeepaliveInterval:  time.Second,
		AdapterTimeout:        time.Second,
		ProxyReadTimeout:      time.Second,
		SearchTimeout:         time.Second,
		ConnectionTestTimeout: time.Second,
		MonitorConcurrency:    2,
	}
}

const seedYAML = `instances:
  - id: g1
    type: glances
    display_name: Glances Main
    config:
      url: http://127.0.0.1:61208
`

func shutdownApp(t *testing.T, app *manifoldApp) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	app.shutdown(ctx)
}

func TestBootSeedAndRestart_PersistsInstancesAndConfig(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, "state")
	seedPath := filepath.Join(root, "instances.yaml")
	if err := os.WriteFile(seedPath, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	envCfg := testEnvConfig(stateDir)
	envCfg.InstancesFile = seedPath

	stores1, closer1, err := state.PersistenceBootstrap(stateDir)
	if err != nil {
		t.Fatalf("first PersistenceBootstrap: %v", err)
	}
	app1, err := newManifoldApp(envCfg, stores1)
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	if n := app1.plugins.Len(); n != 10 {
		t.Fatalf("plugins registered: got %d, want 10", n)
	}
	inst, err := stores1.Instances.GetByID("g1")
	if err != nil || inst == nil {
		t.Fatalf("seeded instance missing: inst=%v err=%v", inst, err)
	}
	if inst.Type != "glances" || !inst.Enabled {
		t.Fatalf("seeded instance: %+v", inst)
	}
	if app1.recorder.Enabled() {
		t.Fatal("recorder should start disabled by default")
	}

	if _, err := app1.sysConfig.Patch([]byte(`{"metric_history":{"enabled":true}}`)); err != nil {
		t.Fatalf("config patch: %v", err)
	}
	if !app1.recorder.Enabled() {
		t.Fatal("recorder should be enabled after patch")
	}

	shutdownApp(t, app1)
	if err := closer1.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	// Second boot without the seed file: state carries over.
	stores2, closer2, err := state.PersistenceBootstrap(stateDir)
	if err != nil {
		t.Fatalf("second PersistenceBootstrap: %v", err)
	}
	t.Cleanup(func() { _ = closer2.Close() })

	app2, err := newManifoldApp(testEnvConfig(stateDir), stores2)
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	t.Cleanup(func() { shutdownApp(t, app2) })

	if inst, err := stores2.Instances.GetByID("g1"); err != nil || inst == nil {
		t.Fatalf("instance lost across restart: inst=%v err=%v", inst, err)
	}
	if !app2.sysConfig.Current().MetricHistory.Enabled {
		t.Fatal("config patch lost across restart")
	}
	if !app2.recorder.Enabled() {
		t.Fatal("recorder should come up enabled from persisted config")
	}
}

func TestBootRejectsInvalidSeed(t *testing.T) {
	root := t.TempDir()
	seedPath := filepath.Join(root, "instances.yaml")
	bad := "instances:\n  - id: \"a:b\"\n    type: glances\n"
	if err := os.WriteFile(seedPath, []byte(bad), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	envCfg := testEnvConfig(filepath.Join(root, "state"))
	envCfg.InstancesFile = seedPath

	stores, closer, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}
	t.Cleanup(func() { _ = closer.Close() })

	if _, err := newManifoldApp(envCfg, stores); err == nil {
		t.Fatal("expected boot to fail on invalid seed id")
	}
}
