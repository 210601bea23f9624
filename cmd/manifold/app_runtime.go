package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manifold-dash/manifold/internal/api"
	"github.com/manifold-dash/manifold/internal/buildinfo"
	"github.com/manifold-dash/manifold/internal/config"
	"github.com/manifold-dash/manifold/internal/geoip"
	"github.com/manifold-dash/manifold/internal/history"
	"github.com/manifold-dash/manifold/internal/integrations"
	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/poller"
	"github.com/manifold-dash/manifold/internal/realtime"
	"github.com/manifold-dash/manifold/internal/sched"
	"github.com/manifold-dash/manifold/internal/state"
	"github.com/manifold-dash/manifold/internal/stream"
	"github.com/manifold-dash/manifold/internal/topic"
)

type manifoldApp struct {
	envCfg *config.EnvConfig

	resolver    *geoip.Resolver
	plugins     *plugin.Registry
	scheduler   *sched.Scheduler
	manager     *stream.Manager
	registry    *stream.Registry
	broadcaster *stream.Broadcaster
	pollers     *poller.Orchestrator
	realtime    *realtime.Orchestrator
	recorder    *history.Recorder
	sysConfig   *api.RuntimeConfigStore
	apiSrv      *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if envCfg.AdminToken == "" {
		log.Printf("[boot] MANIFOLD_ADMIN_TOKEN is empty, API authentication is disabled")
	} else if config.IsWeakToken(envCfg.AdminToken) {
		log.Printf("[boot] MANIFOLD_ADMIN_TOKEN looks weak, consider a longer random value")
	}

	stores, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Printf("[boot] persistence ready in %s", envCfg.StateDir)

	app, err := newManifoldApp(envCfg, stores)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("[state] close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newManifoldApp(envCfg *config.EnvConfig, stores *state.Stores) (*manifoldApp, error) {
	app := &manifoldApp{envCfg: envCfg}

	// Phase 1: optional GeoIP resolver. A broken database file disables
	// location annotation instead of failing boot; a nil resolver still
	// yields valid no-op lookups.
	if envCfg.GeoIPDBPath != "" {
		resolver, err := geoip.Open(envCfg.GeoIPDBPath)
		if err != nil {
			log.Printf("[geoip] open %s: %v, continuing without location data", envCfg.GeoIPDBPath, err)
		} else {
			app.resolver = resolver
			if info, ok := resolver.Info(); ok {
				log.Printf("[geoip] %s database loaded (built %s)",
					info.DatabaseType, info.BuildTime.Format(time.DateOnly))
			}
		}
	}

	// Phase 2: plugin registry with all built-in integrations.
	app.plugins = plugin.NewRegistry()
	if err := integrations.RegisterAll(app.plugins, integrations.Deps{
		AdapterTimeout:        envCfg.AdapterTimeout,
		ConnectionTestTimeout: envCfg.ConnectionTestTimeout,
		MonitorConcurrency:    envCfg.MonitorConcurrency,
		Instances:             stores.Instances,
		Locate:                app.resolver.Lookup,
	}); err != nil {
		return nil, fmt.Errorf("register plugins: %w", err)
	}
	log.Printf("[boot] %d integration plugins registered", app.plugins.Len())

	// Phase 3: seed instances from the declarative file, then flag stored
	// instances whose type no plugin claims so config typos surface at boot.
	if envCfg.InstancesFile != "" {
		seed, err := state.LoadSeedFile(envCfg.InstancesFile)
		if err != nil {
			return nil, err
		}
		n, err := state.ApplySeed(stores.Instances, seed, time.Now())
		if err != nil {
			return nil, fmt.Errorf("apply instance seed: %w", err)
		}
		log.Printf("[boot] seeded %d instances from %s", n, envCfg.InstancesFile)
	}
	if instances, err := stores.Instances.List(); err == nil {
		for _, inst := range instances {
			if app.plugins.Get(inst.Type) == nil {
				log.Printf("[boot] instance %s has unknown type %q", inst.ID, inst.Type)
			}
		}
	}

	// Phase 4: scheduler and stream core.
	app.scheduler = sched.New()
	app.manager, app.registry, app.broadcaster = stream.New(stream.Config{
		GracePeriod: envCfg.GracePeriod,
	})

	// Phase 5: persisted runtime config and the metric history recorder.
	runtimeCfg, version, err := stores.SystemConfig.EnsureDefault(
		config.NewDefaultRuntimeConfig(envCfg.HistoryEnabledDefault), time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("system config: %w", err)
	}
	app.recorder = history.New(history.Config{
		Plugins:        app.plugins,
		Instances:      stores.Instances,
		Store:          history.NewRepo(stores.HistoryDB),
		Scheduler:      app.scheduler,
		AdapterTimeout: envCfg.AdapterTimeout,
		ProxyTimeout:   envCfg.ProxyReadTimeout,
	})
	app.recorder.Configure(runtimeCfg.MetricHistory)
	app.sysConfig = api.NewRuntimeConfigStore(stores.SystemConfig, runtimeCfg, version,
		func(c *config.RuntimeConfig) { app.recorder.Configure(c.MetricHistory) })

	// Phase 6: orchestrators. Realtime fronts the poller: topics it cannot
	// serve delegate, so subscription dispatch routes everything through it.
	app.pollers = poller.New(poller.Config{
		Plugins:        app.plugins,
		Instances:      stores.Instances,
		Streams:        app.registry,
		Recorder:       app.recorder,
		AdapterTimeout: envCfg.AdapterTimeout,
	})
	app.realtime = realtime.New(realtime.Config{
		Plugins:     app.plugins,
		Instances:   stores.Instances,
		Streams:     app.registry,
		Pollers:     app.pollers,
		IdleTimeout: envCfg.RealtimeIdleTimeout,
	})

	// Phase 7: subscription dispatch. Hooks fire under the registry lock,
	// so hand off to goroutines before touching orchestrators.
	app.registry.SetHooks(
		func(t topic.Topic) { go app.realtime.Start(t) },
		func(t topic.Topic) { go app.realtime.Stop(t) },
	)
	var retained []string
	for _, p := range app.plugins.All() {
		if p.Realtime != nil {
			retained = append(retained, p.ID)
		}
	}
	app.registry.SetRetainedTypes(retained)
	app.broadcaster.Filters().Register("overseerr", integrations.OverseerrRequestFilter)

	// Phase 8: daily GeoIP reload, picked up when the file on disk changes.
	if app.resolver != nil {
		err := app.scheduler.RegisterJob(sched.Job{
			ID:          "geoip-refresh",
			Cron:        "30 4 * * *",
			Description: "Reload the GeoIP database if the file changed",
			Execute: func() {
				if err := app.resolver.Refresh(); err != nil {
					log.Printf("[geoip] refresh: %v", err)
				}
			},
		})
		if err != nil {
			return nil, err
		}
	}

	// Phase 9: API server. Listening starts in startServers.
	app.apiSrv = api.NewServer(api.Config{
		ListenAddress:     envCfg.ListenAddress,
		Port:              envCfg.Port,
		AdminToken:        envCfg.AdminToken,
		MaxBodyBytes:      int64(envCfg.APIMaxBodyBytes),
		KeepaliveInterval: envCfg.SSEKeepaliveInterval,
		SinkBuffer:        envCfg.SinkBufferSize,
		Streams:           app.manager,
		Topics:            app.registry,
		Pollers:           app.pollers,
		Realtime:          app.realtime,
		Recorder:          app.recorder,
		Instances:         stores.Instances,
		Plugins:           app.plugins,
		SysConfig:         app.sysConfig,
		Info: api.SystemInfo{
			Name:      "manifold",
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
		},
		Geo: app.resolver,
	})

	app.scheduler.Start()
	return app, nil
}

func (a *manifoldApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on http://%s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		err := a.apiSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- fmt.Errorf("api server: %w", err):
			default:
			}
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[boot] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[boot] server runtime error (%v), shutting down", err)
		return err
	}
}

func (a *manifoldApp) shutdown(ctx context.Context) {
	// Close live event streams first so their handlers drain, then stop
	// accepting requests.
	a.manager.DetachAll()
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown error: %v", err)
	}
	log.Printf("[api] server stopped")

	// Event sources next, then the machinery they feed.
	a.realtime.Shutdown()
	a.pollers.Shutdown()
	a.recorder.Shutdown()
	a.scheduler.Stop()
	log.Printf("[boot] background services stopped")

	a.broadcaster.Close()
	if a.resolver != nil {
		a.resolver.Close()
	}
	log.Printf("[boot] shutdown complete")
}
