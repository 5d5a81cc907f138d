package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"Pulse/pkg/bridge"
	"Pulse/pkg/cache"
	"Pulse/pkg/config"
	"Pulse/pkg/devstate"
	"Pulse/pkg/events"
	"Pulse/pkg/monitor"
	"Pulse/pkg/scheduler"
)

// App wires the telemetry core together: executor, cache, registry,
// scheduler, monitor and the event bus. It owns component lifecycle;
// all device interaction flows through the scheduler.
type App struct {
	cfg config.Config
	log zerolog.Logger

	exec     *bridge.Executor
	store    *cache.Store
	registry *devstate.Registry
	bus      *events.Bus
	sched    *scheduler.Scheduler
	mon      *monitor.Monitor

	wg sync.WaitGroup
}

func NewApp(cfg config.Config, log zerolog.Logger) (*App, error) {
	exec, err := bridge.NewExecutor(cfg.BridgePath, log)
	if err != nil {
		return nil, err
	}

	store := cache.New(log)
	registry := devstate.NewRegistry(log, devstate.WithRemovalGrace(cfg.RemovalGrace.Std()))
	bus := events.NewBus(log)

	sched := scheduler.New(exec, store, registry, bus, log,
		scheduler.WithWorkers(cfg.Workers),
		scheduler.WithQueueDepth(cfg.QueueDepth),
		scheduler.WithQueueDeadline(cfg.QueueDeadline.Std()),
		scheduler.WithPolicy(policyFromConfig(cfg)),
	)

	mon := monitor.New(sched, store, bus, log,
		monitor.WithPollInterval(cfg.PollInterval.Std()),
		monitor.WithCrashInterval(cfg.CrashInterval.Std()),
	)

	return &App{
		cfg:      cfg,
		log:      log.With().Str("module", "app").Logger(),
		exec:     exec,
		store:    store,
		registry: registry,
		bus:      bus,
		sched:    sched,
		mon:      mon,
	}, nil
}

// Run starts the monitor loops and consumes the event stream until ctx
// ends. Event consumption here stands in for any presentation layer:
// everything it needs arrives as finalized typed events.
func (a *App) Run(ctx context.Context) error {
	ch, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()

	a.mon.Start()
	a.log.Info().Str("bridge", a.exec.Path()).Msg("telemetry core running")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(ch)
	}()

	<-ctx.Done()
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.log.Info().Msg("shutting down")
	a.mon.Stop()
	a.sched.Stop()
	a.bus.Close()
	a.wg.Wait()
}

// consume logs every event kind the core can emit. The switch is
// exhaustive on purpose: a new kind without a consumer arm is a bug.
func (a *App) consume(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Kind {
		case events.DeviceListUpdated:
			p := ev.Payload.(events.DeviceListPayload)
			a.log.Debug().Int("devices", len(p.Devices)).Msg("device list updated")

		case events.DeviceStateChanged:
			p := ev.Payload.(events.StateChangePayload)
			a.log.Info().Str("device", ev.DeviceID).
				Str("from", string(p.From)).Str("to", string(p.To)).
				Msg("device state changed")

		case events.MultipleDevices:
			p := ev.Payload.(events.DeviceListPayload)
			a.log.Info().Int("devices", len(p.Devices)).
				Msg("multiple devices connected, operations need an explicit device id")

		case events.PackageInventoryUpdated:
			p := ev.Payload.(events.InventoryPayload)
			a.log.Info().Str("device", ev.DeviceID).
				Int("packages", len(p.Packages)).Msg("package inventory updated")

		case events.MemorySnapshotReady:
			p := ev.Payload.(events.MemoryPayload)
			a.log.Info().Str("device", ev.DeviceID).
				Str("package", p.Snapshot.PackageName).
				Int64("pss_kb", p.Snapshot.PSSTotalKB).Msg("memory snapshot")

		case events.CrashOrAnrDetected:
			p := ev.Payload.(events.CrashPayload)
			a.log.Warn().Str("device", ev.DeviceID).
				Str("package", p.Crash.PackageName).
				Str("kind", string(p.Crash.Kind)).
				Str("signature", p.Crash.Signature).Msg("crash detected")

		case events.OperationFailed:
			p := ev.Payload.(events.FailurePayload)
			a.log.Error().Str("device", ev.DeviceID).
				Str("command", p.CommandKind).
				Str("kind", string(p.Kind)).
				Str("raw", p.Raw).Msg(p.Message)
		}
	}
}

// policyFromConfig maps the config's TTL settings onto the scheduler's
// policy, keeping the built-in per-kind command timeouts.
func policyFromConfig(cfg config.Config) scheduler.Policy {
	p := scheduler.DefaultPolicy()
	p.DiscoveryTTL = cfg.DiscoveryTTL.Std()
	p.InventoryTTL = cfg.InventoryTTL.Std()
	p.CrashScanTTL = cfg.CrashScanTTL.Std()
	return p
}

// ApplyConfig applies the hot-reloadable settings — caching TTLs and
// the monitor's poll/crash intervals — to the running components. Pool
// sizing, queue depth and the bridge path are fixed at startup.
func (a *App) ApplyConfig(cfg config.Config) {
	a.sched.SetPolicy(policyFromConfig(cfg))
	a.mon.SetIntervals(cfg.PollInterval.Std(), cfg.CrashInterval.Std())
	if cfg.Workers != a.cfg.Workers || cfg.QueueDepth != a.cfg.QueueDepth || cfg.BridgePath != a.cfg.BridgePath {
		a.log.Info().Msg("worker pool, queue depth and bridge path changes take effect on restart")
	}
	a.cfg = cfg
}
