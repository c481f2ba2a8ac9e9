// Package app is Mission Control's wiring root: it owns every collaborator
// the lifecycle engine needs (store, event bus, gateway client, state
// machine, monitor registry, dispatcher, orchestrator router, reconciler,
// planning controller) and assembles them in dependency order, following
// the teacher's cmd/kandev/main.go wiring sequence (config -> logger ->
// context -> event bus -> backing store -> lifecycle collaborators ->
// gateway connect -> periodic reconcile).
package app

import (
	"context"
	"fmt"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/missioncontrol/missioncontrol/internal/config"
	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/gateway/ws"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/dispatcher"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/monitor"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/orchestrator"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/planning"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/reconciler"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/store"
	"github.com/missioncontrol/missioncontrol/internal/store/sqlite"
	"github.com/missioncontrol/missioncontrol/internal/tracing"
)

// App holds every wired collaborator an HTTP handler or background loop
// needs. cmd/missioncontrold constructs one App and hands it to the API
// router. The end-to-end tests wire their own harness over a memstore +
// fake gateway instead of an App; app_test.go builds one through New.
type App struct {
	Config *config.Config
	Log    *logging.Logger

	Store   store.Store
	Bus     eventbus.Bus
	Gateway gateway.Client

	Machine      *statemachine.Engine
	Monitors     *monitor.Registry
	Dispatcher   *dispatcher.Dispatcher
	Orchestrator *orchestrator.Router
	Reconciler   *reconciler.Reconciler
	Planning     *planning.Controller

	cronSched *robfigcron.Cron
	ticker    *time.Ticker
	stopOnce  chan struct{}
}

// New assembles every collaborator over cfg. The returned App's backing
// store is always the sqlite backend — config.validate() rejects any
// database.driver other than "sqlite", so there is no runtime switch here.
func New(cfg *config.Config, log *logging.Logger) (*App, error) {
	st, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	bus, err := newBus(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	gw := ws.New(cfg.Gateway.BaseURL, cfg.Gateway.WSURL, cfg.Gateway.Token, log)

	machine := statemachine.New(st, bus, log)

	monitors := monitor.New(monitor.Deps{
		Store:        st,
		Gateway:      gw,
		Bus:          bus,
		Machine:      machine,
		Log:          log,
		PollInterval: cfg.Workflow.PollInterval(),
		IdleTimeout:  cfg.Workflow.IdleTimeout(),
		AckTimeout:   cfg.Workflow.FirstActivityAckTimeout(),
	})

	disp := dispatcher.New(st, gw, bus, monitors, machine, log, cfg.Workflow.FirstActivityAckTimeout())

	router := orchestrator.New(st, gw, disp, monitors, machine, log, cfg.Events.Namespace)
	// Resolves the monitor<->orchestrator import cycle: Registry depends on
	// the narrow monitor.Handoff interface rather than *orchestrator.Router
	// directly, so the concrete router is only wired in after both exist.
	monitors.SetHandoff(router)

	recon := reconciler.New(st, gw, machine, log)
	plan := planning.New(st, gw, disp, router, machine, log, cfg.Events.Namespace)

	return &App{
		Config:       cfg,
		Log:          log,
		Store:        st,
		Bus:          bus,
		Gateway:      gw,
		Machine:      machine,
		Monitors:     monitors,
		Dispatcher:   disp,
		Orchestrator: router,
		Reconciler:   recon,
		Planning:     plan,
		stopOnce:     make(chan struct{}),
	}, nil
}

func newBus(cfg *config.Config, log *logging.Logger) (eventbus.Bus, error) {
	if cfg.Events.NATSURL == "" {
		log.Info("using in-memory event bus")
		return eventbus.NewMemoryBus(), nil
	}
	log.Info("connecting to NATS event bus")
	bus, err := eventbus.NewNATSBus(cfg.Events.NATSURL, log)
	if err != nil {
		return nil, fmt.Errorf("app: connect nats bus: %w", err)
	}
	return bus, nil
}

// Start connects the gateway client and begins the periodic Reconciler
// pass. It does not block; call Stop during shutdown to release both.
func (a *App) Start(ctx context.Context) error {
	if err := a.Gateway.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect gateway: %w", err)
	}
	a.startReconcileSchedule(ctx)
	return nil
}

// startReconcileSchedule wires workflow.reconcileCron (a robfig/cron/v3
// expression) when set, falling back to a plain ticker at
// workflow.reconcileIntervalMs otherwise, per spec.md §6's "already
// configured this way" note on the Reconciler's schedule.
func (a *App) startReconcileSchedule(ctx context.Context) {
	runOnce := func() {
		report, err := a.Reconciler.Run(ctx)
		if err != nil {
			a.Log.WithError(err).Warn("reconciler: run failed")
			return
		}
		if len(report.Reconciled) > 0 {
			a.Log.Info("reconciler: corrected task statuses")
		}
	}

	if a.Config.Workflow.ReconcileCron != "" {
		sched := robfigcron.New(robfigcron.WithParser(robfigcron.NewParser(
			robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow,
		)))
		if _, err := sched.AddFunc(a.Config.Workflow.ReconcileCron, runOnce); err != nil {
			a.Log.WithError(err).Error("reconciler: invalid reconcileCron expression, falling back to ticker")
		} else {
			a.cronSched = sched
			sched.Start()
			return
		}
	}

	a.ticker = time.NewTicker(a.Config.Workflow.ReconcileInterval())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopOnce:
				return
			case <-a.ticker.C:
				runOnce()
			}
		}
	}()
}

// Stop releases every background resource the App owns: the reconcile
// schedule, the event bus connection, and the backing store.
func (a *App) Stop(ctx context.Context) error {
	if a.cronSched != nil {
		cronStopCtx := a.cronSched.Stop()
		select {
		case <-cronStopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stopOnce)
	}

	if err := tracing.Shutdown(ctx); err != nil {
		a.Log.WithError(err).Warn("tracing: shutdown failed")
	}

	a.Bus.Close()

	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("app: close store: %w", err)
	}
	return nil
}
