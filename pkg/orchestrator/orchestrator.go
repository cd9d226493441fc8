/*
Package orchestrator is the top-level facade: it constructs every
control-plane component against a shared store and config, wires the
narrow interfaces each package depends on instead of its neighbor's
concrete type, and owns the Start/Stop lifecycle of the whole process.

Grounded on cuemby-warren's pkg/manager, whose Manager struct played the
same role — the single place that knows about every subsystem so main.go
doesn't have to.
*/
package orchestrator

import (
	"github.com/decloud/orchestrator/pkg/api"
	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/delivery"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/ingress"
	"github.com/decloud/orchestrator/pkg/latency"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/mesh"
	"github.com/decloud/orchestrator/pkg/metering"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/registry"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/rs/zerolog"
)

// Orchestrator owns every long-running component and the store they
// share. Construct one with New, call Start, and Stop it on shutdown.
type Orchestrator struct {
	Store storage.Store
	Cfg   *config.Config

	Broker      *events.Broker
	Lifecycle   *lifecycle.Manager
	Scheduler   *scheduler.Scheduler
	Registry    *registry.Registry
	Delivery    *delivery.Delivery
	Mesh        *mesh.Manager
	Obligations *obligation.Engine
	Ingress     *ingress.Registry
	Metering    *metering.Pipeline
	Latency     *latency.Tracker
	Auth        *auth.Service
	API         *api.Server

	logger zerolog.Logger
}

// New constructs every component and wires their cross-package
// dependencies, but starts nothing — call Start once the store is
// ready and before serving traffic.
func New(cfg *config.Config, store storage.Store) *Orchestrator {
	o := &Orchestrator{
		Store:  store,
		Cfg:    cfg,
		logger: log.WithComponent("orchestrator"),
	}

	o.Broker = events.NewBroker(store)
	o.Lifecycle = lifecycle.NewManager(store, o.Broker)
	o.Delivery = delivery.NewDelivery(store, o.Lifecycle, o.Broker)
	o.Scheduler = scheduler.NewScheduler(store, cfg, o.Delivery, o.Broker)
	o.Registry = registry.NewRegistry(store, cfg, o.Broker, o.Lifecycle)
	o.Registry.SetCommandDrainer(o.Delivery)
	o.Mesh = mesh.NewManager(store, cfg, o.Delivery, o.Lifecycle, o.Broker)
	o.Obligations = obligation.NewEngine(store, cfg, o.Delivery, o.Lifecycle, o.Mesh)
	o.Ingress = ingress.NewRegistry(store, cfg, nil)
	o.Lifecycle.SetIngress(o.Ingress)
	o.Metering = metering.NewPipeline(store, cfg, o.Broker, nil, nil, nil)
	o.Latency = latency.NewTracker(store, cfg)
	o.Auth = auth.NewService(store, cfg)

	o.API = api.NewServer(cfg, store, o.Auth, o.Registry, o.Delivery, o.Lifecycle, o.Obligations, o.Mesh, o.Ingress)

	return o
}

// Start begins every background loop: event distribution, scheduling,
// node health/token sweeps, command delivery's stale-command sweep, mesh
// relay health checks, obligation reconciliation, metering, and latency
// tracking. The HTTP server is started separately by the caller, which
// owns the net.Listener and graceful-shutdown signal handling.
func (o *Orchestrator) Start() {
	o.Broker.Start()
	o.Scheduler.Start()
	o.Registry.Start()
	o.Delivery.Start()
	o.Mesh.Start()
	o.Obligations.Start()
	o.Metering.Start()
	o.Latency.Start()
	o.logger.Info().Msg("orchestrator started")
}

// Stop halts every background loop in roughly reverse start order.
func (o *Orchestrator) Stop() {
	o.Latency.Stop()
	o.Metering.Stop()
	o.Obligations.Stop()
	o.Mesh.Stop()
	o.Delivery.Stop()
	o.Registry.Stop()
	o.Scheduler.Stop()
	o.Broker.Stop()
	if err := o.Store.Close(); err != nil {
		o.logger.Error().Err(err).Msg("closing store failed")
	}
	o.logger.Info().Msg("orchestrator stopped")
}
