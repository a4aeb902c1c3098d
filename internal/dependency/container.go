// Package dependency wires the core openclaw services using go.uber.org/dig.
package dependency

import (
	"go.uber.org/dig"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/control"
	"github.com/jeebsjenkins/openclaw/internal/gateway"
	"github.com/jeebsjenkins/openclaw/internal/llmcli"
	"github.com/jeebsjenkins/openclaw/internal/services"
	"github.com/jeebsjenkins/openclaw/internal/store"
	"github.com/jeebsjenkins/openclaw/internal/tools"
	"github.com/jeebsjenkins/openclaw/internal/triage"
	"github.com/jeebsjenkins/openclaw/internal/turns"
)

// Container holds the resolved core service singletons. Callers use the
// typed getter methods; they never need to import dig directly.
type Container struct {
	store      *store.Store
	broker     *broker.Broker
	registry   *tools.Registry
	runner     *llmcli.Runner
	triage     *triage.Client
	turns      *turns.Manager
	control    *control.Server
	supervisor *services.Supervisor
	gateway    *gateway.Client
}

func (c *Container) Store() *store.Store           { return c.store }
func (c *Container) Broker() *broker.Broker        { return c.broker }
func (c *Container) Registry() *tools.Registry     { return c.registry }
func (c *Container) Runner() *llmcli.Runner        { return c.runner }
func (c *Container) Triage() *triage.Client        { return c.triage }
func (c *Container) Turns() *turns.Manager         { return c.turns }
func (c *Container) Control() *control.Server      { return c.control }
func (c *Container) Services() *services.Supervisor { return c.supervisor }
func (c *Container) Gateway() *gateway.Client      { return c.gateway }

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	for _, provide := range []any{
		func() *config.Config { return cfg },
		newStore,
		broker.New,
		newRegistry,
		newRunner,
		newTriage,
		newTurnManager,
		newSupervisor,
		newControl,
		newGateway,
	} {
		if err := d.Provide(provide); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		st *store.Store,
		bk *broker.Broker,
		registry *tools.Registry,
		runner *llmcli.Runner,
		tri *triage.Client,
		mgr *turns.Manager,
		ctrl *control.Server,
		sup *services.Supervisor,
		gw *gateway.Client,
	) {
		// Late-bound: the services_status tool needs the supervisor,
		// which is constructed after the registry.
		registry.SetServices(sup)

		result = &Container{
			store:      st,
			broker:     bk,
			registry:   registry,
			runner:     runner,
			triage:     tri,
			turns:      mgr,
			control:    ctrl,
			supervisor: sup,
			gateway:    gw,
		}
	})
	return result, err
}

func newStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.ProjectRoot)
}

func newRegistry(st *store.Store, bk *broker.Broker) *tools.Registry {
	return tools.New(st, bk)
}

func newRunner(cfg *config.Config) *llmcli.Runner {
	return llmcli.New(cfg.LLMCLI)
}

func newTriage(cfg *config.Config) *triage.Client {
	return triage.New(cfg.Triage)
}

func newTurnManager(st *store.Store, bk *broker.Broker, runner *llmcli.Runner, tri *triage.Client) *turns.Manager {
	return turns.New(st, bk, runner, tri)
}

func newSupervisor(cfg *config.Config, bk *broker.Broker) *services.Supervisor {
	return services.New(cfg.ProjectRoot, bk)
}

func newControl(cfg *config.Config, st *store.Store, bk *broker.Broker, registry *tools.Registry, runner *llmcli.Runner, tri *triage.Client) *control.Server {
	return control.New(cfg.Control, st, bk, registry, runner, tri)
}

func newGateway(cfg *config.Config) (*gateway.Client, error) {
	return gateway.New(cfg.Gateway, cfg.ProjectRoot)
}
