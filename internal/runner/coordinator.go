// ABOUTME: Per-process integration runner coordinator
// ABOUTME: Wins leases, opens supervisors, wires control handlers, and hands off on shutdown

package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/tether/internal/coord"
	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/store"
)

// RunnerContext is everything an event sink needs to act on an inbound
// event for one integration.
type RunnerContext struct {
	Integration store.Integration
	Me          platform.Identity
	Client      platform.Client
}

// EventSink consumes inbound platform events for a running integration.
type EventSink interface {
	HandleEvent(ctx context.Context, rc RunnerContext, event platform.MessageEvent)
}

// Config holds the coordinator's timing knobs.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// Coordinator drives the runner lifecycle for all integrations this process
// may own. Any process may attempt to own any integration; the lease store
// is the single arbiter.
type Coordinator struct {
	processID string
	registry  *Registry
	leases    coord.LeaseStore
	bus       coord.ControlBus
	store     store.IntegrationStore
	factory   platform.Factory
	sink      EventSink
	cfg       Config
	logger    *slog.Logger

	mu         sync.Mutex
	runners    map[string]*runnerEntry
	startUnsub coord.Unsubscribe
	closed     bool
}

// runnerEntry is one live registration in this process.
type runnerEntry struct {
	supervisor  *Supervisor
	lease       coord.Lease
	unregister  func()
	unsubscribe coord.Unsubscribe
	stopRenew   context.CancelFunc
}

// CoordinatorParams configures a Coordinator.
type CoordinatorParams struct {
	Leases  coord.LeaseStore
	Bus     coord.ControlBus
	Store   store.IntegrationStore
	Factory platform.Factory
	Sink    EventSink
	Config  Config
	Logger  *slog.Logger
}

// NewCoordinator creates a coordinator with a fresh process holder id.
func NewCoordinator(params CoordinatorParams) *Coordinator {
	processID := uuid.New().String()
	return &Coordinator{
		processID: processID,
		registry:  NewRegistry(params.Leases, params.Bus, params.Logger),
		leases:    params.Leases,
		bus:       params.Bus,
		store:     params.Store,
		factory:   params.Factory,
		sink:      params.Sink,
		cfg:       params.Config,
		logger:    params.Logger.With("component", "coordinator", "process_id", processID),
		runners:   make(map[string]*runnerEntry),
	}
}

// ProcessID returns the holder id used for lease acquisition.
func (c *Coordinator) ProcessID() string {
	return c.processID
}

// Registry exposes the process-local runner registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start subscribes to start intents. It must be called before
// InitIntegration so a lost race still leaves this process listening for
// takeover opportunities.
func (c *Coordinator) Start(_ context.Context) error {
	unsub, err := c.registry.ListenStart(func(integrationID string) {
		c.onStartIntent(integrationID)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.startUnsub = unsub
	c.mu.Unlock()
	return nil
}

// onStartIntent re-invokes the full initialization routine for the named
// integration. Failures here are logged, never fatal: a start intent is an
// invitation, not a command.
func (c *Coordinator) onStartIntent(integrationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL)
	defer cancel()

	integration, err := c.store.GetIntegration(ctx, integrationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("start intent for unknown integration",
				"integration_id", integrationID, "error", err)
		}
		return
	}

	if err := c.InitIntegration(ctx, integration); err != nil {
		c.logger.Error("initialization from start intent failed",
			"integration_id", integrationID, "error", err)
	}
}

// InitIntegration attempts to become the owner of one integration's
// connection. Losing the lease race is the expected common outcome and
// returns nil.
func (c *Coordinator) InitIntegration(ctx context.Context, integration *store.Integration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, exists := c.runners[integration.ID]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Cheap check before paying for authentication: someone may already
	// hold the lease.
	running, err := c.registry.IsRunning(ctx, integration.ID)
	if err != nil {
		c.logger.Warn("running check failed, attempting lease anyway",
			"integration_id", integration.ID, "error", err)
	} else if running {
		c.logger.Debug("integration already running elsewhere",
			"integration_id", integration.ID)
		return nil
	}

	lease, err := c.leases.Acquire(ctx, integration.ID, c.processID, c.cfg.LeaseTTL)
	if errors.Is(err, coord.ErrLeaseHeld) {
		c.logger.Debug("lost lease race", "integration_id", integration.ID)
		return nil
	}
	if err != nil {
		return err
	}

	supervisor := NewSupervisor(SupervisorParams{
		Integration:       integration,
		Factory:           c.factory,
		Handler:           c.eventHandler(integration.ID),
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		MinBackoff:        c.cfg.MinBackoff,
		MaxBackoff:        c.cfg.MaxBackoff,
		Logger:            c.logger,
	})

	if err := supervisor.Start(ctx); err != nil {
		// Authentication failure aborts initialization for this
		// integration in this process: no lease is kept, no retry loop.
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			c.logger.Warn("releasing lease after failed start",
				"integration_id", integration.ID, "error", releaseErr)
		}
		return err
	}

	unregister := c.registry.Register(integration.ID, c.controlHandler(integration.ID))

	// Control events are delivered to every process; only the one holding
	// the registration acts on them.
	unsubscribe, err := c.bus.Subscribe(integration.ID, func(event coord.ControlEvent) {
		if handler, ok := c.registry.Handler(integration.ID); ok {
			handler(event)
		}
	})
	if err != nil {
		supervisor.Close()
		unregister()
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			c.logger.Warn("releasing lease after failed subscribe",
				"integration_id", integration.ID, "error", releaseErr)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Shutdown ran while we were authenticating. Tear down what we
		// just built and hand the integration off like Shutdown would.
		c.mu.Unlock()
		supervisor.Close()
		unregister()
		unsubscribe()
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			c.logger.Warn("releasing lease after late init",
				"integration_id", integration.ID, "error", releaseErr)
		}
		if startErr := c.registry.RequestStart(ctx, integration.ID); startErr != nil {
			c.logger.Warn("start republish after late init failed",
				"integration_id", integration.ID, "error", startErr)
		}
		return nil
	}
	renewCtx, stopRenew := context.WithCancel(context.Background())
	c.runners[integration.ID] = &runnerEntry{
		supervisor:  supervisor,
		lease:       lease,
		unregister:  unregister,
		unsubscribe: unsubscribe,
		stopRenew:   stopRenew,
	}
	c.mu.Unlock()

	go c.renewLoop(renewCtx, integration.ID, lease)

	c.logger.Info("runner started",
		"integration_id", integration.ID, "team_id", integration.TeamID)
	return nil
}

// renewLoop keeps the lease alive while this process owns the runner.
// Renewing at a third of the TTL tolerates two consecutive failures
// before the entry can expire. A lost lease means another process may
// already own the connection, so the runner is stopped immediately.
func (c *Coordinator) renewLoop(ctx context.Context, integrationID string, lease coord.Lease) {
	ticker := time.NewTicker(c.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, c.cfg.LeaseTTL/3)
		err := lease.Renew(renewCtx)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, coord.ErrLeaseLost) {
			c.logger.Error("lease lost, stopping runner",
				"integration_id", integrationID, "error", err)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL)
			c.stopRunner(stopCtx, integrationID)
			stopCancel()
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("lease renewal failed, will retry",
			"integration_id", integrationID, "error", err)
	}
}

// eventHandler adapts inbound platform events to the sink, attaching the
// current supervisor snapshot.
func (c *Coordinator) eventHandler(integrationID string) platform.EventHandler {
	return func(ctx context.Context, event platform.MessageEvent) {
		c.mu.Lock()
		entry, ok := c.runners[integrationID]
		c.mu.Unlock()
		if !ok {
			return
		}

		me := entry.supervisor.Me()
		client := entry.supervisor.Client()
		if me == nil || client == nil {
			return
		}

		c.sink.HandleEvent(ctx, RunnerContext{
			Integration: entry.supervisor.Integration(),
			Me:          *me,
			Client:      client,
		}, event)
	}
}

// controlHandler acts on stop/restart events for a registration this
// process holds.
func (c *Coordinator) controlHandler(integrationID string) func(coord.ControlEvent) {
	return func(event coord.ControlEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL)
		defer cancel()

		switch event.Type {
		case coord.ControlStop:
			c.logger.Info("stop requested", "integration_id", integrationID)
			c.stopRunner(ctx, integrationID)

		case coord.ControlRestart:
			c.logger.Info("restart requested", "integration_id", integrationID)
			c.restartRunner(ctx, integrationID, event.Config)

		case coord.ControlStart:
			// Start intents arrive on the dedicated subject; one addressed
			// here is a no-op for the running owner.
		}
	}
}

// restartRunner recycles the transport with a merged config. The merged
// config is persisted so a later cold start sees the same settings.
func (c *Coordinator) restartRunner(ctx context.Context, integrationID string, delta *store.IntegrationConfig) {
	c.mu.Lock()
	entry, ok := c.runners[integrationID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := entry.supervisor.Restart(ctx, delta); err != nil {
		if errors.Is(err, platform.ErrAuthenticationFailed) {
			// New credentials are bad; keeping the lease would strand the
			// integration with a dead connection.
			c.logger.Error("restart credentials rejected, stopping runner",
				"integration_id", integrationID, "error", err)
			c.stopRunner(ctx, integrationID)
			return
		}
		// Transport-level failure: the heartbeat keeps retrying with the
		// merged config.
		c.logger.Warn("restart failed, heartbeat will retry",
			"integration_id", integrationID, "error", err)
	}

	merged := entry.supervisor.Integration().Config
	if err := c.store.UpdateIntegrationConfig(ctx, integrationID, merged); err != nil {
		c.logger.Warn("persisting merged config failed",
			"integration_id", integrationID, "error", err)
	}
}

// stopRunner closes a runner and releases its lease without republishing a
// start intent. Used for stop control events and restart auth failures.
func (c *Coordinator) stopRunner(ctx context.Context, integrationID string) {
	c.mu.Lock()
	entry, ok := c.runners[integrationID]
	if ok {
		delete(c.runners, integrationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.stopRenew()
	entry.supervisor.Close()
	entry.unregister()
	entry.unsubscribe()
	if err := entry.lease.Release(ctx); err != nil {
		c.logger.Warn("lease release failed",
			"integration_id", integrationID, "error", err)
	}
	c.logger.Info("runner stopped", "integration_id", integrationID)
}

// Running reports whether this process currently owns the integration.
func (c *Coordinator) Running(integrationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runners[integrationID]
	return ok
}

// Supervisor returns the live supervisor for an integration, if this
// process owns it.
func (c *Coordinator) Supervisor(integrationID string) (*Supervisor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.runners[integrationID]
	if !ok {
		return nil, false
	}
	return entry.supervisor, true
}

// Shutdown gracefully hands off every runner: close the connection,
// deregister, release the lease, then republish a start intent so a
// sibling process can take over immediately instead of waiting for the
// lease TTL.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	if c.startUnsub != nil {
		c.startUnsub()
		c.startUnsub = nil
	}
	entries := make(map[string]*runnerEntry, len(c.runners))
	for id, entry := range c.runners {
		entries[id] = entry
	}
	c.runners = make(map[string]*runnerEntry)
	c.mu.Unlock()

	for integrationID, entry := range entries {
		entry.stopRenew()
		entry.supervisor.Close()
		entry.unregister()
		entry.unsubscribe()
		if err := entry.lease.Release(ctx); err != nil {
			c.logger.Warn("lease release failed during shutdown",
				"integration_id", integrationID, "error", err)
		}
		if err := c.registry.RequestStart(ctx, integrationID); err != nil {
			c.logger.Warn("start republish failed during shutdown",
				"integration_id", integrationID, "error", err)
		}
		c.logger.Info("runner handed off", "integration_id", integrationID)
	}
}
