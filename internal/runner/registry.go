// ABOUTME: Per-process runner registry mapping integration ids to control handlers
// ABOUTME: Provides registration, running checks, and start-intent plumbing

package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomlabs/tether/internal/coord"
)

// Registry is the process-local table of live runner registrations. It is
// an owned instance, not ambient global state, so multiple coordinators can
// be exercised in isolation.
type Registry struct {
	mu         sync.Mutex
	handlers   map[string]*registration
	generation uint64

	leases coord.LeaseStore
	bus    coord.ControlBus
	logger *slog.Logger
}

type registration struct {
	handler    func(coord.ControlEvent)
	generation uint64
}

// NewRegistry creates a registry backed by the given coordination substrate.
func NewRegistry(leases coord.LeaseStore, bus coord.ControlBus, logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]*registration),
		leases:   leases,
		bus:      bus,
		logger:   logger.With("component", "registry"),
	}
}

// Register records the control handler for an integration in this process.
// Registering again for the same integration replaces the prior handler.
// The returned function removes the registration; a stale unregister from
// a replaced registration is a no-op.
func (r *Registry) Register(integrationID string, handler func(coord.ControlEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	generation := r.generation
	r.handlers[integrationID] = &registration{handler: handler, generation: generation}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if reg, ok := r.handlers[integrationID]; ok && reg.generation == generation {
			delete(r.handlers, integrationID)
		}
	}
}

// Handler returns the registered control handler for an integration, if any.
func (r *Registry) Handler(integrationID string) (func(coord.ControlEvent), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[integrationID]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Registered reports whether this process holds a registration for the
// integration.
func (r *Registry) Registered(integrationID string) bool {
	_, ok := r.Handler(integrationID)
	return ok
}

// IsRunning reports whether a non-expired lease exists for the integration,
// regardless of which process holds it. Used to short-circuit duplicate
// startup attempts before paying the cost of authenticating.
func (r *Registry) IsRunning(ctx context.Context, integrationID string) (bool, error) {
	return r.leases.IsHeld(ctx, integrationID)
}

// RequestStart publishes a start intent so any idle process re-attempts
// initialization for the integration.
func (r *Registry) RequestStart(ctx context.Context, integrationID string) error {
	return r.bus.PublishStart(ctx, integrationID)
}

// ListenStart subscribes to start intents. The callback re-invokes the full
// initialization routine for the named integration.
func (r *Registry) ListenStart(callback func(integrationID string)) (coord.Unsubscribe, error) {
	return r.bus.SubscribeStart(callback)
}
