// ABOUTME: Coordination capability interfaces consumed by the runner
// ABOUTME: Defines the lease store and control bus contracts plus the control event schema

package coord

import (
	"context"
	"errors"
	"time"

	"github.com/loomlabs/tether/internal/store"
)

// ErrLeaseHeld is returned by Acquire when another holder owns a non-expired
// lease for the key. This is the expected, common outcome under contention
// and callers treat it as "someone else owns it", not as a failure.
var ErrLeaseHeld = errors.New("lease held by another holder")

// ErrLeaseLost is returned by Renew when the holder's entry no longer
// exists: it expired and may have been re-acquired by someone else. The
// holder must stop acting as owner immediately.
var ErrLeaseLost = errors.New("lease lost")

// ControlEventType enumerates the control-plane verbs.
type ControlEventType string

const (
	ControlStart   ControlEventType = "start"
	ControlStop    ControlEventType = "stop"
	ControlRestart ControlEventType = "restart"
)

// ControlEvent is the only externally addressable control API. It is
// published to every listening process; only the process holding the
// matching runner registration acts on stop/restart.
type ControlEvent struct {
	Type          ControlEventType         `json:"type"`
	IntegrationID string                   `json:"integration_id"`
	Config        *store.IntegrationConfig `json:"config,omitempty"`
}

// Lease is an exclusively-held ownership token for an integration's live
// connection. A live holder renews it periodically; a crash leaves it to
// expire naturally after the store TTL.
type Lease interface {
	// Holder returns the holder id the lease was acquired with.
	Holder() string

	// Renew extends the lease's expiry for the holder. Returns
	// ErrLeaseLost when the holder's entry is gone, meaning the lease
	// expired and may belong to someone else now.
	Renew(ctx context.Context) error

	// Release voluntarily gives up the lease. Only the entry created by
	// this holder is removed; a lease taken over by someone else after
	// expiry is left alone.
	Release(ctx context.Context) error
}

// LeaseStore is the shared arbiter of "who may own this integration's
// connection". At most one non-expired lease exists per key at any time.
type LeaseStore interface {
	// Acquire atomically takes the lease for key if no non-expired lease
	// exists. Returns ErrLeaseHeld when another holder owns it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error)

	// IsHeld reports whether a non-expired lease currently exists for key,
	// regardless of which holder owns it.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// ControlBus is the pub/sub channel carrying start/stop/restart intents
// between runner processes.
type ControlBus interface {
	// Publish sends a stop/restart event addressed to the integration's
	// control subject.
	Publish(ctx context.Context, event ControlEvent) error

	// PublishStart broadcasts a start intent so any idle process
	// re-attempts initialization for the integration.
	PublishStart(ctx context.Context, integrationID string) error

	// Subscribe listens for control events addressed to one integration.
	Subscribe(integrationID string, handler func(ControlEvent)) (Unsubscribe, error)

	// SubscribeStart listens for start intents across all integrations.
	SubscribeStart(handler func(integrationID string)) (Unsubscribe, error)
}

// Coordinator bundles the two capabilities a runner process consumes.
type Coordinator interface {
	LeaseStore
	ControlBus
}
