// ABOUTME: NATS-backed implementation of the lease store and control bus
// ABOUTME: Uses a JetStream KV bucket with TTL for leases and core subjects for control events

package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	leaseBucket    = "tether_leases"
	controlSubject = "tether.control." // + integration id
	startSubject   = "tether.start"
)

// NATSCoordinator implements Coordinator on a NATS connection.
// Lease entries live in a JetStream KV bucket whose TTL bounds crash
// failover; control events ride core NATS subjects.
type NATSCoordinator struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *slog.Logger
}

// NewNATSCoordinator connects to the NATS server at url and ensures the
// lease bucket exists with the given TTL.
func NewNATSCoordinator(url string, leaseTTL time.Duration, logger *slog.Logger) (*NATSCoordinator, error) {
	nc, err := nats.Connect(url,
		nats.Name("tether-runner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	kv, err := js.KeyValue(leaseBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      leaseBucket,
			Description: "integration connection leases",
			TTL:         leaseTTL,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening lease bucket: %w", err)
	}

	// The TTL is a bucket property fixed at creation. A changed lease_ttl
	// config does not retrofit an existing bucket; surface the mismatch
	// instead of silently running with the old value.
	if status, err := kv.Status(); err == nil && status.TTL() != leaseTTL {
		logger.Warn("lease bucket TTL differs from configured lease_ttl, bucket value wins",
			"bucket_ttl", status.TTL(), "configured_ttl", leaseTTL)
	}

	return &NATSCoordinator{
		nc:     nc,
		kv:     kv,
		logger: logger.With("component", "coord"),
	}, nil
}

// natsLease tracks the KV revision so renew and release only ever touch
// the entry this holder created, never one that expired and was
// re-acquired by another holder.
type natsLease struct {
	kv     nats.KeyValue
	key    string
	holder string

	mu       sync.Mutex
	revision uint64
}

func (l *natsLease) Holder() string { return l.holder }

// Renew writes a new revision of the entry, resetting its age against the
// bucket TTL. The revision-checked update fails if the entry expired,
// which maps to ErrLeaseLost.
func (l *natsLease) Renew(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rev, err := l.kv.Update(l.key, []byte(l.holder), l.revision)
	if err != nil {
		if current, getErr := l.kv.Get(l.key); getErr != nil || string(current.Value()) != l.holder {
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
		}
		return fmt.Errorf("renewing lease %s: %w", l.key, err)
	}
	l.revision = rev
	return nil
}

func (l *natsLease) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.kv.Delete(l.key, nats.LastRevision(l.revision))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}

// Acquire atomically creates the lease entry; Create fails if the key
// already has a live value, which maps to ErrLeaseHeld. The ttl parameter
// is not applied per key: expiry comes from the bucket TTL set at
// NewNATSCoordinator time (checked against the config there).
func (c *NATSCoordinator) Acquire(_ context.Context, key, holder string, _ time.Duration) (Lease, error) {
	rev, err := c.kv.Create(key, []byte(holder))
	if errors.Is(err, nats.ErrKeyExists) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}

	c.logger.Debug("lease acquired", "key", key, "holder", holder, "revision", rev)
	return &natsLease{kv: c.kv, key: key, holder: holder, revision: rev}, nil
}

// IsHeld reports whether a live lease entry exists for key.
func (c *NATSCoordinator) IsHeld(_ context.Context, key string) (bool, error) {
	_, err := c.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking lease %s: %w", key, err)
	}
	return true, nil
}

// Publish sends a control event to the integration's control subject.
func (c *NATSCoordinator) Publish(_ context.Context, event ControlEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling control event: %w", err)
	}
	if err := c.nc.Publish(controlSubject+event.IntegrationID, data); err != nil {
		return fmt.Errorf("publishing control event: %w", err)
	}
	return nil
}

// PublishStart broadcasts a start intent for the integration.
func (c *NATSCoordinator) PublishStart(ctx context.Context, integrationID string) error {
	event := ControlEvent{Type: ControlStart, IntegrationID: integrationID}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling start intent: %w", err)
	}
	if err := c.nc.Publish(startSubject, data); err != nil {
		return fmt.Errorf("publishing start intent: %w", err)
	}
	return nil
}

// Subscribe listens for control events addressed to one integration.
// Malformed payloads are logged and dropped; they never reach the handler.
func (c *NATSCoordinator) Subscribe(integrationID string, handler func(ControlEvent)) (Unsubscribe, error) {
	sub, err := c.nc.Subscribe(controlSubject+integrationID, func(msg *nats.Msg) {
		var event ControlEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn("dropping malformed control event",
				"integration_id", integrationID, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to control events: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("unsubscribe failed", "integration_id", integrationID, "error", err)
		}
	}, nil
}

// SubscribeStart listens for start intents across all integrations.
func (c *NATSCoordinator) SubscribeStart(handler func(integrationID string)) (Unsubscribe, error) {
	sub, err := c.nc.Subscribe(startSubject, func(msg *nats.Msg) {
		var event ControlEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn("dropping malformed start intent", "error", err)
			return
		}
		if event.IntegrationID == "" {
			return
		}
		handler(event.IntegrationID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to start intents: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("unsubscribe failed", "error", err)
		}
	}, nil
}

// Close drains the NATS connection.
func (c *NATSCoordinator) Close() {
	c.nc.Close()
}
