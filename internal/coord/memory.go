// ABOUTME: In-memory implementation of the lease store and control bus
// ABOUTME: Shared by tests to simulate multiple runner processes against one substrate

package coord

import (
	"context"
	"sync"
	"time"
)

// memoryLeaseEntry is one live lease record.
type memoryLeaseEntry struct {
	holder     string
	expiresAt  time.Time
	generation uint64
}

// Memory implements Coordinator entirely in process. A single Memory
// instance stands in for the shared substrate; multiple simulated
// processes coordinate through it in tests.
type Memory struct {
	mu         sync.Mutex
	leases     map[string]memoryLeaseEntry
	subs       map[string]map[int]func(ControlEvent)
	startSubs  map[int]func(string)
	nextSubID  int
	generation uint64

	// Now is the clock used for lease expiry. Tests may replace it to
	// advance time without sleeping.
	Now func() time.Time
}

// NewMemory creates an empty in-memory coordinator.
func NewMemory() *Memory {
	return &Memory{
		leases:    make(map[string]memoryLeaseEntry),
		subs:      make(map[string]map[int]func(ControlEvent)),
		startSubs: make(map[int]func(string)),
		Now:       time.Now,
	}
}

type memoryLease struct {
	m          *Memory
	key        string
	holder     string
	ttl        time.Duration
	generation uint64
}

func (l *memoryLease) Holder() string { return l.holder }

func (l *memoryLease) Renew(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	entry, ok := l.m.leases[l.key]
	if !ok || entry.generation != l.generation {
		return ErrLeaseLost
	}
	entry.expiresAt = l.m.Now().Add(l.ttl)
	l.m.leases[l.key] = entry
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	entry, ok := l.m.leases[l.key]
	if !ok || entry.generation != l.generation {
		// Expired and possibly re-acquired by someone else; nothing to do.
		return nil
	}
	delete(l.m.leases, l.key)
	return nil
}

// Acquire takes the lease if absent or expired.
func (m *Memory) Acquire(_ context.Context, key, holder string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if entry, ok := m.leases[key]; ok && entry.expiresAt.After(now) {
		return nil, ErrLeaseHeld
	}

	m.generation++
	m.leases[key] = memoryLeaseEntry{
		holder:     holder,
		expiresAt:  now.Add(ttl),
		generation: m.generation,
	}
	return &memoryLease{m: m, key: key, holder: holder, ttl: ttl, generation: m.generation}, nil
}

// IsHeld reports whether a non-expired lease exists for key.
func (m *Memory) IsHeld(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[key]
	return ok && entry.expiresAt.After(m.Now()), nil
}

// LeaseHolder returns the current holder for key, for test assertions.
func (m *Memory) LeaseHolder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[key]
	if !ok || !entry.expiresAt.After(m.Now()) {
		return "", false
	}
	return entry.holder, true
}

// Publish delivers a control event to the integration's subscribers.
// Delivery is asynchronous, matching the NATS implementation.
func (m *Memory) Publish(_ context.Context, event ControlEvent) error {
	m.mu.Lock()
	handlers := make([]func(ControlEvent), 0, len(m.subs[event.IntegrationID]))
	for _, h := range m.subs[event.IntegrationID] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		go h(event)
	}
	return nil
}

// PublishStart delivers a start intent to all start subscribers.
func (m *Memory) PublishStart(_ context.Context, integrationID string) error {
	m.mu.Lock()
	handlers := make([]func(string), 0, len(m.startSubs))
	for _, h := range m.startSubs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		go h(integrationID)
	}
	return nil
}

// Subscribe registers a handler for one integration's control events.
func (m *Memory) Subscribe(integrationID string, handler func(ControlEvent)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[integrationID] == nil {
		m.subs[integrationID] = make(map[int]func(ControlEvent))
	}
	id := m.nextSubID
	m.nextSubID++
	m.subs[integrationID][id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[integrationID], id)
	}, nil
}

// SubscribeStart registers a handler for start intents.
func (m *Memory) SubscribeStart(handler func(string)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.startSubs[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.startSubs, id)
	}, nil
}
