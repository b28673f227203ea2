// ABOUTME: Tests for the runner coordinator lifecycle
// ABOUTME: Covers lease contention, control events, and graceful shutdown handoff

package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/tether/internal/coord"
	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/store"
)

// recordingSink captures events handed to the bridge layer.
type recordingSink struct {
	mu     sync.Mutex
	events []platform.MessageEvent
}

func (r *recordingSink) HandleEvent(_ context.Context, _ RunnerContext, event platform.MessageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) Events() []platform.MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]platform.MessageEvent(nil), r.events...)
}

func testCoordConfig() Config {
	return Config{
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
		MinBackoff:        time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, mem *coord.Memory, st store.IntegrationStore, factory platform.Factory, sink EventSink) *Coordinator {
	t.Helper()
	if sink == nil {
		sink = &recordingSink{}
	}
	c := NewCoordinator(CoordinatorParams{
		Leases:  mem,
		Bus:     mem,
		Store:   st,
		Factory: factory,
		Sink:    sink,
		Config:  testCoordConfig(),
		Logger:  testLogger(),
	})
	t.Cleanup(func() {
		c.Shutdown(context.Background())
	})
	return c
}

func seedIntegration(t *testing.T, st *store.MockStore) *store.Integration {
	t.Helper()
	integration := testIntegration()
	require.NoError(t, st.CreateIntegration(context.Background(), integration))
	return integration
}

func TestCoordinatorInitIntegration(t *testing.T) {
	ctx := context.Background()

	t.Run("acquires lease and starts runner", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, _ := platform.FakeFactory(client)
		c := newTestCoordinator(t, mem, st, factory, nil)

		require.NoError(t, c.InitIntegration(ctx, integration))
		assert.True(t, c.Running(integration.ID))

		holder, held := mem.LeaseHolder(integration.ID)
		require.True(t, held)
		assert.Equal(t, c.ProcessID(), holder)
		assert.True(t, c.Registry().Registered(integration.ID))
	})

	t.Run("losing the race is silent", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)

		clientA := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factoryA, _ := platform.FakeFactory(clientA)
		a := newTestCoordinator(t, mem, st, factoryA, nil)

		clientB := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factoryB, _ := platform.FakeFactory(clientB)
		b := newTestCoordinator(t, mem, st, factoryB, nil)

		require.NoError(t, a.InitIntegration(ctx, integration))
		require.NoError(t, b.InitIntegration(ctx, integration))

		assert.True(t, a.Running(integration.ID))
		assert.False(t, b.Running(integration.ID))
		// The loser never paid for authentication.
		assert.Equal(t, 0, clientB.AuthCalls())
	})

	t.Run("auth failure releases the lease", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		client.AuthErr = platform.ErrAuthenticationFailed
		factory, _ := platform.FakeFactory(client)
		c := newTestCoordinator(t, mem, st, factory, nil)

		err := c.InitIntegration(ctx, integration)
		require.Error(t, err)
		assert.ErrorIs(t, err, platform.ErrAuthenticationFailed)

		assert.False(t, c.Running(integration.ID))
		_, held := mem.LeaseHolder(integration.ID)
		assert.False(t, held)
	})

	t.Run("second init for owned integration is a no-op", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, _ := platform.FakeFactory(client)
		c := newTestCoordinator(t, mem, st, factory, nil)

		require.NoError(t, c.InitIntegration(ctx, integration))
		require.NoError(t, c.InitIntegration(ctx, integration))
		assert.Equal(t, 1, client.AuthCalls())
	})
}

// lostLeaseStore wraps a LeaseStore so tests can make every subsequent
// renewal report the lease as lost.
type lostLeaseStore struct {
	coord.LeaseStore
	mu   sync.Mutex
	lost bool
}

func (s *lostLeaseStore) SetLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *lostLeaseStore) isLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *lostLeaseStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (coord.Lease, error) {
	lease, err := s.LeaseStore.Acquire(ctx, key, holder, ttl)
	if err != nil {
		return nil, err
	}
	return &lostLease{Lease: lease, store: s}, nil
}

type lostLease struct {
	coord.Lease
	store *lostLeaseStore
}

func (l *lostLease) Renew(ctx context.Context) error {
	if l.store.isLost() {
		return coord.ErrLeaseLost
	}
	return l.Lease.Renew(ctx)
}

// shutdownOnAcquire runs a hook after the first successful Acquire,
// simulating a shutdown racing a slow initialization.
type shutdownOnAcquire struct {
	coord.LeaseStore
	hook func()
	once sync.Once
}

func (s *shutdownOnAcquire) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (coord.Lease, error) {
	lease, err := s.LeaseStore.Acquire(ctx, key, holder, ttl)
	if err == nil {
		s.once.Do(s.hook)
	}
	return lease, err
}

func TestCoordinatorLeaseRenewal(t *testing.T) {
	ctx := context.Background()

	t.Run("live owner outlives the lease ttl", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)

		cfg := testCoordConfig()
		cfg.LeaseTTL = 100 * time.Millisecond

		clientA := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factoryA, _ := platform.FakeFactory(clientA)
		a := NewCoordinator(CoordinatorParams{
			Leases: mem, Bus: mem, Store: st, Factory: factoryA,
			Sink: &recordingSink{}, Config: cfg, Logger: testLogger(),
		})
		t.Cleanup(func() { a.Shutdown(context.Background()) })

		clientB := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factoryB, _ := platform.FakeFactory(clientB)
		b := NewCoordinator(CoordinatorParams{
			Leases: mem, Bus: mem, Store: st, Factory: factoryB,
			Sink: &recordingSink{}, Config: cfg, Logger: testLogger(),
		})
		t.Cleanup(func() { b.Shutdown(context.Background()) })

		require.NoError(t, a.InitIntegration(ctx, integration))

		// Well past several TTLs the owner is still healthy and renewing,
		// so the lease never opens up for a takeover.
		time.Sleep(4 * cfg.LeaseTTL)

		holder, held := mem.LeaseHolder(integration.ID)
		require.True(t, held, "lease should still be held by the live owner")
		assert.Equal(t, a.ProcessID(), holder)

		require.NoError(t, b.InitIntegration(ctx, integration))
		assert.False(t, b.Running(integration.ID))
		assert.Equal(t, 0, clientB.AuthCalls())

		// Once the owner steps down the lease frees immediately.
		a.Shutdown(ctx)
		require.Eventually(t, func() bool {
			return b.InitIntegration(ctx, integration) == nil && b.Running(integration.ID)
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("lost lease stops the runner", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)

		cfg := testCoordConfig()
		cfg.LeaseTTL = 30 * time.Millisecond

		leases := &lostLeaseStore{LeaseStore: mem}
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, _ := platform.FakeFactory(client)
		c := NewCoordinator(CoordinatorParams{
			Leases: leases, Bus: mem, Store: st, Factory: factory,
			Sink: &recordingSink{}, Config: cfg, Logger: testLogger(),
		})
		t.Cleanup(func() { c.Shutdown(context.Background()) })

		require.NoError(t, c.InitIntegration(ctx, integration))
		require.True(t, c.Running(integration.ID))

		leases.SetLost()

		require.Eventually(t, func() bool {
			return !c.Running(integration.ID)
		}, 2*time.Second, 5*time.Millisecond)
		assert.False(t, c.Registry().Registered(integration.ID))
		assert.GreaterOrEqual(t, client.CloseCalls(), 1)
	})
}

func TestCoordinatorShutdownDuringInit(t *testing.T) {
	ctx := context.Background()

	mem := coord.NewMemory()
	st := store.NewMockStore()
	integration := seedIntegration(t, st)
	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factory, _ := platform.FakeFactory(client)

	leases := &shutdownOnAcquire{LeaseStore: mem}
	c := NewCoordinator(CoordinatorParams{
		Leases: leases, Bus: mem, Store: st, Factory: factory,
		Sink: &recordingSink{}, Config: testCoordConfig(), Logger: testLogger(),
	})
	leases.hook = func() { c.Shutdown(ctx) }

	starts := make(chan string, 1)
	unsub, err := mem.SubscribeStart(func(id string) { starts <- id })
	require.NoError(t, err)
	defer unsub()

	// Shutdown lands between the lease grab and the runner registration.
	// The late runner must not survive inside a closed coordinator.
	require.NoError(t, c.InitIntegration(ctx, integration))

	assert.False(t, c.Running(integration.ID))
	assert.False(t, c.Registry().Registered(integration.ID))
	_, held := mem.LeaseHolder(integration.ID)
	assert.False(t, held)
	assert.GreaterOrEqual(t, client.CloseCalls(), 1)

	// The handoff start intent still goes out so a sibling can pick it up.
	select {
	case id := <-starts:
		assert.Equal(t, integration.ID, id)
	case <-time.After(time.Second):
		t.Fatal("start intent not republished")
	}
}

func TestCoordinatorEventDelivery(t *testing.T) {
	ctx := context.Background()

	mem := coord.NewMemory()
	st := store.NewMockStore()
	integration := seedIntegration(t, st)
	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com", DisplayName: "Bot"})
	factory, _ := platform.FakeFactory(client)
	sink := &recordingSink{}
	c := newTestCoordinator(t, mem, st, factory, sink)

	require.NoError(t, c.InitIntegration(ctx, integration))

	client.Deliver(ctx, platform.MessageEvent{
		Post:          platform.Post{ID: "ev-1", ChannelID: "room-1", SenderID: "@alice:example.com", Text: "hi"},
		DirectMessage: true,
	})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].Post.ID)
	assert.True(t, events[0].DirectMessage)
}

func TestCoordinatorControlStop(t *testing.T) {
	ctx := context.Background()

	mem := coord.NewMemory()
	st := store.NewMockStore()
	integration := seedIntegration(t, st)
	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factory, _ := platform.FakeFactory(client)
	c := newTestCoordinator(t, mem, st, factory, nil)

	require.NoError(t, c.InitIntegration(ctx, integration))

	require.NoError(t, mem.Publish(ctx, coord.ControlEvent{
		Type:          coord.ControlStop,
		IntegrationID: integration.ID,
	}))

	require.Eventually(t, func() bool {
		return !c.Running(integration.ID)
	}, 2*time.Second, 5*time.Millisecond)

	_, held := mem.LeaseHolder(integration.ID)
	assert.False(t, held)
	assert.False(t, c.Registry().Registered(integration.ID))
	assert.GreaterOrEqual(t, client.CloseCalls(), 1)
}

func TestCoordinatorControlRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("recycles transport and persists merged config", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)
		first := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, seen := platform.FakeFactory(first, second)
		c := newTestCoordinator(t, mem, st, factory, nil)

		require.NoError(t, c.InitIntegration(ctx, integration))

		require.NoError(t, mem.Publish(ctx, coord.ControlEvent{
			Type:          coord.ControlRestart,
			IntegrationID: integration.ID,
			Config:        &store.IntegrationConfig{AccessToken: "token-2"},
		}))

		require.Eventually(t, func() bool {
			return second.ConnectCalls() >= 1
		}, 2*time.Second, 5*time.Millisecond)

		// Ownership never changed hands.
		holder, held := mem.LeaseHolder(integration.ID)
		require.True(t, held)
		assert.Equal(t, c.ProcessID(), holder)

		configs := seen()
		require.Len(t, configs, 2)
		assert.Equal(t, "token-2", configs[1].AccessToken)
		assert.Equal(t, "https://matrix.example.com", configs[1].HomeserverURL)

		require.Eventually(t, func() bool {
			stored, err := st.GetIntegration(ctx, integration.ID)
			return err == nil && stored.Config.AccessToken == "token-2"
		}, 2*time.Second, 5*time.Millisecond, "merged config should be persisted")
	})

	t.Run("bad credentials stop the runner", func(t *testing.T) {
		mem := coord.NewMemory()
		st := store.NewMockStore()
		integration := seedIntegration(t, st)
		first := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second.AuthErr = platform.ErrAuthenticationFailed
		factory, _ := platform.FakeFactory(first, second)
		c := newTestCoordinator(t, mem, st, factory, nil)

		require.NoError(t, c.InitIntegration(ctx, integration))

		require.NoError(t, mem.Publish(ctx, coord.ControlEvent{
			Type:          coord.ControlRestart,
			IntegrationID: integration.ID,
			Config:        &store.IntegrationConfig{AccessToken: "bad"},
		}))

		require.Eventually(t, func() bool {
			return !c.Running(integration.ID)
		}, 2*time.Second, 5*time.Millisecond)

		_, held := mem.LeaseHolder(integration.ID)
		assert.False(t, held)
	})
}

func TestCoordinatorShutdownHandoff(t *testing.T) {
	ctx := context.Background()

	mem := coord.NewMemory()
	st := store.NewMockStore()
	integration := seedIntegration(t, st)

	clientA := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factoryA, _ := platform.FakeFactory(clientA)
	a := newTestCoordinator(t, mem, st, factoryA, nil)

	clientB := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factoryB, _ := platform.FakeFactory(clientB)
	b := newTestCoordinator(t, mem, st, factoryB, nil)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.InitIntegration(ctx, integration))
	require.NoError(t, b.InitIntegration(ctx, integration))
	require.True(t, a.Running(integration.ID))
	require.False(t, b.Running(integration.ID))

	a.Shutdown(ctx)

	// The sibling takes over from the republished start intent well before
	// the lease TTL would have expired.
	require.Eventually(t, func() bool {
		return b.Running(integration.ID)
	}, 2*time.Second, 5*time.Millisecond)

	holder, held := mem.LeaseHolder(integration.ID)
	require.True(t, held)
	assert.Equal(t, b.ProcessID(), holder)
	assert.GreaterOrEqual(t, clientA.CloseCalls(), 1)
	assert.True(t, clientB.Connected())
}

func TestCoordinatorShutdownWithoutSibling(t *testing.T) {
	ctx := context.Background()

	mem := coord.NewMemory()
	st := store.NewMockStore()
	integration := seedIntegration(t, st)
	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factory, _ := platform.FakeFactory(client)
	c := newTestCoordinator(t, mem, st, factory, nil)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.InitIntegration(ctx, integration))

	c.Shutdown(ctx)

	assert.False(t, c.Running(integration.ID))
	_, held := mem.LeaseHolder(integration.ID)
	assert.False(t, held)

	// A closed coordinator ignores late start intents.
	require.NoError(t, c.InitIntegration(ctx, integration))
	assert.False(t, c.Running(integration.ID))
}
