// ABOUTME: Tests for the connection supervisor state machine
// ABOUTME: Covers startup, auth failure, heartbeat reconnect, and restart merging

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/store"
)

func testIntegration() *store.Integration {
	return &store.Integration{
		ID:     "int-1",
		Type:   store.IntegrationTypeMatrix,
		TeamID: "team-1",
		Config: store.IntegrationConfig{
			HomeserverURL: "https://matrix.example.com",
			UserID:        "@bot:example.com",
			AccessToken:   "token-1",
		},
	}
}

func newTestSupervisor(t *testing.T, factory platform.Factory) *Supervisor {
	t.Helper()
	s := NewSupervisor(SupervisorParams{
		Integration:       testIntegration(),
		Factory:           factory,
		Handler:           func(context.Context, platform.MessageEvent) {},
		HeartbeatInterval: 10 * time.Millisecond,
		MinBackoff:        time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		Logger:            testLogger(),
	})
	t.Cleanup(s.Close)
	return s
}

func TestSupervisorStart(t *testing.T) {
	ctx := context.Background()

	t.Run("success reaches connected", func(t *testing.T) {
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, _ := platform.FakeFactory(client)
		s := newTestSupervisor(t, factory)

		require.NoError(t, s.Start(ctx))
		assert.Equal(t, StateConnected, s.State())
		require.NotNil(t, s.Me())
		assert.Equal(t, "@bot:example.com", s.Me().UserID)
		assert.Equal(t, 1, client.AuthCalls())
		assert.Equal(t, 1, client.ConnectCalls())
	})

	t.Run("auth failure aborts without retry", func(t *testing.T) {
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		client.AuthErr = platform.ErrAuthenticationFailed
		factory, _ := platform.FakeFactory(client)
		s := newTestSupervisor(t, factory)

		err := s.Start(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, platform.ErrAuthenticationFailed)
		assert.Equal(t, StateClosed, s.State())

		// No retry loop: still a single auth attempt after a few
		// heartbeat intervals would have elapsed.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, client.AuthCalls())
	})
}

func TestSupervisorHeartbeatReconnect(t *testing.T) {
	ctx := context.Background()

	first := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	second := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factory, _ := platform.FakeFactory(first, second)
	s := newTestSupervisor(t, factory)

	require.NoError(t, s.Start(ctx))
	require.Equal(t, StateConnected, s.State())

	first.DropConnection()

	require.Eventually(t, func() bool {
		return s.State() == StateConnected && second.ConnectCalls() >= 1
	}, 2*time.Second, 5*time.Millisecond, "heartbeat should reconnect in place")

	// The replacement transport is live and the old one was discarded.
	assert.Same(t, platform.Client(second), s.Client())
}

func TestSupervisorRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("merges delta and recycles transport", func(t *testing.T) {
		first := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, seen := platform.FakeFactory(first, second)
		s := newTestSupervisor(t, factory)

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Restart(ctx, &store.IntegrationConfig{AccessToken: "token-2"}))

		assert.Equal(t, StateConnected, s.State())
		assert.GreaterOrEqual(t, first.CloseCalls(), 1)
		assert.Equal(t, 1, second.ConnectCalls())

		configs := seen()
		require.Len(t, configs, 2)
		assert.Equal(t, "token-2", configs[1].AccessToken)
		// Unrelated fields survive the merge.
		assert.Equal(t, "https://matrix.example.com", configs[1].HomeserverURL)
		assert.Equal(t, "@bot:example.com", configs[1].UserID)

		merged := s.Integration().Config
		assert.Equal(t, "token-2", merged.AccessToken)
		assert.Equal(t, "https://matrix.example.com", merged.HomeserverURL)
	})

	t.Run("propagates auth failure on new credentials", func(t *testing.T) {
		first := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		second.AuthErr = platform.ErrAuthenticationFailed
		factory, _ := platform.FakeFactory(first, second)
		s := newTestSupervisor(t, factory)

		require.NoError(t, s.Start(ctx))
		err := s.Restart(ctx, &store.IntegrationConfig{AccessToken: "bad"})
		require.Error(t, err)
		assert.ErrorIs(t, err, platform.ErrAuthenticationFailed)
	})

	t.Run("rejected after close", func(t *testing.T) {
		client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
		factory, _ := platform.FakeFactory(client)
		s := newTestSupervisor(t, factory)

		require.NoError(t, s.Start(ctx))
		s.Close()

		err := s.Restart(ctx, nil)
		require.Error(t, err)
	})
}

func TestSupervisorClose(t *testing.T) {
	ctx := context.Background()

	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	factory, _ := platform.FakeFactory(client)
	s := newTestSupervisor(t, factory)

	require.NoError(t, s.Start(ctx))
	s.Close()
	s.Close() // idempotent

	assert.Equal(t, StateClosed, s.State())
	assert.GreaterOrEqual(t, client.CloseCalls(), 1)
	assert.False(t, client.Connected())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestBackoffDelay(t *testing.T) {
	s := &Supervisor{minBackoff: 100 * time.Millisecond, maxBackoff: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		delay := s.backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, 50*time.Millisecond, "attempt %d below jitter floor", attempt)
		assert.LessOrEqual(t, delay, time.Second, "attempt %d above cap", attempt)
	}

	// Later attempts are capped, not unbounded.
	capped := s.backoffDelay(30)
	assert.LessOrEqual(t, capped, time.Second)
	assert.GreaterOrEqual(t, capped, 500*time.Millisecond)
}

func TestSupervisorAuthFailureWrapped(t *testing.T) {
	// A wrapped sentinel still matches with errors.Is, which the
	// coordinator relies on to distinguish credential failures from
	// transport failures.
	client := platform.NewFakeClient(platform.Identity{UserID: "@bot:example.com"})
	client.AuthErr = platform.ErrAuthenticationFailed
	factory, _ := platform.FakeFactory(client)
	s := newTestSupervisor(t, factory)

	err := s.Start(context.Background())
	require.True(t, errors.Is(err, platform.ErrAuthenticationFailed))
}
