// ABOUTME: Tests for the process-local runner registry
// ABOUTME: Covers registration replacement, stale unregister, and start-intent plumbing

package runner

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/tether/internal/coord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryRegister(t *testing.T) {
	mem := coord.NewMemory()
	reg := NewRegistry(mem, mem, testLogger())

	t.Run("register and lookup", func(t *testing.T) {
		var called atomic.Bool
		unregister := reg.Register("int-1", func(coord.ControlEvent) {
			called.Store(true)
		})
		defer unregister()

		require.True(t, reg.Registered("int-1"))

		handler, ok := reg.Handler("int-1")
		require.True(t, ok)
		handler(coord.ControlEvent{Type: coord.ControlStop, IntegrationID: "int-1"})
		assert.True(t, called.Load())
	})

	t.Run("unregister removes handler", func(t *testing.T) {
		unregister := reg.Register("int-2", func(coord.ControlEvent) {})
		require.True(t, reg.Registered("int-2"))

		unregister()
		assert.False(t, reg.Registered("int-2"))
	})

	t.Run("stale unregister does not clobber replacement", func(t *testing.T) {
		stale := reg.Register("int-3", func(coord.ControlEvent) {})
		fresh := reg.Register("int-3", func(coord.ControlEvent) {})
		defer fresh()

		stale()
		assert.True(t, reg.Registered("int-3"))
	})
}

func TestRegistryIsRunning(t *testing.T) {
	ctx := context.Background()
	mem := coord.NewMemory()
	reg := NewRegistry(mem, mem, testLogger())

	running, err := reg.IsRunning(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, running)

	lease, err := mem.Acquire(ctx, "int-1", "proc-a", time.Minute)
	require.NoError(t, err)

	running, err = reg.IsRunning(ctx, "int-1")
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, lease.Release(ctx))

	running, err = reg.IsRunning(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRegistryStartIntents(t *testing.T) {
	ctx := context.Background()
	mem := coord.NewMemory()
	reg := NewRegistry(mem, mem, testLogger())

	received := make(chan string, 1)
	unsub, err := reg.ListenStart(func(integrationID string) {
		received <- integrationID
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, reg.RequestStart(ctx, "int-1"))

	select {
	case id := <-received:
		assert.Equal(t, "int-1", id)
	case <-time.After(time.Second):
		t.Fatal("start intent not delivered")
	}
}
