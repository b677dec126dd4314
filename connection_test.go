package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "retiring", StateRetiring.String())
	assert.Equal(t, "finished", StateFinished.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("starts waiting with no handle", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]

		assert.Equal(t, StateWaiting, conn.State())
		assert.Nil(t, conn.AMQP())
		assert.Equal(t, int64(1), conn.ID())
	})

	t.Run("retire before connect skips straight to finished", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]

		conn.Retire()

		assert.Equal(t, StateFinished, conn.State())
		select {
		case <-conn.done:
		default:
			t.Fatal("done channel not closed after retirement")
		}

		// The manager no longer tracks a finished connection.
		assert.Equal(t, 0, mgr.NumConnections())

		// connect is a no-op outside the waiting state; in particular it
		// must not dial on a finished connection.
		conn.connect(context.Background())
		assert.Equal(t, StateFinished, conn.State())
	})

	t.Run("retire is idempotent", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]

		conn.Retire()
		require.Equal(t, StateFinished, conn.State())
		conn.Retire()
		assert.Equal(t, StateFinished, conn.State())
	})

	t.Run("retiring callbacks run before finished", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]

		var order []string
		conn.onRetiring(func() {
			order = append(order, "retiring")
			assert.Equal(t, StateRetiring, conn.State())
		})
		conn.Retire()
		order = append(order, "finished")

		assert.Equal(t, []string{"retiring", "finished"}, order)
	})

	t.Run("onRetiring after retirement runs immediately", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]
		conn.Retire()

		called := false
		conn.onRetiring(func() { called = true })
		assert.True(t, called)
	})

	t.Run("failed is a no-op in terminal states", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]
		conn.Retire()
		require.Equal(t, 0, mgr.NumConnections())

		// Were Failed to recycle, the manager would create a replacement.
		conn.Failed()
		assert.Equal(t, 0, mgr.NumConnections())
	})

	t.Run("failed recycles a connection that is not yet retiring", func(t *testing.T) {
		mgr := newIdleManager(t)
		conn := mgr.conns[0]
		require.Equal(t, StateWaiting, conn.State())

		conn.Failed()

		// A replacement exists and the failed connection is retiring or
		// already gone.
		require.Eventually(t, func() bool {
			mgr.mu.Lock()
			defer mgr.mu.Unlock()
			return mgr.nextID == 2
		}, time.Second, 5*time.Millisecond)
		assert.NotEqual(t, StateWaiting, conn.State())
	})
}
