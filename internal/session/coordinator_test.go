package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/redispool"
	"github.com/parleyhq/parley/pkg/types"
)

// fakeClock drives idle expiry without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCoordinator(t *testing.T, ttl time.Duration, clock *fakeClock, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	c := NewCoordinator(CoordinatorConfig{
		TTL: ttl,
		// Keep the background sweep out of the way; tests drive Sweep
		// directly.
		SweepInterval: time.Hour,
		Clock:         clock.Now,
	}, discardLogger(), opts...)
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		sess, err := c.CreateSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", sess.ID)
		assert.Equal(t, StatusActive, sess.Status)
		assert.Empty(t, sess.History)
		assert.True(t, sess.ExpiresAt.Equal(clock.Now().Add(30*time.Minute)))
		assert.True(t, c.HasSession("c1"))
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "c1")
		assert.ErrorIs(t, err, ErrDuplicateSession)
	})

	t.Run("empty id rejected", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "")
		assert.Error(t, err)
	})

	t.Run("messages append in order", func(t *testing.T) {
		_, err := c.AddMessage(ctx, "c1", types.RoleUser, "first")
		require.NoError(t, err)
		_, err = c.AddMessage(ctx, "c1", types.RoleAssistant, "second")
		require.NoError(t, err)

		history, ok := c.ConversationHistory("c1")
		require.True(t, ok)
		require.Len(t, history, 2)
		assert.Equal(t, "first", history[0].Content)
		assert.Equal(t, "second", history[1].Content)
	})

	t.Run("destroy", func(t *testing.T) {
		assert.True(t, c.DestroySession(ctx, "c1"))
		assert.False(t, c.HasSession("c1"))
		assert.False(t, c.DestroySession(ctx, "c1"), "second destroy finds nothing")
	})

	t.Run("add message without session fails", func(t *testing.T) {
		_, err := c.AddMessage(ctx, "c1", types.RoleUser, "orphan")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestCoordinator_DisconnectReconnect(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "c1")
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, "c1", types.RoleUser, "hello")
	require.NoError(t, err)

	t.Run("disconnect hides the session from active queries", func(t *testing.T) {
		require.True(t, c.MarkDisconnected(ctx, "c1"))

		assert.False(t, c.HasSession("c1"))
		assert.True(t, c.HasDisconnectedSession("c1"))
		_, ok := c.GetSession("c1")
		assert.False(t, ok)

		history, ok := c.ConversationHistory("c1")
		require.True(t, ok, "history stays readable during the grace period")
		assert.Len(t, history, 1)
	})

	t.Run("disconnect of a disconnected session is a no-op", func(t *testing.T) {
		assert.False(t, c.MarkDisconnected(ctx, "c1"))
	})

	t.Run("reconnect restores the session intact", func(t *testing.T) {
		sess, ok := c.ReconnectSession(ctx, "c1")
		require.True(t, ok)

		assert.Equal(t, StatusActive, sess.Status)
		assert.Nil(t, sess.DisconnectedAt)
		require.Len(t, sess.History, 1)
		assert.Equal(t, "hello", sess.History[0].Content)
		assert.True(t, c.HasSession("c1"))
	})

	t.Run("reconnect of an active session fails", func(t *testing.T) {
		_, ok := c.ReconnectSession(ctx, "c1")
		assert.False(t, ok)
	})

	t.Run("reconnect of an unknown id fails", func(t *testing.T) {
		_, ok := c.ReconnectSession(ctx, "ghost")
		assert.False(t, ok)
	})

	t.Run("destroyed sessions are never resurrected", func(t *testing.T) {
		require.True(t, c.MarkDisconnected(ctx, "c1"))
		require.True(t, c.DestroySession(ctx, "c1"))

		_, ok := c.ReconnectSession(ctx, "c1")
		assert.False(t, ok)
	})
}

func TestCoordinator_Isolation(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "a")
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "b")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.AddMessage(ctx, "a", types.RoleUser, "to a")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err = c.AddMessage(ctx, "b", types.RoleUser, "to b")
		require.NoError(t, err)
	}

	historyA, ok := c.ConversationHistory("a")
	require.True(t, ok)
	historyB, ok := c.ConversationHistory("b")
	require.True(t, ok)

	assert.Len(t, historyA, 2)
	assert.Len(t, historyB, 3)
	for _, m := range historyA {
		assert.Equal(t, "to a", m.Content)
	}

	t.Run("returned sessions are copies", func(t *testing.T) {
		sess, ok := c.GetSession("a")
		require.True(t, ok)
		sess.History = append(sess.History, types.Message{Role: types.RoleUser, Content: "smuggled"})
		sess.History[0].Content = "tampered"

		fresh, ok := c.ConversationHistory("a")
		require.True(t, ok)
		assert.Len(t, fresh, 2)
		assert.Equal(t, "to a", fresh[0].Content)
	})
}

func TestCoordinator_IdleExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, time.Minute, clock)
	ctx := context.Background()

	t.Run("expired session is indistinguishable from absent", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "c1")
		require.NoError(t, err)

		clock.Advance(61 * time.Second)

		_, ok := c.GetSession("c1")
		assert.False(t, ok)
		assert.False(t, c.HasSession("c1"))
		assert.False(t, c.HasDisconnectedSession("c1"))
		_, ok = c.ConversationHistory("c1")
		assert.False(t, ok)
		assert.Equal(t, 0, c.ActiveCount())
		assert.False(t, c.DestroySession(ctx, "c1"), "destroying an expired session reports absence")
	})

	t.Run("expired id can be created fresh", func(t *testing.T) {
		sess, err := c.CreateSession(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, sess.History)
	})

	t.Run("reads do not keep a session alive", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "reader")
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		_, ok := c.GetSession("reader")
		require.True(t, ok)

		clock.Advance(31 * time.Second)
		_, ok = c.GetSession("reader")
		assert.False(t, ok, "a read at 30s must not extend the deadline")
	})

	t.Run("message activity extends the deadline", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "writer")
		require.NoError(t, err)

		clock.Advance(50 * time.Second)
		_, err = c.AddMessage(ctx, "writer", types.RoleUser, "still here")
		require.NoError(t, err)

		clock.Advance(50 * time.Second)
		assert.True(t, c.HasSession("writer"))

		clock.Advance(11 * time.Second)
		assert.False(t, c.HasSession("writer"))
	})

	t.Run("disconnected sessions expire too", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "dc")
		require.NoError(t, err)
		require.True(t, c.MarkDisconnected(ctx, "dc"))

		clock.Advance(61 * time.Second)

		assert.False(t, c.HasDisconnectedSession("dc"))
		_, ok := c.ReconnectSession(ctx, "dc")
		assert.False(t, ok, "expiry beats reconnection")
	})
}

func TestCoordinator_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, time.Minute, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := c.CreateSession(ctx, id)
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Second)
	_, err := c.CreateSession(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	assert.Equal(t, 2, c.Sweep(), "exactly the two stale sessions go")
	assert.True(t, c.HasSession("fresh"))
	assert.Equal(t, 0, c.Sweep(), "second sweep finds nothing")
}

func TestCoordinator_ClearAllSessions(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.CreateSession(ctx, id)
		require.NoError(t, err)
	}
	require.True(t, c.MarkDisconnected(ctx, "c"))

	c.ClearAllSessions(ctx)

	assert.Equal(t, 0, c.ActiveCount())
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, c.HasSession(id))
		assert.False(t, c.HasDisconnectedSession(id))
	}

	// The coordinator stays usable after a full reset.
	_, err := c.CreateSession(ctx, "a")
	assert.NoError(t, err)
}

func TestCoordinator_ActiveCount(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	assert.Equal(t, 0, c.ActiveCount())

	_, err := c.CreateSession(ctx, "a")
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "b")
	require.NoError(t, err)
	require.True(t, c.MarkDisconnected(ctx, "b"))

	assert.Equal(t, 1, c.ActiveCount(), "disconnected sessions are not active")
}

func TestCoordinator_CreateDisplacesDisconnected(t *testing.T) {
	clock := newFakeClock()
	c := newTestCoordinator(t, 30*time.Minute, clock)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "c1")
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, "c1", types.RoleUser, "old world")
	require.NoError(t, err)
	require.True(t, c.MarkDisconnected(ctx, "c1"))

	// A fresh create over a disconnected id starts from scratch.
	sess, err := c.CreateSession(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, sess.History)
	assert.True(t, c.HasSession("c1"))
	assert.False(t, c.HasDisconnectedSession("c1"))
}

func TestCoordinator_Close(t *testing.T) {
	clock := newFakeClock()
	c := NewCoordinator(CoordinatorConfig{
		TTL:           time.Minute,
		SweepInterval: 10 * time.Millisecond,
		Clock:         clock.Now,
	}, discardLogger())

	_, err := c.CreateSession(context.Background(), "c1")
	require.NoError(t, err)

	c.Close()
	c.Close() // idempotent

	// The sweep goroutine is gone; manual sweeps still work.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
}

func TestCoordinator_StoreMirror(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(t)
	c := newTestCoordinator(t, 30*time.Minute, clock, WithStore(store))
	ctx := context.Background()

	t.Run("mutations reach the store", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "c1")
		require.NoError(t, err)
		_, err = c.AddMessage(ctx, "c1", types.RoleUser, "persist me")
		require.NoError(t, err)

		stored, err := store.Get(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Len(t, stored.History, 1)
		assert.Equal(t, "persist me", stored.History[0].Content)
	})

	t.Run("disconnect state reaches the store", func(t *testing.T) {
		require.True(t, c.MarkDisconnected(ctx, "c1"))

		stored, err := store.Get(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, StatusDisconnected, stored.Status)
		assert.NotNil(t, stored.DisconnectedAt)
	})

	t.Run("destroy removes the stored record", func(t *testing.T) {
		_, ok := c.ReconnectSession(ctx, "c1")
		require.True(t, ok)
		require.True(t, c.DestroySession(ctx, "c1"))

		stored, err := store.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("clear wipes the store namespace", func(t *testing.T) {
		_, err := c.CreateSession(ctx, "c2")
		require.NoError(t, err)
		c.ClearAllSessions(ctx)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestCoordinator_StoreDegraded(t *testing.T) {
	clock := newFakeClock()
	pool := redispool.New(redispool.Config{Enabled: false}, discardLogger())
	store := NewRedisStore(pool, discardLogger())
	c := newTestCoordinator(t, 30*time.Minute, clock, WithStore(store))
	ctx := context.Background()

	// With the store unavailable, session operations still succeed on the
	// in-memory authority.
	_, err := c.CreateSession(ctx, "c1")
	require.NoError(t, err)
	_, err = c.AddMessage(ctx, "c1", types.RoleUser, "memory only")
	require.NoError(t, err)
	assert.True(t, c.DestroySession(ctx, "c1"))
}

func TestCoordinator_RestoreSessions(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := clock.Now()

	active := &Session{
		ID: "was-active", Status: StatusActive,
		History:   []types.Message{{Role: types.RoleUser, Content: "hi", Timestamp: now}},
		CreatedAt: now, LastActivityAt: now, ExpiresAt: now.Add(20 * time.Minute),
	}
	disconnected := &Session{
		ID: "was-disconnected", Status: StatusDisconnected,
		History:   []types.Message{},
		CreatedAt: now, LastActivityAt: now, ExpiresAt: now.Add(20 * time.Minute),
	}
	expired := &Session{
		ID: "long-gone", Status: StatusActive,
		History:   []types.Message{},
		CreatedAt: now.Add(-2 * time.Hour), LastActivityAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	for _, sess := range []*Session{active, disconnected, expired} {
		require.NoError(t, store.Set(ctx, sess.ID, sess, 0))
	}

	c := newTestCoordinator(t, 30*time.Minute, clock, WithStore(store))

	restored, err := c.RestoreSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	// Clients are gone after a restart, so restored sessions come back
	// disconnected and reconnectable.
	assert.False(t, c.HasSession("was-active"))
	assert.True(t, c.HasDisconnectedSession("was-active"))
	sess, ok := c.ReconnectSession(ctx, "was-active")
	require.True(t, ok)
	require.Len(t, sess.History, 1)

	assert.True(t, c.HasDisconnectedSession("was-disconnected"))
	assert.False(t, c.HasDisconnectedSession("long-gone"))
	assert.False(t, c.HasSession("long-gone"))
}
