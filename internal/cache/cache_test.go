package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives TTL expiry without sleeping.
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

func TestCache_BasicOperations(t *testing.T) {
	c := New[string](Config{MaxSize: 100, TTL: time.Minute})

	t.Run("set and get", func(t *testing.T) {
		c.Set("key1", "value1")

		val, ok := c.Get("key1")
		require.True(t, ok)
		assert.Equal(t, "value1", val)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		val, ok := c.Get("non-existent")
		assert.False(t, ok)
		assert.Empty(t, val)
	})

	t.Run("delete", func(t *testing.T) {
		c.Set("key2", "value2")

		assert.True(t, c.Delete("key2"))
		_, ok := c.Get("key2")
		assert.False(t, ok)
	})

	t.Run("delete missing key", func(t *testing.T) {
		assert.False(t, c.Delete("never-set"))
	})

	t.Run("overwrite", func(t *testing.T) {
		c.Set("key3", "value3")
		c.Set("key3", "value3-updated")

		val, ok := c.Get("key3")
		require.True(t, ok)
		assert.Equal(t, "value3-updated", val)
	})
}

func TestCache_TTL(t *testing.T) {
	t.Run("entry expires at TTL", func(t *testing.T) {
		clock := newFakeClock()
		c := New[string](Config{MaxSize: 10, TTL: time.Minute, Clock: clock.Now})

		c.Set("k", "v")

		clock.Advance(59 * time.Second)
		_, ok := c.Get("k")
		assert.True(t, ok, "entry younger than TTL should be live")

		clock.Advance(time.Second)
		_, ok = c.Get("k")
		assert.False(t, ok, "entry at TTL age should be gone")
	})

	t.Run("get does not extend lifetime", func(t *testing.T) {
		clock := newFakeClock()
		c := New[string](Config{MaxSize: 10, TTL: time.Minute, Clock: clock.Now})

		c.Set("k", "v")
		clock.Advance(30 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok)

		clock.Advance(30 * time.Second)
		_, ok = c.Get("k")
		assert.False(t, ok, "read must not reset the insertion clock")
	})

	t.Run("set resets lifetime", func(t *testing.T) {
		clock := newFakeClock()
		c := New[string](Config{MaxSize: 10, TTL: time.Minute, Clock: clock.Now})

		c.Set("k", "v1")
		clock.Advance(45 * time.Second)
		c.Set("k", "v2")

		clock.Advance(45 * time.Second)
		val, ok := c.Get("k")
		require.True(t, ok, "rewrite should restart the TTL")
		assert.Equal(t, "v2", val)
	})

	t.Run("zero TTL disables expiry", func(t *testing.T) {
		clock := newFakeClock()
		c := New[string](Config{MaxSize: 10, TTL: 0, Clock: clock.Now})

		c.Set("k", "v")
		clock.Advance(1000 * time.Hour)

		_, ok := c.Get("k")
		assert.True(t, ok)
	})
}

func TestCache_Eviction(t *testing.T) {
	t.Run("evicts least recently accessed", func(t *testing.T) {
		c := New[int](Config{MaxSize: 3})

		c.Set("a", 1)
		c.Set("b", 2)
		c.Set("c", 3)

		// Touch a and c so b becomes the coldest entry.
		_, _ = c.Get("a")
		_, _ = c.Get("c")

		c.Set("d", 4)

		_, ok := c.Get("b")
		assert.False(t, ok, "coldest entry should be evicted")
		for _, k := range []string{"a", "c", "d"} {
			_, ok := c.Get(k)
			assert.True(t, ok, "key %q should survive", k)
		}
	})

	t.Run("recency ties fall to oldest insertion", func(t *testing.T) {
		c := New[int](Config{MaxSize: 3})

		// None of these are ever read, so they tie on recency.
		c.Set("first", 1)
		c.Set("second", 2)
		c.Set("third", 3)
		c.Set("fourth", 4)

		_, ok := c.Get("first")
		assert.False(t, ok, "oldest insertion should lose the tie")
		assert.Equal(t, 3, c.Len())
	})

	t.Run("overwrite at capacity evicts nothing", func(t *testing.T) {
		c := New[int](Config{MaxSize: 2})

		c.Set("a", 1)
		c.Set("b", 2)
		c.Set("a", 10)

		assert.Equal(t, 2, c.Len())
		val, ok := c.Get("b")
		require.True(t, ok)
		assert.Equal(t, 2, val)
	})

	t.Run("capacity clamps to one", func(t *testing.T) {
		c := New[int](Config{MaxSize: 0})

		c.Set("a", 1)
		c.Set("b", 2)

		assert.Equal(t, 1, c.Len())
		_, ok := c.Get("a")
		assert.False(t, ok)
		val, ok := c.Get("b")
		require.True(t, ok)
		assert.Equal(t, 2, val)
	})
}

func TestCache_Len(t *testing.T) {
	clock := newFakeClock()
	c := New[string](Config{MaxSize: 10, TTL: time.Minute, Clock: clock.Now})

	c.Set("a", "1")
	c.Set("b", "2")
	require.Equal(t, 2, c.Len())

	clock.Advance(time.Minute)
	c.Set("c", "3")

	assert.Equal(t, 1, c.Len(), "expired entries must not count")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New[string](Config{MaxSize: 10})

	c.Set("a", "1")
	c.Set("b", "2")
	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)

	// The cache stays usable after Clear.
	c.Set("c", "3")
	assert.Equal(t, 1, c.Len())
}

func TestCache_Keys(t *testing.T) {
	c := New[int](Config{MaxSize: 10})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	_, _ = c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestCache_NoopConfiguration(t *testing.T) {
	// C=1, T=0 is the conventional stand-in when caching is disabled:
	// every insert displaces the previous one and nothing ever expires.
	c := New[string](Config{MaxSize: 1, TTL: 0})

	c.Set("a", "1")
	c.Set("b", "2")

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](Config{MaxSize: 64, TTL: time.Minute})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%100)
				switch i % 3 {
				case 0:
					c.Set(key, i)
				case 1:
					c.Get(key)
				default:
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

func BenchmarkCache_Set(b *testing.B) {
	c := New[int](Config{MaxSize: 1024, TTL: time.Minute})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(fmt.Sprintf("key-%d", i%2048), i)
	}
}

func BenchmarkCache_Get(b *testing.B) {
	c := New[int](Config{MaxSize: 1024, TTL: time.Minute})
	for i := 0; i < 1024; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(fmt.Sprintf("key-%d", i%1024))
	}
}

func BenchmarkCache_Concurrent(b *testing.B) {
	c := New[int](Config{MaxSize: 1024, TTL: time.Minute})

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%1024)
			if i%2 == 0 {
				c.Set(key, i)
			} else {
				c.Get(key)
			}
			i++
		}
	})
}
