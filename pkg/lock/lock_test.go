package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// managers under test share one contract; run the suite against both
// backends.
func backends(t *testing.T) map[string]Manager {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Manager{
		"memory": NewInMemoryManager(nil, Metrics{}),
		"redis":  NewRedisManager(client, nil, Metrics{}),
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "file:config.yaml", "agent-a", 5*time.Second)
			require.NoError(t, err)
			defer h.Release(ctx)

			_, err = m.Acquire(ctx, "file:config.yaml", "agent-b", 5*time.Second)
			require.Error(t, err)
			assert.Equal(t, errkind.Locked, errkind.KindOf(err))
		})
	}
}

func TestAcquireIsNotReentrant(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "repo:main", "agent-a", 5*time.Second)
			require.NoError(t, err)
			defer h.Release(ctx)

			// Same agent, lock still held: must fail like any other
			// contender.
			_, err = m.Acquire(ctx, "repo:main", "agent-a", 5*time.Second)
			require.Error(t, err)
			assert.Equal(t, errkind.Locked, errkind.KindOf(err))
		})
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "repo:main", "agent-a", 5*time.Second)
			require.NoError(t, err)
			require.NoError(t, h.Release(ctx))

			h2, err := m.Acquire(ctx, "repo:main", "agent-b", 5*time.Second)
			require.NoError(t, err)
			require.NoError(t, h2.Release(ctx))
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "repo:main", "agent-a", 5*time.Second)
			require.NoError(t, err)
			require.NoError(t, h.Release(ctx))
			require.NoError(t, h.Release(ctx))
		})
	}
}

func TestOwnerScopedRelease(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h1, err := m.Acquire(ctx, "repo:main", "agent-a", time.Second)
			require.NoError(t, err)

			// Let the first lock expire and a second owner take it.
			time.Sleep(1100 * time.Millisecond)
			h2, err := m.Acquire(ctx, "repo:main", "agent-b", 10*time.Second)
			require.NoError(t, err)

			// Releasing with the stale token must leave agent-b's lock
			// intact.
			require.NoError(t, h1.Release(ctx))

			locked, err := m.IsLocked(ctx, "repo:main")
			require.NoError(t, err)
			assert.True(t, locked)

			info, err := m.GetLockInfo(ctx, "repo:main")
			require.NoError(t, err)
			require.NotNil(t, info)
			assert.Equal(t, "agent-b", info.Owner)

			require.NoError(t, h2.Release(ctx))
		})
	}
}

func TestTTLExpiryFreesLock(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		m := NewInMemoryManager(nil, Metrics{})
		_, err := m.Acquire(ctx, "repo:main", "agent-a", 100*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		h, err := m.Acquire(ctx, "repo:main", "agent-b", time.Second)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		m := NewRedisManager(client, nil, Metrics{})

		_, err := m.Acquire(ctx, "repo:main", "agent-a", 100*time.Millisecond)
		require.NoError(t, err)

		// miniredis advances TTLs manually.
		mr.FastForward(150 * time.Millisecond)

		h, err := m.Acquire(ctx, "repo:main", "agent-b", time.Second)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))
	})
}

func TestWaitTimeoutSucceedsAfterRelease(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "file:config.yaml", "agent-a", 5*time.Second)
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				h2, err := m.Acquire(ctx, "file:config.yaml", "agent-b", 5*time.Second,
					WithWait(2*time.Second))
				if err == nil {
					_ = h2.Release(ctx)
				}
				done <- err
			}()

			time.Sleep(100 * time.Millisecond)
			require.NoError(t, h.Release(ctx))

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("waiter did not finish")
			}
		})
	}
}

func TestWaitTimeoutExpires(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := m.Acquire(ctx, "file:config.yaml", "agent-a", 30*time.Second)
			require.NoError(t, err)
			defer h.Release(ctx)

			start := time.Now()
			_, err = m.Acquire(ctx, "file:config.yaml", "agent-b", 5*time.Second,
				WithWait(200*time.Millisecond))
			require.Error(t, err)
			assert.Equal(t, errkind.Locked, errkind.KindOf(err))
			assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		})
	}
}

func TestForceUnlock(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := m.Acquire(ctx, "repo:main", "agent-a", 30*time.Second)
			require.NoError(t, err)

			require.NoError(t, m.ForceUnlock(ctx, "repo:main", "admin-1"))

			locked, err := m.IsLocked(ctx, "repo:main")
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestAcquireCountsGrantsAndContention(t *testing.T) {
	ctx := context.Background()
	acquired := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_locks_acquired_total"})
	contention := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_lock_contention_total"})
	m := NewInMemoryManager(nil, Metrics{Acquired: acquired, Contention: contention})

	h, err := m.Acquire(ctx, "repo:main", "agent-a", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, acquired))
	assert.Equal(t, 0.0, counterValue(t, contention))

	// A busy resource counts as contention exactly once, grant or not.
	_, err = m.Acquire(ctx, "repo:main", "agent-b", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, 1.0, counterValue(t, acquired))
	assert.Equal(t, 1.0, counterValue(t, contention))

	require.NoError(t, h.Release(ctx))

	// A waiter that eventually wins counts both.
	h2, err := m.Acquire(ctx, "repo:main", "agent-b", 5*time.Second, WithWait(time.Second))
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
	assert.Equal(t, 2.0, counterValue(t, acquired))
	assert.Equal(t, 1.0, counterValue(t, contention))
}

func TestConcurrentContendersExactlyOneWins(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const contenders = 16

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0

			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					h, err := m.Acquire(ctx, "file:shared", "agent", 5*time.Second)
					if err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
						_ = h // held until test end; contenders must all fail
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, winners)
		})
	}
}

// Property: for any interleaving of acquire/release pairs on one resource,
// a mismatched-token release never frees another owner's lock.
func TestOwnerScopedReleaseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("stale release is a no-op", prop.ForAll(
		func(resource string) bool {
			ctx := context.Background()
			m := NewInMemoryManager(nil, Metrics{})

			h1, err := m.Acquire(ctx, resource, "owner-1", time.Hour)
			if err != nil {
				return false
			}
			// Steal via admin override, then hand to a second owner.
			if err := m.ForceUnlock(ctx, resource, "admin"); err != nil {
				return false
			}
			h2, err := m.Acquire(ctx, resource, "owner-2", time.Hour)
			if err != nil {
				return false
			}

			// Stale handle release must not disturb owner-2.
			if err := h1.Release(ctx); err != nil {
				return false
			}
			info, err := m.GetLockInfo(ctx, resource)
			if err != nil || info == nil || info.Owner != "owner-2" {
				return false
			}
			return h2.Release(ctx) == nil
		},
		gen.RegexMatch(`[a-z]{1,8}:[a-z]{1,8}`),
	))

	properties.Property("ttl always frees the lock", prop.ForAll(
		func(ttlMillis int) bool {
			ctx := context.Background()
			m := NewInMemoryManager(nil, Metrics{})
			ttl := time.Duration(ttlMillis) * time.Millisecond

			if _, err := m.Acquire(ctx, "res", "owner-1", ttl); err != nil {
				return false
			}
			time.Sleep(ttl + 20*time.Millisecond)

			h, err := m.Acquire(ctx, "res", "owner-2", time.Hour)
			if err != nil {
				return false
			}
			return h.Release(ctx) == nil
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
