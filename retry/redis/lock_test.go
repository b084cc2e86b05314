package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis-backed Client for lock testing
func setupTestRedis(t *testing.T) (*Client, func()) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{
		Topology: Topology{
			Standalone: &StandaloneTopology{Address: mr.Addr()},
		},
		Logger: &log.NopLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}

	return client, cleanup
}

// TestRedisLockManager_WithLock tests basic locking functionality
func TestRedisLockManager_WithLock(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	executed := false

	err = lock.WithLock(ctx, "test:lock", func(context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed, "function should have been executed")
}

// TestRedisLockManager_WithLock_Error tests error propagation
func TestRedisLockManager_WithLock_Error(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	expectedErr := assert.AnError

	err = lock.WithLock(ctx, "test:lock", func(context.Context) error {
		return expectedErr
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, expectedErr)
}

// TestRedisLockManager_ConcurrentExecution tests that locks prevent concurrent execution
func TestRedisLockManager_ConcurrentExecution(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	var counter int32
	var maxConcurrent int32
	var currentConcurrent int32

	const numGoroutines = 10

	// Use more patient lock options for testing
	opts := LockOptions{
		Expiry:      5 * time.Second,
		Tries:       50, // Many retries to ensure all goroutines get a chance
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for range numGoroutines {
		go func() {
			defer wg.Done()

			err := lock.WithLockOptions(ctx, "test:concurrent:lock", opts, func(context.Context) error {
				// Track concurrent executions
				concurrent := atomic.AddInt32(&currentConcurrent, 1)
				if concurrent > atomic.LoadInt32(&maxConcurrent) {
					atomic.StoreInt32(&maxConcurrent, concurrent)
				}

				// Increment counter
				atomic.AddInt32(&counter, 1)

				// Simulate work
				time.Sleep(10 * time.Millisecond)

				// Decrement concurrent counter
				atomic.AddInt32(&currentConcurrent, -1)

				return nil
			})

			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(numGoroutines), counter, "all goroutines should have executed")
	assert.Equal(t, int32(1), maxConcurrent, "at most 1 goroutine should execute concurrently")
}

// TestRedisLockManager_TryLock tests non-blocking lock acquisition
func TestRedisLockManager_TryLock(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	// First lock should succeed
	handle1, acquired1, err1 := lock.TryLock(ctx, "test:trylock")
	assert.NoError(t, err1)
	assert.True(t, acquired1, "first lock should be acquired")
	assert.NotNil(t, handle1)

	if acquired1 {
		defer handle1.Unlock(ctx)
	}

	// Second lock should fail (already held)
	handle2, acquired2, err2 := lock.TryLock(ctx, "test:trylock")
	assert.NoError(t, err2)
	assert.False(t, acquired2, "second lock should not be acquired")
	assert.Nil(t, handle2)
}

// TestRedisLockManager_WithLockOptions tests custom lock options
func TestRedisLockManager_WithLockOptions(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	executed := false

	opts := LockOptions{
		Expiry:      5 * time.Second,
		Tries:       5,
		RetryDelay:  100 * time.Millisecond,
		DriftFactor: 0.01,
	}

	err = lock.WithLockOptions(ctx, "test:lock:options", opts, func(context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed, "function should have been executed")
}

// TestRedisLockManager_DefaultLockOptions tests default options
func TestRedisLockManager_DefaultLockOptions(t *testing.T) {
	opts := DefaultLockOptions()

	assert.Equal(t, 10*time.Second, opts.Expiry)
	assert.Equal(t, 3, opts.Tries)
	assert.Equal(t, 500*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 0.01, opts.DriftFactor)
}

// TestRedisLockManager_RateLimiterLockOptions tests the rate limiter preset
func TestRedisLockManager_RateLimiterLockOptions(t *testing.T) {
	opts := RateLimiterLockOptions()

	assert.Equal(t, 2*time.Second, opts.Expiry)
	assert.Equal(t, 2, opts.Tries)
	assert.Equal(t, 100*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 0.01, opts.DriftFactor)
}

// TestRedisLockManager_HandleUnlock tests explicit unlocking via the handle
func TestRedisLockManager_HandleUnlock(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	handle, acquired, err := lock.TryLock(ctx, "test:unlock")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, handle)

	// Unlock should succeed
	err = handle.Unlock(ctx)
	assert.NoError(t, err)

	// After unlock, another lock should be acquirable
	handle2, acquired2, err2 := lock.TryLock(ctx, "test:unlock")
	assert.NoError(t, err2)
	assert.True(t, acquired2)
	assert.NotNil(t, handle2)

	if acquired2 {
		handle2.Unlock(ctx)
	}
}

// TestRedisLockManager_NilHandleUnlock tests error handling for nil handles
func TestRedisLockManager_NilHandleUnlock(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	err = lock.Unlock(ctx, nil)
	assert.ErrorIs(t, err, ErrNilLockHandleOnUnlock)

	var handle *lockHandle
	err = handle.Unlock(ctx)
	assert.ErrorIs(t, err, ErrNilLockHandle)
}

// TestRedisLockManager_ContextCancellation tests lock behavior with context cancellation
func TestRedisLockManager_ContextCancellation(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	// Create a context that's already cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executed := false
	err = lock.WithLock(ctx, "test:cancelled", func(context.Context) error {
		executed = true
		return nil
	})

	assert.Error(t, err)
	assert.False(t, executed, "function should not execute with cancelled context")
}

// TestRedisLockManager_MultipleLocksDifferentKeys tests multiple locks on different keys
func TestRedisLockManager_MultipleLocksDifferentKeys(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	var wg sync.WaitGroup
	var counter1, counter2 int32

	// Two different locks should not interfere with each other
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := lock.WithLock(ctx, "test:lock:1", func(context.Context) error {
			atomic.AddInt32(&counter1, 1)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		assert.NoError(t, err)
	}()

	go func() {
		defer wg.Done()
		err := lock.WithLock(ctx, "test:lock:2", func(context.Context) error {
			atomic.AddInt32(&counter2, 1)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		assert.NoError(t, err)
	}()

	wg.Wait()

	assert.Equal(t, int32(1), counter1)
	assert.Equal(t, int32(1), counter2)
}

// TestRedisLockManager_PanicRecovery tests that locks are released even on panic
func TestRedisLockManager_PanicRecovery(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	// First call panics
	func() {
		defer func() {
			if r := recover(); r != nil {
				// Panic recovered as expected
			}
		}()

		lock.WithLock(ctx, "test:panic", func(context.Context) error {
			panic("test panic")
		})
	}()

	// Second call should succeed (lock was released despite panic)
	executed := false
	err = lock.WithLock(ctx, "test:panic", func(context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed, "lock should be available after panic")
}

// TestRedisLockManager_ConcurrentDifferentKeys tests high concurrency on different keys
func TestRedisLockManager_ConcurrentDifferentKeys(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	const numKeys = 5
	const numGoroutinesPerKey = 4

	counters := make([]int32, numKeys)
	var wg sync.WaitGroup

	// Use patient lock options for concurrent scenario
	opts := LockOptions{
		Expiry:      5 * time.Second,
		Tries:       50,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}

	// Channel to collect errors from goroutines
	errCh := make(chan error, numKeys*numGoroutinesPerKey)

	for keyIdx := range numKeys {
		for range numGoroutinesPerKey {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()

				lockKey := fmt.Sprintf("test:concurrent:key:%d", k)
				err := lock.WithLockOptions(ctx, lockKey, opts, func(context.Context) error {
					atomic.AddInt32(&counters[k], 1)
					time.Sleep(5 * time.Millisecond)
					return nil
				})
				if err != nil {
					errCh <- err
				}
			}(keyIdx)
		}
	}

	wg.Wait()
	close(errCh)

	// Assert errors in main goroutine
	for err := range errCh {
		assert.NoError(t, err)
	}

	// Each counter should have been incremented by numGoroutinesPerKey
	for i, count := range counters {
		assert.Equal(t, int32(numGoroutinesPerKey), count, "counter %d should be %d", i, numGoroutinesPerKey)
	}
}

// TestRedisLockManager_ReentrantNotSupported tests that re-entrant locking is not supported
func TestRedisLockManager_ReentrantNotSupported(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	err = lock.WithLock(ctx, "test:reentrant", func(context.Context) error {
		// Try to acquire the same lock again (this should fail/timeout)
		opts := LockOptions{
			Expiry:     1 * time.Second,
			Tries:      1, // Only try once
			RetryDelay: 100 * time.Millisecond,
		}

		err := lock.WithLockOptions(ctx, "test:reentrant", opts, func(context.Context) error {
			return nil
		})

		// This should fail because the lock is already held
		assert.Error(t, err)
		return nil
	})

	assert.NoError(t, err)
}

// TestRedisLockManager_InvalidOptions tests option validation
func TestRedisLockManager_InvalidOptions(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		opts    LockOptions
		wantErr error
	}{
		{
			name:    "zero expiry",
			opts:    LockOptions{Tries: 1, DriftFactor: 0.01},
			wantErr: ErrLockExpiryInvalid,
		},
		{
			name:    "zero tries",
			opts:    LockOptions{Expiry: time.Second, DriftFactor: 0.01},
			wantErr: ErrLockTriesInvalid,
		},
		{
			name:    "tries above maximum",
			opts:    LockOptions{Expiry: time.Second, Tries: maxLockTries + 1, DriftFactor: 0.01},
			wantErr: ErrLockTriesExceeded,
		},
		{
			name:    "negative retry delay",
			opts:    LockOptions{Expiry: time.Second, Tries: 1, RetryDelay: -time.Millisecond, DriftFactor: 0.01},
			wantErr: ErrLockRetryDelayNegative,
		},
		{
			name:    "drift factor out of range",
			opts:    LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 1.0},
			wantErr: ErrLockDriftFactorInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lock.WithLockOptions(ctx, "test:invalid:options", tt.opts, noop)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestRedisLockManager_InputGuards tests nil and empty input handling
func TestRedisLockManager_InputGuards(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	err = lock.WithLock(ctx, "  ", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyLockKey)

	err = lock.WithLock(ctx, "test:guards", nil)
	assert.ErrorIs(t, err, ErrNilLockFn)

	_, _, err = lock.TryLock(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyLockKey)

	var nilManager *RedisLockManager
	err = nilManager.WithLock(ctx, "test:guards", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNilLockManager)

	uninitialized := &RedisLockManager{}
	err = uninitialized.WithLock(ctx, "test:guards", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotInitialized)
}

// TestNewRedisLockManager_NilClient tests constructor input validation
func TestNewRedisLockManager_NilClient(t *testing.T) {
	lock, err := NewRedisLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, lock)
}

// TestRedisLockManager_ShortTimeout tests behavior with very short timeout
func TestRedisLockManager_ShortTimeout(t *testing.T) {
	conn, cleanup := setupTestRedis(t)
	defer cleanup()

	lock, err := NewRedisLockManager(conn)
	require.NoError(t, err)

	ctx := context.Background()

	// First goroutine holds the lock
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		lock.WithLock(ctx, "test:timeout", func(context.Context) error {
			time.Sleep(200 * time.Millisecond) // Hold for 200ms
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond) // Ensure first goroutine has the lock

	// Second goroutine tries with short timeout
	go func() {
		defer wg.Done()

		opts := LockOptions{
			Expiry:     1 * time.Second,
			Tries:      1, // Give up quickly
			RetryDelay: 50 * time.Millisecond,
		}

		err := lock.WithLockOptions(ctx, "test:timeout", opts, func(context.Context) error {
			return nil
		})

		// Should fail to acquire
		assert.Error(t, err)
	}()

	wg.Wait()
}
