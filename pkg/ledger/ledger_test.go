package ledger_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// backend bundles a ledger with a way to move its notion of time forward.
type backend struct {
	ledger  ledger.Ledger
	advance func(time.Duration)
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := ledger.NewRedisWithClient(client, testLogger())
	t.Cleanup(func() { l.Close() })
	return backend{ledger: l, advance: mr.FastForward}
}

func newSQLiteBackend(t *testing.T) backend {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	l, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "counters.db"), clock, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return backend{ledger: l, advance: clock.Advance}
}

func newMemoryBackend(t *testing.T) backend {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return backend{ledger: ledger.NewMemory(clock), advance: clock.Advance}
}

var backends = map[string]func(*testing.T) backend{
	"redis":  newRedisBackend,
	"sqlite": newSQLiteBackend,
	"memory": newMemoryBackend,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, mk(t))
		})
	}
}

func TestLedger_GetUsage_MissingKeyIsZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		got, err := b.ledger.GetUsage(context.Background(), "spend:v1:global:2025-01-01")
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
	})
}

func TestLedger_Increment_ConcurrentSumIsExact(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		const (
			workers = 50
			amount  = 0.25
			key     = "spend:v1:user:u1:2025-01-01"
		)

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.ledger.Increment(ctx, key, amount, time.Hour); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := b.ledger.GetUsage(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, workers*amount, got, 1e-9)
	})
}

func TestLedger_Increment_Refund(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		key := "spend:v1:user:u1:2025-01-01"

		v, err := b.ledger.Increment(ctx, key, 5.0, time.Hour)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, v, 1e-9)

		v, err = b.ledger.Increment(ctx, key, -2.0, time.Hour)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, v, 1e-9)

		got, err := b.ledger.GetUsage(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, got, 1e-9)
	})
}

func TestLedger_Increment_TTLSetOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		key := "spend:v1:project:p1:2025-01-01"

		_, err := b.ledger.Increment(ctx, key, 1.0, 3600*time.Second)
		require.NoError(t, err)

		ttl, err := b.ledger.TTL(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, 3600, ttl.Seconds(), 2)

		_, err = b.ledger.Increment(ctx, key, 1.0, 100*time.Second)
		require.NoError(t, err)

		ttl, err = b.ledger.TTL(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, 3600, ttl.Seconds(), 2, "existing expiry must not be reset")
	})
}

func TestLedger_Increment_NoTTL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		key := "spend:v1:global:2025-01-01"

		_, err := b.ledger.Increment(ctx, key, 1.0, 0)
		require.NoError(t, err)

		ttl, err := b.ledger.TTL(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ledger.NoExpiry, ttl)

		// A later ttl applies because the key has none yet.
		_, err = b.ledger.Increment(ctx, key, 1.0, 60*time.Second)
		require.NoError(t, err)
		ttl, err = b.ledger.TTL(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, 60, ttl.Seconds(), 2)
	})
}

func TestLedger_TTL_MissingKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ttl, err := b.ledger.TTL(context.Background(), "spend:v1:global:1999-01-01")
		require.NoError(t, err)
		assert.Equal(t, ledger.KeyMissing, ttl)
	})
}

func TestLedger_Expiry_StartsFreshCounter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		key := "spend:v1:user:u1:2025-01-01"

		_, err := b.ledger.Increment(ctx, key, 7.0, 10*time.Second)
		require.NoError(t, err)

		b.advance(11 * time.Second)

		got, err := b.ledger.GetUsage(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)

		v, err := b.ledger.Increment(ctx, key, 2.0, 30*time.Second)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, v, 1e-9)

		ttl, err := b.ledger.TTL(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, 30, ttl.Seconds(), 2)
	})
}

func TestLedger_KeysAreIndependent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		d1 := "spend:v1:user:u1:2025-01-01"
		d2 := "spend:v1:user:u1:2025-01-02"

		_, err := b.ledger.Increment(ctx, d1, 4.0, time.Hour)
		require.NoError(t, err)
		_, err = b.ledger.Increment(ctx, d2, 9.0, time.Hour)
		require.NoError(t, err)

		got, err := b.ledger.GetUsage(ctx, d1)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, got, 1e-9)
	})
}

func TestLedger_Ping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		assert.NoError(t, b.ledger.Ping(context.Background()))
	})
}

func TestBackendError_Unwrap(t *testing.T) {
	err := &ledger.BackendError{Op: "get", Key: "k", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ledger.ErrBackend)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ledger.ErrCorruptData)
	assert.Equal(t, "ledger: get k: context deadline exceeded", err.Error())
}
