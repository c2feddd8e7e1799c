package gate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/observability"
)

func concurrencyFixture(t *testing.T, withCache bool) (*miniredis.Miniredis, *Concurrency) {
	t.Helper()
	cfg := config.Default()
	cfg.ConcurrencyCaps["ask"] = 2
	metrics, err := observability.New(nil)
	require.NoError(t, err)

	var mr *miniredis.Miniredis
	var pool *redis.Pool
	if withCache {
		mr = miniredis.RunT(t)
		pool = &redis.Pool{
			Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) },
		}
		t.Cleanup(func() { pool.Close() })
	}
	return mr, NewConcurrency(cfg, pool, metrics, zerolog.Nop())
}

func TestConcurrencyCap(t *testing.T) {
	_, c := concurrencyFixture(t, true)
	ctx := context.Background()

	rel1, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)
	rel2, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)

	_, ok = c.Acquire(ctx, "acme", "ask")
	assert.False(t, ok, "third slot refused at cap 2")

	rel1()
	rel3, ok := c.Acquire(ctx, "acme", "ask")
	assert.True(t, ok, "released slot is reusable")
	rel3()
	rel2()
}

func TestConcurrencyIsolatesTenants(t *testing.T) {
	_, c := concurrencyFixture(t, true)
	ctx := context.Background()

	relA1, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)
	relA2, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)
	_, ok = c.Acquire(ctx, "acme", "ask")
	require.False(t, ok, "acme is at cap")

	relB, ok := c.Acquire(ctx, "globex", "ask")
	assert.True(t, ok, "another tenant's saturation never starves this one")
	relB()
	relA1()
	relA2()
}

func TestConcurrencyUncappedEndpoint(t *testing.T) {
	_, c := concurrencyFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		rel, ok := c.Acquire(ctx, "acme", "search")
		require.True(t, ok, "no cap configured means unlimited")
		rel()
	}
}

func TestConcurrencyReapsStaleSlots(t *testing.T) {
	mr, c := concurrencyFixture(t, true)
	ctx := context.Background()

	// Slots whose holders died long ago, filling the cap.
	conn, err := redis.Dial("tcp", mr.Addr())
	require.NoError(t, err)
	defer conn.Close()
	stale := time.Now().Add(-2 * slotTTL).Unix()
	_, err = conn.Do("ZADD", "concurrency:ask:acme", stale, "ask:dead-1", stale, "ask:dead-2")
	require.NoError(t, err)

	rel, ok := c.Acquire(ctx, "acme", "ask")
	assert.True(t, ok, "stale slots reaped before counting")
	if ok {
		rel()
	}
}

func TestConcurrencyLocalFallback(t *testing.T) {
	_, c := concurrencyFixture(t, false)
	ctx := context.Background()

	rel1, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)
	rel2, ok := c.Acquire(ctx, "acme", "ask")
	require.True(t, ok)
	_, ok = c.Acquire(ctx, "acme", "ask")
	assert.False(t, ok)

	relB, ok := c.Acquire(ctx, "globex", "ask")
	assert.True(t, ok, "local fallback keys slots by tenant too")
	relB()
	rel1()
	rel2()
}
