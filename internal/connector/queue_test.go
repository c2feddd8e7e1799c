package connector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/observability"
)

func testPool(t *testing.T) (*miniredis.Miniredis, *redis.Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	return mr, pool
}

func testQueue(t *testing.T, maxDepth int) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	mr, pool := testPool(t)
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	return mr, NewQueue(pool, maxDepth, metrics)
}

func TestQueueFIFO(t *testing.T) {
	_, q := testQueue(t, 100)
	ctx := context.Background()

	for _, uri := range []string{"s3://a", "s3://b", "s3://c"} {
		require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: uri}))
	}

	for _, want := range []string{"s3://a", "s3://b", "s3://c"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.URI)
	}

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "drained queue yields nil")
}

func TestQueueBounded(t *testing.T) {
	_, q := testQueue(t, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "a"}))
	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "b"}))
	err := q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueRequeueGoesToHead(t *testing.T) {
	_, q := testQueue(t, 100)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "first"}))
	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "second"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", job.URI)

	job.Attempts = 1
	require.NoError(t, q.Requeue(ctx, job))

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", job.URI, "requeued job retries before newer work")
	assert.Equal(t, 1, job.Attempts)
}

func TestQueueIsolatesTenants(t *testing.T) {
	_, q := testQueue(t, 100)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t1", URI: "a"}))
	require.NoError(t, q.Enqueue(ctx, &Job{Provider: "s3", TenantID: "t2", URI: "b"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		seen[job.TenantID+":"+job.URI] = true
	}
	assert.True(t, seen["t1:a"])
	assert.True(t, seen["t2:b"])
}

func TestDeadLetterAndReplay(t *testing.T) {
	_, q := testQueue(t, 100)
	ctx := context.Background()

	job := &Job{Provider: "s3", TenantID: "t1", URI: "broken", Attempts: 5}
	require.NoError(t, q.DeadLetter(ctx, job, "upstream 403"))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "dead letters are not live work")

	moved, err := q.ReplayDLQ(ctx, "s3", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "broken", got.URI)
	assert.Equal(t, 0, got.Attempts, "replay resets the attempt budget")
	assert.Empty(t, got.LastError)
}
