package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
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

func limiterFixture(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
	}
	t.Cleanup(func() { pool.Close() })

	cfg := config.Default()
	cfg.EndpointLimits["ask"] = config.EndpointLimit{Rate: 2, Burst: 3}
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	return mr, NewLimiter(cfg, pool, metrics, zerolog.Nop())
}

func TestAllowWithinBurst(t *testing.T) {
	_, l := limiterFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "ask", "tenant-a")
		assert.True(t, d.Allowed, "request %d within burst", i+1)
		assert.Equal(t, 3, d.Limit)
	}

	d := l.Allow(ctx, "ask", "tenant-a")
	assert.False(t, d.Allowed, "burst exhausted within the window")
	assert.LessOrEqual(t, d.RetryAfter, time.Second)
}

func TestWindowResets(t *testing.T) {
	mr, l := limiterFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Allow(ctx, "ask", "tenant-a")
	}
	require.False(t, l.Allow(ctx, "ask", "tenant-a").Allowed)

	mr.FastForward(time.Second)
	time.Sleep(1100 * time.Millisecond) // move into the next wall-clock window

	d := l.Allow(ctx, "ask", "tenant-a")
	assert.True(t, d.Allowed, "fresh window admits again")
}

func TestCallersAreIndependent(t *testing.T) {
	_, l := limiterFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Allow(ctx, "ask", "tenant-a")
	}
	assert.False(t, l.Allow(ctx, "ask", "tenant-a").Allowed)
	assert.True(t, l.Allow(ctx, "ask", "tenant-b").Allowed, "another caller has its own window")
	assert.True(t, l.Allow(ctx, "search", "tenant-a").Allowed, "another endpoint has its own window")
}

func TestFailsOpenWhenCacheDown(t *testing.T) {
	mr, l := limiterFixture(t)
	mr.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(ctx, "ask", "tenant-a").Allowed)
	}
}

func TestLocalFallbackWithoutCache(t *testing.T) {
	cfg := config.Default()
	cfg.EndpointLimits["ask"] = config.EndpointLimit{Rate: 1, Burst: 2}
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	l := NewLimiter(cfg, nil, metrics, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "ask", "t").Allowed)
	assert.True(t, l.Allow(ctx, "ask", "t").Allowed)
	assert.False(t, l.Allow(ctx, "ask", "t").Allowed, "token bucket drained")
}

func TestMiddlewareHeaders(t *testing.T) {
	_, l := limiterFixture(t)
	handler := l.Middleware("ask")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/ask", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
	assert.Equal(t, "3", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.7", ClientIP(req, false, "X-Forwarded-For"), "proxy header ignored unless trusted")
	assert.Equal(t, "203.0.113.9", ClientIP(req, true, "X-Forwarded-For"))
}
