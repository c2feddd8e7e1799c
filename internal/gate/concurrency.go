package gate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/observability"
)

// slotTTL is how long a held slot survives without release. Crashed
// or wedged requests get reaped after this, so leaks self-heal.
const slotTTL = 600 * time.Second

// Concurrency caps in-flight requests per (tenant, endpoint) using a
// redis sorted set of slot members scored by acquisition time. One
// tenant saturating its cap never blocks another tenant's slots.
// Without a cache it keeps local counters. Like the rate gate it
// fails open.
type Concurrency struct {
	cfg     *config.Config
	pool    *redis.Pool
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	localCh map[string]chan struct{}
}

// NewConcurrency creates the concurrency gate. pool may be nil.
func NewConcurrency(cfg *config.Config, pool *redis.Pool, metrics *observability.Metrics, logger zerolog.Logger) *Concurrency {
	return &Concurrency{
		cfg:     cfg,
		pool:    pool,
		metrics: metrics,
		logger:  logger.With().Str("component", "concurrency").Logger(),
		localCh: make(map[string]chan struct{}),
	}
}

func slotKey(tenant, endpoint string) string {
	return fmt.Sprintf("concurrency:%s:%s", endpoint, tenant)
}

// localSlot returns the per-(tenant, endpoint) channel, creating it at
// the configured cap on first use.
func (c *Concurrency) localSlot(tenant, endpoint string, cap int) chan struct{} {
	key := slotKey(tenant, endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.localCh[key]
	if !ok {
		ch = make(chan struct{}, cap)
		c.localCh[key] = ch
	}
	return ch
}

// Acquire takes a slot for the tenant on the endpoint. The returned
// release must be called when the request ends; ok=false means the
// tenant's cap on this endpoint is reached.
func (c *Concurrency) Acquire(ctx context.Context, tenant, endpoint string) (release func(), ok bool) {
	cap := c.cfg.ConcurrencyFor(endpoint)
	if cap <= 0 {
		return func() {}, true
	}

	if c.pool == nil {
		ch := c.localSlot(tenant, endpoint, cap)
		select {
		case ch <- struct{}{}:
			return func() { <-ch }, true
		default:
			return nil, false
		}
	}

	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("concurrency cache unavailable, failing open")
		return func() {}, true
	}
	defer conn.Close()

	key := slotKey(tenant, endpoint)
	now := time.Now()

	// Reap slots whose holder never released.
	conn.Do("ZREMRANGEBYSCORE", key, "-inf", now.Add(-slotTTL).Unix())

	held, err := redis.Int(conn.Do("ZCARD", key))
	if err != nil {
		c.logger.Warn().Err(err).Msg("concurrency cache error, failing open")
		return func() {}, true
	}
	if held >= cap {
		return nil, false
	}

	member := fmt.Sprintf("%s:%s", endpoint, uuid.NewString())
	if _, err := conn.Do("ZADD", key, now.Unix(), member); err != nil {
		c.logger.Warn().Err(err).Msg("concurrency acquire failed, failing open")
		return func() {}, true
	}

	return func() {
		rc := c.pool.Get()
		defer rc.Close()
		rc.Do("ZREM", key, member)
	}, true
}

// Middleware holds a slot for the request's lifetime; 429 when the
// caller's tenant has saturated the endpoint.
func (c *Concurrency) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tenant string
			if id, ok := IdentityFrom(r.Context()); ok {
				tenant = id.TenantID
			}
			release, ok := c.Acquire(r.Context(), tenant, endpoint)
			if !ok {
				c.metrics.RateLimited(r.Context(), endpoint)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
