package gate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/observability"
)

// Limiter enforces per-endpoint, per-caller request budgets. With a
// cache configured it uses a fixed one-second window shared across
// instances; without one it degrades to in-process token buckets.
// A broken cache fails open: availability beats strictness here.
type Limiter struct {
	cfg     *config.Config
	pool    *redis.Pool
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewLimiter creates the rate gate. pool may be nil.
func NewLimiter(cfg *config.Config, pool *redis.Pool, metrics *observability.Metrics, logger zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		pool:    pool,
		metrics: metrics,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		local:   make(map[string]*rate.Limiter),
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Allow checks one request against the endpoint's budget for the
// caller id (tenant when authenticated, client IP otherwise).
func (l *Limiter) Allow(ctx context.Context, endpoint, id string) Decision {
	if !l.cfg.RateLimitEnabled {
		return Decision{Allowed: true}
	}
	limit := l.cfg.LimitFor(endpoint)

	if l.pool == nil {
		return l.allowLocal(endpoint, id, limit)
	}

	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate cache unavailable, failing open")
		return Decision{Allowed: true, Limit: limit.Burst}
	}
	defer conn.Close()

	now := time.Now().Unix()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, id, now)

	count, err := redis.Int(conn.Do("INCR", key))
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate cache error, failing open")
		return Decision{Allowed: true, Limit: limit.Burst}
	}
	if count == 1 {
		conn.Do("EXPIRE", key, 1)
	}

	remaining := limit.Burst - count
	if remaining < 0 {
		remaining = 0
	}
	if count > limit.Burst {
		return Decision{Limit: limit.Burst, Remaining: 0, RetryAfter: time.Second}
	}
	return Decision{Allowed: true, Limit: limit.Burst, Remaining: remaining}
}

// allowLocal is the single-instance fallback: one token bucket per
// (endpoint, id).
func (l *Limiter) allowLocal(endpoint, id string, limit config.EndpointLimit) Decision {
	key := endpoint + ":" + id
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
		l.local[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return Decision{Limit: limit.Burst, RetryAfter: time.Second}
	}
	tokens := int(lim.Tokens())
	if tokens < 0 {
		tokens = 0
	}
	return Decision{Allowed: true, Limit: limit.Burst, Remaining: tokens}
}

// ClientIP resolves the caller address, honouring the proxy header
// only when TRUST_PROXY is on.
func ClientIP(r *http.Request, trustProxy bool, header string) string {
	if trustProxy && header != "" {
		if v := r.Header.Get(header); v != "" {
			// First hop in a comma-separated chain.
			if i := strings.IndexByte(v, ','); i > 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware applies the endpoint budget and writes the X-RateLimit
// headers on every response, Retry-After on denials.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ClientIP(r, l.cfg.TrustProxy, l.cfg.RealIPHeader)
			if ident, ok := IdentityFrom(r.Context()); ok && ident.TenantID != "" {
				id = ident.TenantID
			}

			d := l.Allow(r.Context(), endpoint, id)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", "1")
			}
			if !d.Allowed {
				l.metrics.RateLimited(r.Context(), endpoint)
				retry := int(d.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
