package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"

	"github.com/activegraph/activegraph/internal/observability"
)

// Redis key layout. Queues are plain lists (RPUSH tail, LPOP head) so
// ordering per (provider, tenant) is strict FIFO; the registry set
// lets workers discover queues without scanning the keyspace.
const (
	queueKeyFmt   = "connector:queue:%s:%s" // provider, tenant
	queueRegistry = "connector:queues"
	dlqKeyFmt     = "connector:dlq:%s" // provider
)

// ErrQueueFull means the per-queue depth bound was hit; callers back
// off rather than dropping work silently.
var ErrQueueFull = errors.New("connector: queue full")

// Job is one unit of ingestion work.
type Job struct {
	Provider   string    `json:"provider"`
	TenantID   string    `json:"tenant_id"`
	URI        string    `json:"uri"`
	Deleted    bool      `json:"deleted,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Queue is the redis-backed work queue set for connector ingestion.
type Queue struct {
	pool     *redis.Pool
	maxDepth int
	metrics  *observability.Metrics
}

// NewQueue creates the queue manager over a shared redis pool.
func NewQueue(pool *redis.Pool, maxDepth int, metrics *observability.Metrics) *Queue {
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	return &Queue{pool: pool, maxDepth: maxDepth, metrics: metrics}
}

func queueKey(provider, tenant string) string {
	return fmt.Sprintf(queueKeyFmt, provider, tenant)
}

// conn checks out a connection; a nil pool means no cache store was
// configured at all.
func (q *Queue) conn(ctx context.Context) (redis.Conn, error) {
	if q.pool == nil {
		return nil, errors.New("connector: queue store not configured")
	}
	return q.pool.GetContext(ctx)
}

func registryMember(provider, tenant string) string {
	return provider + "|" + tenant
}

// Enqueue appends a job to its (provider, tenant) queue and registers
// the queue. Full queues reject the job.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	conn, err := q.conn(ctx)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()

	key := queueKey(job.Provider, job.TenantID)
	depth, err := redis.Int64(conn.Do("LLEN", key))
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if depth >= int64(q.maxDepth) {
		return fmt.Errorf("%w: %s at %d", ErrQueueFull, key, depth)
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}

	if _, err := conn.Do("RPUSH", key, payload); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	if _, err := conn.Do("SADD", queueRegistry, registryMember(job.Provider, job.TenantID)); err != nil {
		return fmt.Errorf("queue register: %w", err)
	}
	q.metrics.QueueDepth(ctx, job.Provider, job.TenantID, depth+1)
	return nil
}

// Requeue puts a job back at the head of its queue so a transient
// failure retries before newer work.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	conn, err := q.conn(ctx)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	_, err = conn.Do("LPUSH", queueKey(job.Provider, job.TenantID), payload)
	return err
}

// Dequeue pops the oldest job across all registered queues, nil when
// everything is empty. Queues found empty are pruned from the registry.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	conn, err := q.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", queueRegistry))
	if err != nil {
		return nil, fmt.Errorf("queue registry: %w", err)
	}

	for _, member := range members {
		provider, tenant, ok := splitMember(member)
		if !ok {
			conn.Do("SREM", queueRegistry, member)
			continue
		}
		key := queueKey(provider, tenant)
		payload, err := redis.Bytes(conn.Do("LPOP", key))
		if errors.Is(err, redis.ErrNil) {
			conn.Do("SREM", queueRegistry, member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue pop: %w", err)
		}

		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			// Unparseable payloads go straight to the dead letter list.
			conn.Do("RPUSH", fmt.Sprintf(dlqKeyFmt, provider), payload)
			continue
		}
		if depth, err := redis.Int64(conn.Do("LLEN", key)); err == nil {
			q.metrics.QueueDepth(ctx, provider, tenant, depth)
		}
		return &job, nil
	}
	return nil, nil
}

func splitMember(member string) (provider, tenant string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], member[:i] != "" && member[i+1:] != ""
		}
	}
	return "", "", false
}

// DeadLetter parks a job that exhausted its retries.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, reason string) error {
	conn, err := q.conn(ctx)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()

	job.LastError = reason
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	key := fmt.Sprintf(dlqKeyFmt, job.Provider)
	if _, err := conn.Do("RPUSH", key, payload); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	if depth, err := redis.Int64(conn.Do("LLEN", key)); err == nil {
		q.metrics.DLQDepth(ctx, job.Provider, depth)
	}
	return nil
}

// ReplayDLQ moves up to limit dead letters back to the head of their
// queues with attempts reset, oldest first.
func (q *Queue) ReplayDLQ(ctx context.Context, provider string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := q.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()

	key := fmt.Sprintf(dlqKeyFmt, provider)
	moved := 0
	for moved < limit {
		payload, err := redis.Bytes(conn.Do("LPOP", key))
		if errors.Is(err, redis.ErrNil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("dlq pop: %w", err)
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			continue // drop unparseable dead letters on replay
		}
		job.Attempts = 0
		job.LastError = ""
		if err := q.Requeue(ctx, &job); err != nil {
			return moved, err
		}
		conn.Do("SADD", queueRegistry, registryMember(job.Provider, job.TenantID))
		moved++
	}
	if depth, err := redis.Int64(conn.Do("LLEN", key)); err == nil {
		q.metrics.DLQDepth(ctx, provider, depth)
	}
	return moved, nil
}

// Depth reports the live depth of one queue.
func (q *Queue) Depth(ctx context.Context, provider, tenant string) (int64, error) {
	conn, err := q.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: %w", err)
	}
	defer conn.Close()
	return redis.Int64(conn.Do("LLEN", queueKey(provider, tenant)))
}
