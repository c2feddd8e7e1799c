package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/observability"
)

// Webhook rejection reasons, also used as the metric label.
const (
	RejectBadSignature = "bad_signature"
	RejectBadToken     = "bad_token"
	RejectTopic        = "topic_not_allowed"
	RejectReplay       = "replay"
	RejectDisabled     = "disabled"
	RejectMalformed    = "malformed"
)

// RejectionError carries the reason a delivery was refused.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "webhook rejected: " + e.Reason
}

// TokenVerifier validates the signed delivery token and returns the
// tenant it was issued to.
type TokenVerifier interface {
	VerifyDeliveryToken(ctx context.Context, token string) (tenantID string, err error)
}

// Delivery is one inbound webhook call after HTTP unwrapping.
type Delivery struct {
	Provider  string
	Token     string // signed token carrying the tenant
	Signature string // hex HMAC-SHA256 of Body
	ID        string // provider-assigned delivery id, for replay dedup
	Body      []byte
}

// webhookEvent is the body schema providers post.
type webhookEvent struct {
	Topic   string `json:"topic"`
	URI     string `json:"uri"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Webhook authenticates provider deliveries and turns them into queue
// jobs. Every check must pass: signed token, body HMAC against the
// connector's webhook secret, topic allowlist and replay dedup.
type Webhook struct {
	configs   *Configs
	queue     *Queue
	pool      *redis.Pool
	verifier  TokenVerifier
	topics    []string
	dedupeTTL time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewWebhook creates the webhook gate. topics is the wildcard
// allowlist ("sync.*" matches "sync.item").
func NewWebhook(configs *Configs, queue *Queue, pool *redis.Pool, verifier TokenVerifier, topics []string, dedupeTTL time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Webhook {
	if dedupeTTL <= 0 {
		dedupeTTL = 5 * time.Minute
	}
	return &Webhook{
		configs:   configs,
		queue:     queue,
		pool:      pool,
		verifier:  verifier,
		topics:    topics,
		dedupeTTL: dedupeTTL,
		metrics:   metrics,
		logger:    logger.With().Str("component", "webhook").Logger(),
	}
}

// Accept validates one delivery and enqueues its work. A nil error
// means the job is queued (or the delivery was a harmless duplicate
// rejection — those return RejectionError with RejectReplay).
func (w *Webhook) Accept(ctx context.Context, d *Delivery) error {
	reject := func(reason string) error {
		w.metrics.WebhookRejected(ctx, d.Provider, reason)
		w.logger.Warn().Str("provider", d.Provider).Str("reason", reason).Msg("webhook rejected")
		return &RejectionError{Reason: reason}
	}

	tenant, err := w.verifier.VerifyDeliveryToken(ctx, d.Token)
	if err != nil {
		return reject(RejectBadToken)
	}

	cfg, err := w.configs.Open(ctx, tenant, d.Provider)
	if err != nil {
		return reject(RejectDisabled)
	}
	if !cfg.Enabled {
		return reject(RejectDisabled)
	}
	secret := cfg.Config.String("webhook_secret")
	if secret == "" || !verifyHMAC(secret, d.Body, d.Signature) {
		return reject(RejectBadSignature)
	}

	var event webhookEvent
	if err := json.Unmarshal(d.Body, &event); err != nil || event.Topic == "" || event.URI == "" {
		return reject(RejectMalformed)
	}
	if !topicAllowed(w.topics, event.Topic) {
		return reject(RejectTopic)
	}

	if d.ID != "" {
		fresh, err := w.claimDelivery(ctx, d.Provider, d.ID)
		if err != nil {
			// Dedup store down: accept rather than drop, the pipeline
			// is idempotent on content hashes anyway.
			w.logger.Warn().Err(err).Msg("webhook dedup unavailable")
		} else if !fresh {
			return reject(RejectReplay)
		}
	}

	return w.queue.Enqueue(ctx, &Job{
		Provider: d.Provider,
		TenantID: tenant,
		URI:      event.URI,
		Deleted:  event.Deleted,
	})
}

// claimDelivery marks a delivery id seen; false means a replay.
func (w *Webhook) claimDelivery(ctx context.Context, provider, id string) (bool, error) {
	if w.pool == nil {
		return false, errors.New("connector: dedup store not configured")
	}
	conn, err := w.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	key := fmt.Sprintf("webhook:dedup:%s:%s", provider, id)
	reply, err := redis.String(conn.Do("SET", key, "1", "EX", int(w.dedupeTTL.Seconds()), "NX"))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

// verifyHMAC checks a hex HMAC-SHA256 signature in constant time.
func verifyHMAC(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignBody produces the signature a provider would send, used by
// outbound dispatch and tests.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// topicAllowed matches a topic against the allowlist; a trailing ".*"
// entry matches the prefix, "*" matches everything.
func topicAllowed(allowlist []string, topic string) bool {
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "*":
			return true
		case strings.HasSuffix(entry, ".*"):
			if strings.HasPrefix(topic, strings.TrimSuffix(entry, "*")) {
				return true
			}
		case entry == topic:
			return true
		}
	}
	return false
}
