// Package observability provides the metrics sink for activegraph.
//
// Label cardinality is bounded by construction: the only attribute
// keys ever emitted are provider, tenant, mode, score_type, endpoint,
// type, reason, loop and result, and result is one of ok/error/skipped.
// Recording never blocks callers; with no meter provider configured the
// OpenTelemetry default is a no-op.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result values for the result label.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics owns every instrument the engine records into.
type Metrics struct {
	searchTotal        metric.Int64Counter
	searchLatency      metric.Float64Histogram
	askTotal           metric.Int64Counter
	askLatency         metric.Float64Histogram
	accessViolations   metric.Int64Counter
	rateLimited        metric.Int64Counter
	refreshTotal       metric.Int64Counter
	refreshLatency     metric.Float64Histogram
	loopInterval       metric.Float64Histogram
	loopLastRun        metric.Float64Gauge
	nodesPerCycle      metric.Int64Histogram
	triggerFired       metric.Int64Counter
	purgeTotal         metric.Int64Counter
	ingestSkipped      metric.Int64Counter
	ingestMetadataOnly metric.Int64Counter
	ingestProcessed    metric.Int64Counter
	connectorErrors    metric.Int64Counter
	rotationTotal      metric.Int64Counter
	webhookRejected    metric.Int64Counter
	queueDepth         metric.Int64Gauge
	dlqDepth           metric.Int64Gauge
	retrievalUplift    metric.Float64Gauge

	mu sync.Mutex
}

// New creates the metric set on the given meter. Pass nil to use the
// globally registered meter provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/activegraph/activegraph")
	}

	m := &Metrics{}
	var err error

	if m.searchTotal, err = meter.Int64Counter("search_total",
		metric.WithDescription("Search requests by mode, score type and result")); err != nil {
		return nil, fmt.Errorf("search_total: %w", err)
	}
	if m.searchLatency, err = meter.Float64Histogram("search_latency_seconds",
		metric.WithDescription("Search latency by mode")); err != nil {
		return nil, fmt.Errorf("search_latency_seconds: %w", err)
	}
	if m.askTotal, err = meter.Int64Counter("ask_total",
		metric.WithDescription("Ask requests by result")); err != nil {
		return nil, fmt.Errorf("ask_total: %w", err)
	}
	if m.askLatency, err = meter.Float64Histogram("ask_latency_seconds",
		metric.WithDescription("End-to-end ask latency")); err != nil {
		return nil, fmt.Errorf("ask_latency_seconds: %w", err)
	}
	if m.accessViolations, err = meter.Int64Counter("access_violations_total",
		metric.WithDescription("Access violations by type")); err != nil {
		return nil, fmt.Errorf("access_violations_total: %w", err)
	}
	if m.rateLimited, err = meter.Int64Counter("rate_limited_total",
		metric.WithDescription("Requests rejected by the rate gate, by endpoint")); err != nil {
		return nil, fmt.Errorf("rate_limited_total: %w", err)
	}
	if m.refreshTotal, err = meter.Int64Counter("refresh_total",
		metric.WithDescription("Node refreshes by result")); err != nil {
		return nil, fmt.Errorf("refresh_total: %w", err)
	}
	if m.refreshLatency, err = meter.Float64Histogram("refresh_latency_seconds",
		metric.WithDescription("Per-node refresh latency")); err != nil {
		return nil, fmt.Errorf("refresh_latency_seconds: %w", err)
	}
	if m.loopInterval, err = meter.Float64Histogram("scheduler_loop_interval_seconds",
		metric.WithDescription("Observed inter-run interval per scheduler loop")); err != nil {
		return nil, fmt.Errorf("scheduler_loop_interval_seconds: %w", err)
	}
	if m.loopLastRun, err = meter.Float64Gauge("scheduler_loop_last_run_timestamp",
		metric.WithDescription("Unix time of the last completed run per loop")); err != nil {
		return nil, fmt.Errorf("scheduler_loop_last_run_timestamp: %w", err)
	}
	if m.nodesPerCycle, err = meter.Int64Histogram("scheduler_nodes_per_cycle",
		metric.WithDescription("Nodes handled per loop cycle")); err != nil {
		return nil, fmt.Errorf("scheduler_nodes_per_cycle: %w", err)
	}
	if m.triggerFired, err = meter.Int64Counter("trigger_fired_total",
		metric.WithDescription("Trigger firings")); err != nil {
		return nil, fmt.Errorf("trigger_fired_total: %w", err)
	}
	if m.purgeTotal, err = meter.Int64Counter("purge_total",
		metric.WithDescription("Hard-deleted nodes")); err != nil {
		return nil, fmt.Errorf("purge_total: %w", err)
	}
	if m.ingestSkipped, err = meter.Int64Counter("ingest_skipped_total",
		metric.WithDescription("Connector items skipped on unchanged ETag")); err != nil {
		return nil, fmt.Errorf("ingest_skipped_total: %w", err)
	}
	if m.ingestMetadataOnly, err = meter.Int64Counter("ingest_metadata_only_total",
		metric.WithDescription("Connector items updated without re-embedding")); err != nil {
		return nil, fmt.Errorf("ingest_metadata_only_total: %w", err)
	}
	if m.ingestProcessed, err = meter.Int64Counter("ingest_processed_total",
		metric.WithDescription("Connector items fully chunked and embedded")); err != nil {
		return nil, fmt.Errorf("ingest_processed_total: %w", err)
	}
	if m.connectorErrors, err = meter.Int64Counter("connector_errors_total",
		metric.WithDescription("Connector failures by provider and result")); err != nil {
		return nil, fmt.Errorf("connector_errors_total: %w", err)
	}
	if m.rotationTotal, err = meter.Int64Counter("connector_rotation_total",
		metric.WithDescription("Connector secret re-encryptions by result")); err != nil {
		return nil, fmt.Errorf("connector_rotation_total: %w", err)
	}
	if m.webhookRejected, err = meter.Int64Counter("webhook_rejected_total",
		metric.WithDescription("Rejected webhook deliveries by provider and reason")); err != nil {
		return nil, fmt.Errorf("webhook_rejected_total: %w", err)
	}
	if m.queueDepth, err = meter.Int64Gauge("connector_queue_depth",
		metric.WithDescription("Depth of a (provider, tenant) work queue")); err != nil {
		return nil, fmt.Errorf("connector_queue_depth: %w", err)
	}
	if m.dlqDepth, err = meter.Int64Gauge("dlq_depth",
		metric.WithDescription("Dead-letter queue depth by provider")); err != nil {
		return nil, fmt.Errorf("dlq_depth: %w", err)
	}
	if m.retrievalUplift, err = meter.Float64Gauge("retrieval_uplift",
		metric.WithDescription("Operator-reported retrieval uplift by mode")); err != nil {
		return nil, fmt.Errorf("retrieval_uplift: %w", err)
	}

	return m, nil
}

// Search records one search request and its latency.
func (m *Metrics) Search(ctx context.Context, mode, scoreType, result string, elapsed time.Duration) {
	set := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("score_type", scoreType),
		attribute.String("result", result),
	)
	m.searchTotal.Add(ctx, 1, set)
	m.searchLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

// Ask records one ask request.
func (m *Metrics) Ask(ctx context.Context, result string, elapsed time.Duration) {
	m.askTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.askLatency.Record(ctx, elapsed.Seconds())
}

// AccessViolation counts a tenancy or auth violation by type.
func (m *Metrics) AccessViolation(ctx context.Context, violationType string) {
	m.accessViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", violationType)))
}

// RateLimited counts a 429 for an endpoint.
func (m *Metrics) RateLimited(ctx context.Context, endpoint string) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// Refresh records one node refresh attempt.
func (m *Metrics) Refresh(ctx context.Context, result string, elapsed time.Duration) {
	m.refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.refreshLatency.Record(ctx, elapsed.Seconds())
}

// LoopRun records a completed scheduler loop cycle.
func (m *Metrics) LoopRun(ctx context.Context, loop string, sinceLast time.Duration, nodes int) {
	set := metric.WithAttributes(attribute.String("loop", loop))
	if sinceLast > 0 {
		m.loopInterval.Record(ctx, sinceLast.Seconds(), set)
	}
	m.loopLastRun.Record(ctx, float64(time.Now().Unix()), set)
	m.nodesPerCycle.Record(ctx, int64(nodes), set)
}

// TriggerFired counts one trigger firing.
func (m *Metrics) TriggerFired(ctx context.Context) {
	m.triggerFired.Add(ctx, 1)
}

// Purged counts hard-deleted nodes.
func (m *Metrics) Purged(ctx context.Context, n int) {
	m.purgeTotal.Add(ctx, int64(n))
}

// Ingest counts a connector ingestion decision outcome.
func (m *Metrics) Ingest(ctx context.Context, provider, decision string) {
	set := metric.WithAttributes(attribute.String("provider", provider))
	switch decision {
	case "skipped":
		m.ingestSkipped.Add(ctx, 1, set)
	case "metadata_only":
		m.ingestMetadataOnly.Add(ctx, 1, set)
	case "processed":
		m.ingestProcessed.Add(ctx, 1, set)
	}
}

// ConnectorError counts a connector failure.
func (m *Metrics) ConnectorError(ctx context.Context, provider, result string) {
	m.connectorErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

// Rotation counts a secret re-encryption attempt.
func (m *Metrics) Rotation(ctx context.Context, result string) {
	m.rotationTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// WebhookRejected counts a rejected webhook delivery.
func (m *Metrics) WebhookRejected(ctx context.Context, provider, reason string) {
	m.webhookRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// QueueDepth records the current depth of a work queue.
func (m *Metrics) QueueDepth(ctx context.Context, provider, tenant string, depth int64) {
	m.queueDepth.Record(ctx, depth, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("tenant", tenant),
	))
}

// DLQDepth records the current dead-letter depth for a provider.
func (m *Metrics) DLQDepth(ctx context.Context, provider string, depth int64) {
	m.dlqDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("provider", provider)))
}

// RetrievalUplift sets the operator-reported uplift gauge.
func (m *Metrics) RetrievalUplift(ctx context.Context, mode string, value float64) {
	m.retrievalUplift.Record(ctx, value, metric.WithAttributes(attribute.String("mode", mode)))
}
