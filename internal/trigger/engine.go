// Package trigger implements similarity-based trigger evaluation:
// registered patterns fire events when a node's embedding lands close
// enough to the pattern's example embedding.
package trigger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
	"github.com/activegraph/activegraph/pkg/similarity"
)

// Dispatcher delivers a firing to an external webhook. Optional; a
// nil dispatcher means events only.
type Dispatcher interface {
	Dispatch(ctx context.Context, pattern *models.Pattern, node *models.Node, sim float64) error
}

// RunStats summarises one evaluation pass.
type RunStats struct {
	Mode      string        `json:"mode"`
	Evaluated int           `json:"evaluated"`
	Fired     int           `json:"fired"`
	Duration  time.Duration `json:"duration"`
}

// Engine evaluates patterns against node embeddings. Firing is
// exactly-once per (node, pattern, node.version): the version acts as
// the fire-once key, claimed through the store's firing ledger.
type Engine struct {
	metrics    *observability.Metrics
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewEngine creates a trigger engine. dispatcher may be nil.
func NewEngine(metrics *observability.Metrics, dispatcher Dispatcher, logger zerolog.Logger) *Engine {
	return &Engine{
		metrics:    metrics,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "trigger").Logger(),
	}
}

// tenantMatches reports whether a pattern applies to a node: global
// patterns match everything, tenant patterns match their tenant only.
func tenantMatches(pattern *models.Pattern, node *models.Node) bool {
	if pattern.TenantID == nil {
		return true
	}
	return node.TenantID != nil && *node.TenantID == *pattern.TenantID
}

// Evaluate checks every applicable pattern against one node and fires
// the ones whose similarity clears the threshold. Node-registered
// bindings override the pattern's own threshold.
func (e *Engine) Evaluate(ctx context.Context, st *store.Store, node *models.Node, mode string) (*RunStats, error) {
	start := time.Now()
	stats := &RunStats{Mode: mode}
	if len(node.Embedding) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	patterns, err := st.ListPatterns(ctx)
	if err != nil {
		return stats, err
	}

	overrides := make(map[string]float64, len(node.Triggers))
	for _, binding := range node.Triggers {
		overrides[binding.Name] = binding.Threshold
	}

	for _, pattern := range patterns {
		if !tenantMatches(pattern, node) || len(pattern.Embedding) == 0 {
			continue
		}
		stats.Evaluated++

		threshold := pattern.Threshold
		if t, ok := overrides[pattern.Name]; ok {
			threshold = t
		}

		sim := similarity.Cosine(node.Embedding, pattern.Embedding)
		if sim < threshold {
			continue
		}

		fired, err := st.MarkFired(ctx, node.ID, pattern.Name, node.Version)
		if err != nil {
			return stats, err
		}
		if !fired {
			continue // already fired for this version
		}

		if err := st.AppendEvent(ctx, &models.Event{
			NodeID:   &node.ID,
			Kind:     models.EventTriggerFired,
			TenantID: node.TenantID,
			Payload: models.Document{
				"pattern":    pattern.Name,
				"similarity": sim,
				"threshold":  threshold,
				"version":    node.Version,
			},
		}); err != nil {
			return stats, err
		}
		stats.Fired++
		e.metrics.TriggerFired(ctx)
		e.logger.Debug().
			Str("node", node.ID).
			Str("pattern", pattern.Name).
			Float64("similarity", sim).
			Msg("trigger fired")

		if e.dispatcher != nil {
			if err := e.dispatcher.Dispatch(ctx, pattern, node, sim); err != nil {
				// Delivery is best-effort; the event row is the record.
				e.logger.Warn().Err(err).Str("pattern", pattern.Name).Msg("webhook dispatch failed")
			}
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
