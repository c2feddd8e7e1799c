// Package scheduler runs the background loops: embedding refresh,
// trigger evaluation and hard-delete purge.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/activegraph/activegraph/internal/embedding"
	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/internal/trigger"
	"github.com/activegraph/activegraph/pkg/models"
	"github.com/activegraph/activegraph/pkg/similarity"
)

// Config carries the loop cadences and batch sizes.
type Config struct {
	RefreshInterval time.Duration
	TriggerInterval time.Duration
	PurgeInterval   time.Duration
	RefreshBatch    int
	PurgeBatch      int
}

// Scheduler drives the three maintenance loops over an unbound store.
type Scheduler struct {
	store    *store.Store
	embed    *embedding.Service
	triggers *trigger.Engine
	metrics  *observability.Metrics
	cfg      Config
	logger   zerolog.Logger

	cronParser cron.Parser

	mu        sync.Mutex
	lastRun   map[string]time.Time
	badCron   map[string]string // node id -> last warned expression
	triggerLo time.Time         // low-water mark for the trigger scan
}

// New creates a scheduler. Loops do not run until Start.
func New(st *store.Store, embed *embedding.Service, triggers *trigger.Engine, metrics *observability.Metrics, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = 60 * time.Second
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.RefreshBatch <= 0 {
		cfg.RefreshBatch = 100
	}
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = 100
	}
	return &Scheduler{
		store:      st,
		embed:      embed,
		triggers:   triggers,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:    make(map[string]time.Time),
		badCron:    make(map[string]string),
		triggerLo:  time.Now().UTC().Add(-24 * time.Hour),
	}
}

// Start runs the loops until ctx is cancelled, then returns.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, "refresh", s.cfg.RefreshInterval, s.refreshCycle) })
	g.Go(func() error { return s.loop(ctx, "trigger", s.cfg.TriggerInterval, s.triggerCycle) })
	g.Go(func() error { return s.loop(ctx, "purge", s.cfg.PurgeInterval, s.purgeCycle) })
	s.logger.Info().
		Dur("refresh", s.cfg.RefreshInterval).
		Dur("trigger", s.cfg.TriggerInterval).
		Dur("purge", s.cfg.PurgeInterval).
		Msg("scheduler started")
	return g.Wait()
}

// loop runs one cycle function on a ticker. A failing cycle is logged
// and retried on the next tick; it never stops the loop.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, cycle func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		handled, err := cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Str("loop", name).Msg("cycle failed")
		}

		s.mu.Lock()
		var sinceLast time.Duration
		if prev, ok := s.lastRun[name]; ok {
			sinceLast = time.Since(prev)
		}
		s.lastRun[name] = time.Now()
		s.mu.Unlock()
		s.metrics.LoopRun(ctx, name, sinceLast, handled)
	}
}

// refreshCycle embeds queued nodes and re-embeds policy-due ones.
func (s *Scheduler) refreshCycle(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	handled := 0

	queued, err := s.store.ListEmbedQueued(ctx, s.cfg.RefreshBatch)
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	candidates, err := s.store.DueForRefresh(ctx, s.cfg.RefreshBatch)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}

	seen := make(map[string]bool, len(queued))
	batch := make([]*models.Node, 0, len(queued)+len(candidates))
	for _, node := range queued {
		seen[node.ID] = true
		batch = append(batch, node)
	}
	for _, node := range candidates {
		if seen[node.ID] || !s.isDue(node, now) {
			continue
		}
		batch = append(batch, node)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]string, len(batch))
	for i, node := range batch {
		ids[i] = node.ID
	}
	if err := s.store.MarkEmbedProcessing(ctx, ids); err != nil {
		return 0, err
	}

	for _, node := range batch {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := s.RefreshNode(ctx, node); err != nil {
			s.logger.Warn().Err(err).Str("node", node.ID).Msg("refresh failed")
		}
		handled++
	}
	return handled, nil
}

// RefreshNode re-embeds one node, records drift against the previous
// embedding and evaluates triggers. Also used by the refresh endpoints.
func (s *Scheduler) RefreshNode(ctx context.Context, node *models.Node) error {
	start := time.Now()

	input := node.EmbedInput()
	if input == "" {
		if err := s.store.MarkEmbedFailed(ctx, node.ID, "no embeddable text"); err != nil {
			return err
		}
		s.metrics.Refresh(ctx, observability.ResultSkipped, time.Since(start))
		return nil
	}

	vec, err := s.embed.EmbedOne(ctx, input)
	if err != nil {
		if mErr := s.store.MarkEmbedFailed(ctx, node.ID, err.Error()); mErr != nil {
			return mErr
		}
		s.metrics.Refresh(ctx, observability.ResultError, time.Since(start))
		return fmt.Errorf("embed node %s: %w", node.ID, err)
	}

	prev, err := s.store.PreviousEmbedding(ctx, node.ID)
	if err != nil {
		return err
	}
	drift := similarity.Drift(prev, vec)

	if err := s.store.UpsertEmbedding(ctx, node.ID, vec, drift); err != nil {
		s.metrics.Refresh(ctx, observability.ResultError, time.Since(start))
		return err
	}
	if err := s.store.AppendEvent(ctx, &models.Event{
		NodeID:   &node.ID,
		Kind:     models.EventRefreshed,
		TenantID: node.TenantID,
		Payload:  models.Document{"drift": drift, "version": node.Version},
	}); err != nil {
		return err
	}

	if node.RefreshPolicy != nil && node.RefreshPolicy.DriftThreshold != nil && drift >= *node.RefreshPolicy.DriftThreshold {
		if err := s.store.AppendEvent(ctx, &models.Event{
			NodeID:   &node.ID,
			Kind:     models.EventDriftHigh,
			TenantID: node.TenantID,
			Payload:  models.Document{"drift": drift, "threshold": *node.RefreshPolicy.DriftThreshold},
		}); err != nil {
			return err
		}
		s.logger.Info().Str("node", node.ID).Float64("drift", drift).Msg("drift above threshold")
	}

	node.Embedding = vec
	if _, err := s.triggers.Evaluate(ctx, s.store, node, "refresh"); err != nil {
		s.logger.Warn().Err(err).Str("node", node.ID).Msg("trigger evaluation failed")
	}

	s.metrics.Refresh(ctx, observability.ResultOK, time.Since(start))
	return nil
}

// RefreshByID loads and refreshes one node regardless of schedule.
func (s *Scheduler) RefreshByID(ctx context.Context, id string) error {
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return err
	}
	return s.RefreshNode(ctx, node)
}

// isDue decides schedule due-ness. Cron beats interval when both are
// set; an invalid cron expression falls back to the interval and is
// warned about once per expression.
func (s *Scheduler) isDue(node *models.Node, now time.Time) bool {
	policy := node.RefreshPolicy
	if policy == nil || policy.IsZero() {
		return false
	}

	last := node.CreatedAt
	if node.LastRefreshed != nil {
		last = *node.LastRefreshed
	}

	if policy.Cron != "" {
		schedule, err := s.cronParser.Parse(policy.Cron)
		if err == nil {
			return !schedule.Next(last).After(now)
		}
		s.mu.Lock()
		warned := s.badCron[node.ID] == policy.Cron
		s.badCron[node.ID] = policy.Cron
		s.mu.Unlock()
		if !warned {
			s.logger.Warn().Err(err).Str("node", node.ID).Str("cron", policy.Cron).Msg("invalid cron, using interval")
		}
	}

	if policy.Interval == nil {
		return false
	}
	return now.Sub(last) >= time.Duration(*policy.Interval*float64(time.Second))
}

// triggerCycle evaluates patterns against nodes embedded since the
// last scan. Fire-once keys make rescans harmless.
func (s *Scheduler) triggerCycle(ctx context.Context) (int, error) {
	s.mu.Lock()
	since := s.triggerLo
	s.mu.Unlock()

	nodes, err := s.store.ListEmbedReady(ctx, since, s.cfg.RefreshBatch)
	if err != nil {
		return 0, err
	}

	handled := 0
	var hi time.Time
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if _, err := s.triggers.Evaluate(ctx, s.store, node, "scan"); err != nil {
			s.logger.Warn().Err(err).Str("node", node.ID).Msg("trigger evaluation failed")
			continue
		}
		handled++
		if node.EmbeddingUpdatedAt != nil && node.EmbeddingUpdatedAt.After(hi) {
			hi = *node.EmbeddingUpdatedAt
		}
	}

	if !hi.IsZero() {
		s.mu.Lock()
		if hi.After(s.triggerLo) {
			s.triggerLo = hi
		}
		s.mu.Unlock()
	}
	return handled, nil
}

// purgeCycle hard-deletes nodes whose purge grace elapsed.
func (s *Scheduler) purgeCycle(ctx context.Context) (int, error) {
	purged, err := s.store.PurgeExpired(ctx, s.cfg.PurgeBatch)
	if purged > 0 {
		s.metrics.Purged(ctx, purged)
		s.logger.Info().Int("purged", purged).Msg("purge cycle")
	}
	return purged, err
}
