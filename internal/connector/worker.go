package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/activegraph/activegraph/internal/embedding"
	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// ErrPermanentJob marks a job failure that retrying cannot fix (bad
// credentials, malformed content). Providers wrap it to send a job
// straight to the dead letter list.
var ErrPermanentJob = errors.New("connector: permanent failure")

// WorkerConfig tunes the ingestion pool.
type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	PollIdle    time.Duration
	PurgeGrace  time.Duration
}

// Worker drains the connector queues: each job resolves one external
// item into graph nodes, chunked and embedded, under the item's
// tenant seal.
type Worker struct {
	store    *store.Store
	embed    *embedding.Service
	queue    *Queue
	configs  *Configs
	registry *Registry
	metrics  *observability.Metrics
	cfg      WorkerConfig
	logger   zerolog.Logger
}

// NewWorker creates the ingestion worker pool.
func NewWorker(st *store.Store, embed *embedding.Service, queue *Queue, configs *Configs, registry *Registry, metrics *observability.Metrics, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollIdle <= 0 {
		cfg.PollIdle = time.Second
	}
	if cfg.PurgeGrace <= 0 {
		cfg.PurgeGrace = 24 * time.Hour
	}
	return &Worker{
		store:    st,
		embed:    embed,
		queue:    queue,
		configs:  configs,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With().Str("component", "connector-worker").Logger(),
	}
}

// Run drains queues with a fixed pool until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error { return w.runOne(ctx) })
	}
	w.logger.Info().Int("workers", w.cfg.Workers).Msg("connector workers started")
	return g.Wait()
}

func (w *Worker) runOne(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("dequeue failed")
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollIdle):
			}
			continue
		}
		w.handle(ctx, job)
	}
}

// handle processes one job with retry classification: transient
// failures requeue with backoff until the attempt budget runs out,
// permanent ones dead-letter immediately.
func (w *Worker) handle(ctx context.Context, job *Job) {
	err := w.Process(ctx, job)
	if err == nil {
		return
	}

	permanent := errors.Is(err, ErrPermanentJob) ||
		errors.Is(err, ErrPayloadDenied) ||
		errors.Is(err, store.ErrPermanent)
	job.Attempts++
	job.LastError = err.Error()

	if permanent || job.Attempts >= w.cfg.MaxAttempts {
		w.metrics.ConnectorError(ctx, job.Provider, observability.ResultError)
		w.logger.Error().Err(err).
			Str("provider", job.Provider).
			Str("uri", job.URI).
			Int("attempts", job.Attempts).
			Msg("job dead-lettered")
		if dlErr := w.queue.DeadLetter(ctx, job, err.Error()); dlErr != nil {
			w.logger.Error().Err(dlErr).Msg("dead letter failed")
		}
		return
	}

	// Exponential backoff before the job returns to the queue head.
	delay := time.Duration(1<<uint(job.Attempts-1)) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	w.logger.Warn().Err(err).
		Str("uri", job.URI).
		Int("attempt", job.Attempts).
		Dur("retry_in", delay).
		Msg("job retry")
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if reErr := w.queue.Requeue(ctx, job); reErr != nil {
		w.logger.Error().Err(reErr).Msg("requeue failed")
	}
}

// Process runs the ingestion decision tree for one item:
//
//	deleted            -> soft-delete the document and its chunks
//	unchanged etag     -> skipped event, nothing touched
//	unchanged content  -> metadata-only update, embedding kept
//	changed content    -> re-chunk, re-embed, replace chunk nodes
func (w *Worker) Process(ctx context.Context, job *Job) error {
	cfg, err := w.configs.Open(ctx, job.TenantID, job.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanentJob, err)
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: connector disabled", ErrPermanentJob)
	}
	provider, err := w.registry.Get(job.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanentJob, err)
	}

	if job.Deleted {
		return w.store.WithTenant(ctx, job.TenantID, func(ts *store.Store) error {
			return w.deleteDocument(ctx, ts, job)
		})
	}

	return w.store.WithTenant(ctx, job.TenantID, func(ts *store.Store) error {
		existing, err := ts.FindBySource(ctx, job.Provider, job.URI)
		if err != nil && !store.IsNotFound(err) {
			return err
		}

		// ETag short-circuit: a matching validator means nothing
		// changed, not even metadata.
		if existing != nil && existing.ETag != nil {
			item, statErr := provider.Stat(ctx, cfg.Config, job.URI)
			if statErr == nil && item.ETag != "" && item.ETag == *existing.ETag {
				w.metrics.Ingest(ctx, job.Provider, "skipped")
				return ts.AppendEvent(ctx, &models.Event{
					NodeID:   &existing.ID,
					Kind:     models.EventSkipped,
					TenantID: existing.TenantID,
					Payload:  models.Document{"reason": "etag_unchanged", "etag": item.ETag},
				})
			}
		}

		text, item, err := provider.FetchText(ctx, cfg.Config, job.URI)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", job.URI, err)
		}
		hash := contentHash(text)

		if existing != nil && existing.ContentHash != nil && *existing.ContentHash == hash {
			// Same body, possibly new metadata: update without
			// touching the embedding pipeline.
			props := existing.Props
			if props == nil {
				props = models.Document{}
			}
			props["metadata"] = item.Metadata
			if item.Title != "" {
				props["title"] = item.Title
			}
			etag := item.ETag
			_, err := ts.UpdateNode(ctx, existing.ID, store.UpdateNodeParams{
				Props:        &props,
				ETag:         &etag,
				MetadataOnly: true,
			})
			if err != nil {
				return err
			}
			w.metrics.Ingest(ctx, job.Provider, "metadata_only")
			return nil
		}

		if err := w.ingestDocument(ctx, ts, job, item, existing, text, hash); err != nil {
			return err
		}
		w.metrics.Ingest(ctx, job.Provider, "processed")
		return nil
	})
}

// ingestDocument writes the document node and its chunk nodes, embeds
// every chunk and links them to the document.
func (w *Worker) ingestDocument(ctx context.Context, ts *store.Store, job *Job, item *Item, existing *models.Node, text, hash string) error {
	chunks := splitChunks(text)

	docProps := models.Document{
		"title":    item.Title,
		"metadata": item.Metadata,
		"chunks":   len(chunks),
	}
	doc := existing
	if doc == nil {
		doc = models.NewNode(&job.TenantID, []string{"document"}, docProps)
		doc.SourceProvider = &job.Provider
		doc.SourceURI = &job.URI
		doc.ContentHash = &hash
		if item.ETag != "" {
			doc.ETag = &item.ETag
		}
		if err := ts.CreateNode(ctx, doc); err != nil {
			return err
		}
	} else {
		etag := item.ETag
		updated, err := ts.UpdateNode(ctx, doc.ID, store.UpdateNodeParams{
			Props:       &docProps,
			ContentHash: &hash,
			ETag:        &etag,
		})
		if err != nil {
			return err
		}
		doc = updated
	}

	for _, chunk := range chunks {
		if err := w.ingestChunk(ctx, ts, job, doc, item, chunk); err != nil {
			return err
		}
	}
	return w.retireChunks(ctx, ts, job, len(chunks))
}

func chunkURI(uri string, index int) string {
	return fmt.Sprintf("%s#chunk-%d", uri, index)
}

func (w *Worker) ingestChunk(ctx context.Context, ts *store.Store, job *Job, doc *models.Node, item *Item, chunk Chunk) error {
	uri := chunkURI(job.URI, chunk.Index)
	props := models.Document{
		"title":  fmt.Sprintf("%s (part %d)", item.Title, chunk.Index+1),
		"text":   chunk.Text,
		"tokens": chunk.Tokens,
		"offset": chunk.Start,
	}
	hash := contentHash(chunk.Text)

	node, err := ts.FindBySource(ctx, job.Provider, uri)
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	created := false
	if node == nil {
		node = models.NewNode(&job.TenantID, []string{"chunk"}, props)
		node.SourceProvider = &job.Provider
		node.SourceURI = &uri
		node.ContentHash = &hash
		if err := ts.CreateNode(ctx, node); err != nil {
			return err
		}
		created = true
	} else {
		if node.ContentHash != nil && *node.ContentHash == hash && !node.IsDeleted() {
			return nil // chunk text unchanged, keep its embedding
		}
		updated, err := ts.UpdateNode(ctx, node.ID, store.UpdateNodeParams{
			Props:       &props,
			ContentHash: &hash,
		})
		if err != nil {
			return err
		}
		node = updated
	}

	vec, err := w.embed.EmbedOne(ctx, node.EmbedInput())
	if err != nil {
		if mErr := ts.MarkEmbedFailed(ctx, node.ID, err.Error()); mErr != nil {
			return mErr
		}
		return fmt.Errorf("embed chunk %s: %w", uri, err)
	}
	if err := ts.UpsertEmbedding(ctx, node.ID, vec, 0); err != nil {
		return err
	}

	if created {
		edge := models.NewEdge(doc.ID, "has_chunk", node.ID, models.Document{"index": chunk.Index})
		if err := ts.CreateEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// retireChunks soft-deletes chunk nodes past the new chunk count,
// left over from a longer previous version of the document.
func (w *Worker) retireChunks(ctx context.Context, ts *store.Store, job *Job, newCount int) error {
	for index := newCount; ; index++ {
		node, err := ts.FindBySource(ctx, job.Provider, chunkURI(job.URI, index))
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if node.IsDeleted() {
			continue
		}
		if err := ts.SoftDeleteNode(ctx, node.ID, w.cfg.PurgeGrace); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
}

// deleteDocument soft-deletes the document node and all its chunks.
func (w *Worker) deleteDocument(ctx context.Context, ts *store.Store, job *Job) error {
	doc, err := ts.FindBySource(ctx, job.Provider, job.URI)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !doc.IsDeleted() {
		if err := ts.SoftDeleteNode(ctx, doc.ID, w.cfg.PurgeGrace); err != nil {
			return err
		}
	}
	for index := 0; ; index++ {
		chunk, err := ts.FindBySource(ctx, job.Provider, chunkURI(job.URI, index))
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.IsDeleted() {
			continue
		}
		if err := ts.SoftDeleteNode(ctx, chunk.ID, w.cfg.PurgeGrace); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
}

// Backfill walks the provider's change feed from the saved cursor and
// enqueues a job per change, saving the new cursor at the end.
func (w *Worker) Backfill(ctx context.Context, tenantID, providerName string) (int, error) {
	cfg, err := w.configs.Open(ctx, tenantID, providerName)
	if err != nil {
		return 0, err
	}
	provider, err := w.registry.Get(providerName)
	if err != nil {
		return 0, err
	}
	cursor, err := w.store.GetCursor(ctx, tenantID, providerName)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	pos := cursor.Cursor
	for {
		changes, next, err := provider.ListChanges(ctx, cfg.Config, pos)
		if err != nil {
			return enqueued, fmt.Errorf("list changes: %w", err)
		}
		for _, change := range changes {
			err := w.queue.Enqueue(ctx, &Job{
				Provider: providerName,
				TenantID: tenantID,
				URI:      change.URI,
				Deleted:  change.Deleted,
			})
			if err != nil {
				return enqueued, err
			}
			enqueued++
		}
		if next == "" || next == pos || len(changes) == 0 {
			pos = next
			break
		}
		pos = next
	}

	if pos != "" {
		if err := w.store.UpsertCursor(ctx, &models.ConnectorCursor{
			TenantID: tenantID,
			Provider: providerName,
			Cursor:   pos,
		}); err != nil {
			return enqueued, err
		}
	}
	w.logger.Info().
		Str("tenant", tenantID).
		Str("provider", providerName).
		Int("enqueued", enqueued).
		Msg("backfill")
	return enqueued, nil
}

// PurgeDeleted hard-deletes every soft-deleted node this connector
// ingested, skipping the usual grace period.
func (w *Worker) PurgeDeleted(ctx context.Context, tenantID, providerName string) (int, error) {
	purged := 0
	err := w.store.WithTenant(ctx, tenantID, func(ts *store.Store) error {
		nodes, err := ts.ListNodes(ctx, store.ListNodesOptions{IncludeDeleted: true, Limit: 1000})
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if !node.IsDeleted() || node.SourceProvider == nil || *node.SourceProvider != providerName {
				continue
			}
			if err := ts.HardDeleteNode(ctx, node.ID); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if purged > 0 {
		w.metrics.Purged(ctx, purged)
	}
	return purged, err
}

// contentHash is the sha256 hex digest used for change detection.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
