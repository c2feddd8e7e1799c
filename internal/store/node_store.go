package store

import (
	"context"
	"fmt"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/activegraph/activegraph/pkg/models"
)

// ListNodesOptions filters ListNodes.
type ListNodesOptions struct {
	Classes        []string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// UpdateNodeParams carries the mutable node fields. Nil fields are
// left untouched.
type UpdateNodeParams struct {
	Classes       *[]string
	Props         *models.Document
	PayloadRef    *string
	RefreshPolicy *models.RefreshPolicy
	Triggers      *models.TriggerBindings
	ContentHash   *string
	ETag          *string
	// ExpectedVersion enables optimistic concurrency: a mismatch
	// returns ErrConflict.
	ExpectedVersion *int64
	// MetadataOnly skips the embed-status reset even when props change.
	MetadataOnly bool
}

// nextVersion allocates the next gap-free version number for a node.
// Must run inside the mutating transaction.
func nextVersion(tx *gorm.DB, nodeID string) (int64, error) {
	var v int64
	err := tx.Raw(`SELECT COALESCE(MAX(version), 0) + 1 FROM node_versions WHERE node_id = ?`, nodeID).Scan(&v).Error
	if err != nil {
		return 0, classify("next version", err)
	}
	return v, nil
}

func snapshotVersion(tx *gorm.DB, rec *nodeRecord, version int64) error {
	snap := &nodeVersionRecord{
		NodeID:     rec.ID,
		Version:    version,
		Classes:    rec.Classes,
		Props:      rec.Props,
		PayloadRef: rec.PayloadRef,
		TenantID:   rec.TenantID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(snap).Error; err != nil {
		return classify("snapshot version", err)
	}
	return nil
}

// CreateNode persists a new node together with its first version row
// and a created event, all in one transaction.
func (s *Store) CreateNode(ctx context.Context, node *models.Node) error {
	if len(node.Embedding) > 0 && len(node.Embedding) != s.dim {
		return fmt.Errorf("create node: %w: got %d want %d", ErrDimension, len(node.Embedding), s.dim)
	}
	if node.TenantID == nil {
		node.TenantID = s.ownTenant()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := fromModel(node)
		if err := tx.Create(rec).Error; err != nil {
			return classify("create node", err)
		}

		version, err := nextVersion(tx, rec.ID)
		if err != nil {
			return err
		}
		if err := tx.Model(&nodeRecord{}).Where("id = ?", rec.ID).Update("version", version).Error; err != nil {
			return classify("set version", err)
		}
		rec.Version = version
		node.Version = version

		if err := snapshotVersion(tx, rec, version); err != nil {
			return err
		}
		return appendEventTx(tx, &models.Event{
			NodeID:   &rec.ID,
			Kind:     models.EventCreated,
			TenantID: rec.TenantID,
			Payload:  models.Document{"version": version},
		})
	})
}

// GetNode fetches a live node under the tenant seal. Soft-deleted
// nodes and other tenants' nodes are both a plain 404.
func (s *Store) GetNode(ctx context.Context, id string) (*models.Node, error) {
	var rec nodeRecord
	err := s.tenantScope(s.db.WithContext(ctx)).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&rec).Error
	if err != nil {
		return nil, classify("get node", err)
	}
	return rec.toModel(), nil
}

// getAnyNode fetches a node regardless of soft-delete state.
func (s *Store) getAnyNode(ctx context.Context, tx *gorm.DB, id string) (*nodeRecord, error) {
	var rec nodeRecord
	err := s.tenantScope(tx.WithContext(ctx)).Where("id = ?", id).First(&rec).Error
	if err != nil {
		return nil, classify("get node", err)
	}
	return &rec, nil
}

// ListNodes lists live nodes, optionally filtered by class tags.
func (s *Store) ListNodes(ctx context.Context, opts ListNodesOptions) ([]*models.Node, error) {
	q := s.tenantScope(s.db.WithContext(ctx).Model(&nodeRecord{}))
	if !opts.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	for _, class := range opts.Classes {
		q = q.Where("classes @> ?", fmt.Sprintf(`["%s"]`, class))
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Order("created_at DESC").Limit(limit).Offset(opts.Offset)

	var recs []nodeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, classify("list nodes", err)
	}
	nodes := make([]*models.Node, len(recs))
	for i := range recs {
		nodes[i] = recs[i].toModel()
	}
	return nodes, nil
}

// UpdateNode mutates a node, snapshots the new version and appends an
// updated event, in one transaction. Content changes re-queue the
// node for embedding unless the update is metadata-only.
func (s *Store) UpdateNode(ctx context.Context, id string, params UpdateNodeParams) (*models.Node, error) {
	var out *models.Node
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec nodeRecord
		err := s.tenantScope(tx.Clauses(clause.Locking{Strength: "UPDATE"})).
			Where("id = ? AND deleted_at IS NULL", id).
			First(&rec).Error
		if err != nil {
			return classify("update node", err)
		}

		if params.ExpectedVersion != nil && *params.ExpectedVersion != rec.Version {
			return fmt.Errorf("update node: %w: version %d, expected %d", ErrConflict, rec.Version, *params.ExpectedVersion)
		}

		contentChanged := false
		if params.Classes != nil {
			rec.Classes = *params.Classes
		}
		if params.Props != nil {
			rec.Props = *params.Props
			contentChanged = true
		}
		if params.PayloadRef != nil {
			rec.PayloadRef = params.PayloadRef
			contentChanged = true
		}
		if params.RefreshPolicy != nil {
			rec.RefreshPolicy = params.RefreshPolicy
		}
		if params.Triggers != nil {
			rec.Triggers = *params.Triggers
		}
		if params.ContentHash != nil {
			rec.ContentHash = params.ContentHash
		}
		if params.ETag != nil {
			rec.ETag = params.ETag
		}

		version, err := nextVersion(tx, rec.ID)
		if err != nil {
			return err
		}
		rec.Version = version
		rec.UpdatedAt = time.Now().UTC()
		if contentChanged && !params.MetadataOnly {
			rec.EmbedStatus = string(models.EmbedQueued)
		}

		if err := tx.Save(&rec).Error; err != nil {
			return classify("update node", err)
		}
		if err := snapshotVersion(tx, &rec, version); err != nil {
			return err
		}
		if err := appendEventTx(tx, &models.Event{
			NodeID:   &rec.ID,
			Kind:     models.EventUpdated,
			TenantID: rec.TenantID,
			Payload:  models.Document{"version": version, "metadata_only": params.MetadataOnly},
		}); err != nil {
			return err
		}
		out = rec.toModel()
		return nil
	})
	return out, err
}

// SoftDeleteNode hides the node from retrieval and schedules it for
// the purge loop after the grace period.
func (s *Store) SoftDeleteNode(ctx context.Context, id string, grace time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		purgeAfter := now.Add(grace)
		res := s.tenantScope(tx.Model(&nodeRecord{})).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]interface{}{
				"deleted_at":  now,
				"purge_after": purgeAfter,
				"updated_at":  now,
			})
		if res.Error != nil {
			return classify("soft delete node", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("soft delete node: %w", ErrNotFound)
		}
		return appendEventTx(tx, &models.Event{
			NodeID:   &id,
			Kind:     models.EventDeleted,
			TenantID: s.ownTenant(),
			Payload:  models.Document{"purge_after": purgeAfter.Format(time.RFC3339)},
		})
	})
}

// HardDeleteNode removes the node and every dependent row at once.
func (s *Store) HardDeleteNode(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.getAnyNode(ctx, tx, id)
		if err != nil {
			return err
		}
		return hardDeleteTx(tx, rec)
	})
}

// hardDeleteTx deletes a node plus versions, history and firings.
// Edges go via the FK cascade.
func hardDeleteTx(tx *gorm.DB, rec *nodeRecord) error {
	for _, del := range []struct {
		model interface{}
		where string
	}{
		{&nodeVersionRecord{}, "node_id = ?"},
		{&embeddingHistoryRecord{}, "node_id = ?"},
		{&triggerFiringRecord{}, "node_id = ?"},
	} {
		if err := tx.Where(del.where, rec.ID).Delete(del.model).Error; err != nil {
			return classify("hard delete node", err)
		}
	}
	if err := tx.Where("id = ?", rec.ID).Delete(&nodeRecord{}).Error; err != nil {
		return classify("hard delete node", err)
	}
	return appendEventTx(tx, &models.Event{
		NodeID:   &rec.ID,
		Kind:     models.EventPurged,
		TenantID: rec.TenantID,
	})
}

// UpsertEmbedding stores a freshly computed embedding with its drift,
// marks the node ready and records an embedding-history row.
func (s *Store) UpsertEmbedding(ctx context.Context, nodeID string, vec []float32, drift float64) error {
	if len(vec) != s.dim {
		return fmt.Errorf("upsert embedding: %w: got %d want %d", ErrDimension, len(vec), s.dim)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		v := pgvec.NewVector(vec)
		res := s.tenantScope(tx.Model(&nodeRecord{})).
			Where("id = ?", nodeID).
			Updates(map[string]interface{}{
				"embedding":            v,
				"drift_score":          drift,
				"embed_status":         string(models.EmbedReady),
				"embed_error":          nil,
				"embedding_updated_at": now,
				"last_refreshed":       now,
			})
		if res.Error != nil {
			return classify("upsert embedding", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("upsert embedding: %w", ErrNotFound)
		}
		hist := &embeddingHistoryRecord{
			NodeID:    nodeID,
			Embedding: v,
			Drift:     drift,
			TenantID:  s.ownTenant(),
			CreatedAt: now,
		}
		if err := tx.Create(hist).Error; err != nil {
			return classify("embedding history", err)
		}
		return nil
	})
}

// MarkEmbedProcessing flips queued nodes to processing.
func (s *Store) MarkEmbedProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&nodeRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"embed_status":   string(models.EmbedProcessing),
			"embed_attempts": gorm.Expr("embed_attempts + 1"),
		}).Error
	return classify("mark embed processing", err)
}

// MarkEmbedFailed records an embedding failure on a node.
func (s *Store) MarkEmbedFailed(ctx context.Context, nodeID, reason string) error {
	err := s.db.WithContext(ctx).Model(&nodeRecord{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"embed_status": string(models.EmbedFailed),
			"embed_error":  reason,
		}).Error
	return classify("mark embed failed", err)
}

// DueForRefresh returns live nodes with a refresh policy, most stale
// first. The caller decides actual due-ness (cron vs interval).
func (s *Store) DueForRefresh(ctx context.Context, limit int) ([]*models.Node, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("refresh_policy IS NOT NULL AND refresh_policy::text <> 'null' AND deleted_at IS NULL").
		Order("last_refreshed ASC NULLS FIRST").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, classify("due for refresh", err)
	}
	nodes := make([]*models.Node, len(recs))
	for i := range recs {
		nodes[i] = recs[i].toModel()
	}
	return nodes, nil
}

// ListEmbedQueued returns live nodes awaiting their first embedding.
func (s *Store) ListEmbedQueued(ctx context.Context, limit int) ([]*models.Node, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("embed_status = ? AND deleted_at IS NULL", string(models.EmbedQueued)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, classify("list embed queued", err)
	}
	nodes := make([]*models.Node, len(recs))
	for i := range recs {
		nodes[i] = recs[i].toModel()
	}
	return nodes, nil
}

// ListEmbedReady returns live nodes whose embedding was produced or
// refreshed after the cutoff, oldest first. The trigger loop uses it
// to scan recently embedded nodes.
func (s *Store) ListEmbedReady(ctx context.Context, updatedSince time.Time, limit int) ([]*models.Node, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("embed_status = ? AND deleted_at IS NULL AND embedding_updated_at > ?", string(models.EmbedReady), updatedSince).
		Order("embedding_updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, classify("list embed ready", err)
	}
	nodes := make([]*models.Node, len(recs))
	for i := range recs {
		nodes[i] = recs[i].toModel()
	}
	return nodes, nil
}

// PreviousEmbedding returns the most recent history embedding for a
// node, or nil when none exists.
func (s *Store) PreviousEmbedding(ctx context.Context, nodeID string) ([]float32, error) {
	var rec embeddingHistoryRecord
	err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		wrapped := classify("previous embedding", err)
		if IsNotFound(wrapped) {
			return nil, nil
		}
		return nil, wrapped
	}
	return rec.Embedding.Slice(), nil
}

// PurgeExpired hard-deletes nodes whose purge grace elapsed, each
// with its dependents in one transaction. Returns the count removed.
func (s *Store) PurgeExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND purge_after < now()").
		Limit(batch).
		Find(&recs).Error
	if err != nil {
		return 0, classify("purge select", err)
	}

	purged := 0
	for i := range recs {
		rec := &recs[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return hardDeleteTx(tx, rec)
		})
		if err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// FindBySource looks up the node ingested from (provider, uri) under
// the current tenant binding.
func (s *Store) FindBySource(ctx context.Context, provider, uri string) (*models.Node, error) {
	var rec nodeRecord
	err := s.tenantScope(s.db.WithContext(ctx)).
		Where("source_provider = ? AND source_uri = ?", provider, uri).
		First(&rec).Error
	if err != nil {
		return nil, classify("find by source", err)
	}
	return rec.toModel(), nil
}

// ListVersions returns the version history of a node, newest first.
func (s *Store) ListVersions(ctx context.Context, nodeID string, limit int) ([]*models.NodeVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []nodeVersionRecord
	err := s.tenantScope(s.db.WithContext(ctx)).
		Where("node_id = ?", nodeID).
		Order("version DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, classify("list versions", err)
	}
	versions := make([]*models.NodeVersion, len(recs))
	for i := range recs {
		versions[i] = recs[i].toModel()
	}
	return versions, nil
}
