// Package store provides the Postgres store adapter for activegraph:
// typed access to nodes, edges, events, versions and embeddings with a
// transaction-scoped tenant seal and ANN index lifecycle management.
package store

import (
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/activegraph/activegraph/pkg/models"
)

// nodeRecord is the GORM model for the nodes table. The table itself
// is created by raw-SQL migrations because the embedding column is
// dimensioned at migration time and the search_vector column is
// generated.
type nodeRecord struct {
	ID                 string                 `gorm:"primaryKey;type:uuid"`
	TenantID           *string                `gorm:"type:text"`
	Classes            models.StringArray     `gorm:"type:jsonb"`
	Props              models.Document        `gorm:"type:jsonb"`
	PayloadRef         *string                `gorm:"type:text"`
	Embedding          *pgvec.Vector          `gorm:"type:vector"`
	RefreshPolicy      *models.RefreshPolicy  `gorm:"type:jsonb"`
	Triggers           models.TriggerBindings `gorm:"type:jsonb"`
	Version            int64                  `gorm:"not null;default:0"`
	EmbedStatus        string                 `gorm:"type:text;default:'queued'"`
	EmbedAttempts      int                    `gorm:"default:0"`
	EmbedError         *string                `gorm:"type:text"`
	EmbeddingUpdatedAt *time.Time
	DriftScore         *float64
	ContentHash        *string `gorm:"type:text"`
	ETag               *string `gorm:"column:etag;type:text"`
	SourceProvider     *string `gorm:"type:text"`
	SourceURI          *string `gorm:"column:source_uri;type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastRefreshed      *time.Time
	DeletedAt          *time.Time
	PurgeAfter         *time.Time
}

func (nodeRecord) TableName() string { return "nodes" }

// BeforeCreate hook to ensure timestamps are set.
func (n *nodeRecord) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.EmbedStatus == "" {
		n.EmbedStatus = string(models.EmbedQueued)
	}
	return nil
}

func (n *nodeRecord) toModel() *models.Node {
	node := &models.Node{
		ID:                 n.ID,
		TenantID:           n.TenantID,
		Classes:            n.Classes,
		Props:              n.Props,
		PayloadRef:         n.PayloadRef,
		RefreshPolicy:      n.RefreshPolicy,
		Triggers:           n.Triggers,
		Version:            n.Version,
		EmbedStatus:        models.EmbedState(n.EmbedStatus),
		EmbedAttempts:      n.EmbedAttempts,
		EmbedError:         n.EmbedError,
		EmbeddingUpdatedAt: n.EmbeddingUpdatedAt,
		DriftScore:         n.DriftScore,
		ContentHash:        n.ContentHash,
		ETag:               n.ETag,
		SourceProvider:     n.SourceProvider,
		SourceURI:          n.SourceURI,
		CreatedAt:          n.CreatedAt,
		UpdatedAt:          n.UpdatedAt,
		LastRefreshed:      n.LastRefreshed,
		DeletedAt:          n.DeletedAt,
		PurgeAfter:         n.PurgeAfter,
	}
	if n.Embedding != nil {
		node.Embedding = n.Embedding.Slice()
	}
	return node
}

func fromModel(node *models.Node) *nodeRecord {
	rec := &nodeRecord{
		ID:                 node.ID,
		TenantID:           node.TenantID,
		Classes:            node.Classes,
		Props:              node.Props,
		PayloadRef:         node.PayloadRef,
		RefreshPolicy:      node.RefreshPolicy,
		Triggers:           node.Triggers,
		Version:            node.Version,
		EmbedStatus:        string(node.EmbedStatus),
		EmbedAttempts:      node.EmbedAttempts,
		EmbedError:         node.EmbedError,
		EmbeddingUpdatedAt: node.EmbeddingUpdatedAt,
		DriftScore:         node.DriftScore,
		ContentHash:        node.ContentHash,
		ETag:               node.ETag,
		SourceProvider:     node.SourceProvider,
		SourceURI:          node.SourceURI,
		CreatedAt:          node.CreatedAt,
		UpdatedAt:          node.UpdatedAt,
		LastRefreshed:      node.LastRefreshed,
		DeletedAt:          node.DeletedAt,
		PurgeAfter:         node.PurgeAfter,
	}
	if len(node.Embedding) > 0 {
		v := pgvec.NewVector(node.Embedding)
		rec.Embedding = &v
	}
	return rec
}

// edgeRecord is the GORM model for the edges table.
type edgeRecord struct {
	ID        string          `gorm:"primaryKey;type:uuid"`
	SrcID     string          `gorm:"type:uuid;not null;index:idx_edges_src"`
	DstID     string          `gorm:"type:uuid;not null;index:idx_edges_dst"`
	Relation  string          `gorm:"type:text;not null"`
	Props     models.Document `gorm:"type:jsonb"`
	TenantID  *string         `gorm:"type:text"`
	CreatedAt time.Time
}

func (edgeRecord) TableName() string { return "edges" }

func (e *edgeRecord) toModel() *models.Edge {
	return &models.Edge{
		ID:        e.ID,
		SrcID:     e.SrcID,
		DstID:     e.DstID,
		Relation:  e.Relation,
		Props:     e.Props,
		TenantID:  e.TenantID,
		CreatedAt: e.CreatedAt,
	}
}

// eventRecord is the GORM model for the append-only events table.
type eventRecord struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	NodeID    *string         `gorm:"type:uuid;index:idx_events_node"`
	Kind      string          `gorm:"type:text;not null;index:idx_events_kind"`
	Payload   models.Document `gorm:"type:jsonb"`
	ActorID   *string         `gorm:"type:text"`
	ActorType *string         `gorm:"type:text"`
	TenantID  *string         `gorm:"type:text"`
	CreatedAt time.Time
}

func (eventRecord) TableName() string { return "events" }

func (e *eventRecord) toModel() *models.Event {
	return &models.Event{
		ID:        e.ID,
		NodeID:    e.NodeID,
		Kind:      models.EventKind(e.Kind),
		Payload:   e.Payload,
		ActorID:   e.ActorID,
		ActorType: e.ActorType,
		TenantID:  e.TenantID,
		CreatedAt: e.CreatedAt,
	}
}

// nodeVersionRecord snapshots node state at each mutation.
type nodeVersionRecord struct {
	ID         int64              `gorm:"primaryKey;autoIncrement"`
	NodeID     string             `gorm:"type:uuid;not null;uniqueIndex:idx_versions_node_version,priority:1"`
	Version    int64              `gorm:"not null;uniqueIndex:idx_versions_node_version,priority:2"`
	Classes    models.StringArray `gorm:"type:jsonb"`
	Props      models.Document    `gorm:"type:jsonb"`
	PayloadRef *string            `gorm:"type:text"`
	TenantID   *string            `gorm:"type:text"`
	CreatedAt  time.Time
}

func (nodeVersionRecord) TableName() string { return "node_versions" }

func (v *nodeVersionRecord) toModel() *models.NodeVersion {
	return &models.NodeVersion{
		ID:         v.ID,
		NodeID:     v.NodeID,
		Version:    v.Version,
		Classes:    v.Classes,
		Props:      v.Props,
		PayloadRef: v.PayloadRef,
		CreatedAt:  v.CreatedAt,
	}
}

// embeddingHistoryRecord records one embedding generation.
type embeddingHistoryRecord struct {
	ID        int64        `gorm:"primaryKey;autoIncrement"`
	NodeID    string       `gorm:"type:uuid;not null;index:idx_embhist_node"`
	Embedding pgvec.Vector `gorm:"type:vector"`
	Drift     float64      `gorm:"not null;default:0"`
	TenantID  *string      `gorm:"type:text"`
	CreatedAt time.Time
}

func (embeddingHistoryRecord) TableName() string { return "embedding_history" }

// patternRecord is the GORM model for trigger patterns.
type patternRecord struct {
	Name        string        `gorm:"primaryKey;type:text"`
	TenantID    *string       `gorm:"type:text;index:idx_patterns_tenant"`
	ExampleText string        `gorm:"type:text;not null"`
	Threshold   float64       `gorm:"not null"`
	Embedding   *pgvec.Vector `gorm:"type:vector"`
	CreatedAt   time.Time
}

func (patternRecord) TableName() string { return "patterns" }

func (p *patternRecord) toModel() *models.Pattern {
	pat := &models.Pattern{
		Name:        p.Name,
		TenantID:    p.TenantID,
		ExampleText: p.ExampleText,
		Threshold:   p.Threshold,
		CreatedAt:   p.CreatedAt,
	}
	if p.Embedding != nil {
		pat.Embedding = p.Embedding.Slice()
	}
	return pat
}

// triggerFiringRecord is the fire-once ledger: one row per
// (node, pattern, version) that ever fired.
type triggerFiringRecord struct {
	NodeID    string `gorm:"primaryKey;type:uuid"`
	Pattern   string `gorm:"primaryKey;type:text"`
	Version   int64  `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (triggerFiringRecord) TableName() string { return "trigger_firings" }

// connectorConfigRecord stores one connector configuration with
// encrypted secret fields inside the config document.
type connectorConfigRecord struct {
	TenantID   string          `gorm:"primaryKey;type:text"`
	Provider   string          `gorm:"primaryKey;type:text"`
	Config     models.Document `gorm:"type:jsonb"`
	Enabled    bool            `gorm:"default:true"`
	KeyVersion int             `gorm:"not null;default:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (connectorConfigRecord) TableName() string { return "connector_configs" }

func (c *connectorConfigRecord) toModel() *models.ConnectorConfig {
	return &models.ConnectorConfig{
		TenantID:   c.TenantID,
		Provider:   c.Provider,
		Config:     c.Config,
		Enabled:    c.Enabled,
		KeyVersion: c.KeyVersion,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// connectorCursorRecord holds the provider-opaque sync position.
type connectorCursorRecord struct {
	TenantID  string `gorm:"primaryKey;type:text"`
	Provider  string `gorm:"primaryKey;type:text"`
	Cursor    string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (connectorCursorRecord) TableName() string { return "connector_cursors" }
