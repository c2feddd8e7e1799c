package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/activegraph/activegraph/pkg/models"
)

// appendEventTx writes one event row inside an open transaction.
func appendEventTx(tx *gorm.DB, event *models.Event) error {
	rec := &eventRecord{
		NodeID:    event.NodeID,
		Kind:      string(event.Kind),
		Payload:   event.Payload,
		ActorID:   event.ActorID,
		ActorType: event.ActorType,
		TenantID:  event.TenantID,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(rec).Error; err != nil {
		return classify("append event", err)
	}
	event.ID = rec.ID
	event.CreatedAt = rec.CreatedAt
	return nil
}

// AppendEvent writes one append-only event row.
func (s *Store) AppendEvent(ctx context.Context, event *models.Event) error {
	if event.TenantID == nil {
		event.TenantID = s.ownTenant()
	}
	return appendEventTx(s.db.WithContext(ctx), event)
}

// ListEventsOptions filters ListEvents.
type ListEventsOptions struct {
	NodeID string
	Kind   models.EventKind
	Limit  int
}

// ListEvents returns events newest first under the tenant seal.
func (s *Store) ListEvents(ctx context.Context, opts ListEventsOptions) ([]*models.Event, error) {
	q := s.tenantScope(s.db.WithContext(ctx).Model(&eventRecord{}))
	if opts.NodeID != "" {
		q = q.Where("node_id = ?", opts.NodeID)
	}
	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var recs []eventRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, classify("list events", err)
	}
	events := make([]*models.Event, len(recs))
	for i := range recs {
		events[i] = recs[i].toModel()
	}
	return events, nil
}
