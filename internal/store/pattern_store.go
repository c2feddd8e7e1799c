package store

import (
	"context"
	"fmt"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm/clause"

	"github.com/activegraph/activegraph/pkg/models"
)

// UpsertPattern registers or replaces a trigger pattern.
func (s *Store) UpsertPattern(ctx context.Context, pattern *models.Pattern) error {
	if len(pattern.Embedding) > 0 && len(pattern.Embedding) != s.dim {
		return fmt.Errorf("upsert pattern: %w: got %d want %d", ErrDimension, len(pattern.Embedding), s.dim)
	}
	if pattern.TenantID == nil {
		pattern.TenantID = s.ownTenant()
	}

	rec := &patternRecord{
		Name:        pattern.Name,
		TenantID:    pattern.TenantID,
		ExampleText: pattern.ExampleText,
		Threshold:   pattern.Threshold,
		CreatedAt:   time.Now().UTC(),
	}
	if len(pattern.Embedding) > 0 {
		v := pgvec.NewVector(pattern.Embedding)
		rec.Embedding = &v
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "example_text", "threshold", "embedding"}),
	}).Create(rec).Error
	return classify("upsert pattern", err)
}

// GetPattern fetches one pattern by name under the tenant seal.
func (s *Store) GetPattern(ctx context.Context, name string) (*models.Pattern, error) {
	var rec patternRecord
	err := s.tenantScope(s.db.WithContext(ctx)).Where("name = ?", name).First(&rec).Error
	if err != nil {
		return nil, classify("get pattern", err)
	}
	return rec.toModel(), nil
}

// ListPatterns returns the patterns visible under the current binding
// (the tenant's own plus shared ones).
func (s *Store) ListPatterns(ctx context.Context) ([]*models.Pattern, error) {
	var recs []patternRecord
	err := s.tenantScope(s.db.WithContext(ctx)).Order("name").Find(&recs).Error
	if err != nil {
		return nil, classify("list patterns", err)
	}
	patterns := make([]*models.Pattern, len(recs))
	for i := range recs {
		patterns[i] = recs[i].toModel()
	}
	return patterns, nil
}

// DeletePattern removes a pattern by name.
func (s *Store) DeletePattern(ctx context.Context, name string) error {
	res := s.tenantScope(s.db.WithContext(ctx)).Where("name = ?", name).Delete(&patternRecord{})
	if res.Error != nil {
		return classify("delete pattern", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete pattern: %w", ErrNotFound)
	}
	return nil
}

// MarkFired claims the (node, pattern, version) fire-once key.
// Returns false when this exact combination already fired.
func (s *Store) MarkFired(ctx context.Context, nodeID, pattern string, version int64) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&triggerFiringRecord{
		NodeID:    nodeID,
		Pattern:   pattern,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		return false, classify("mark fired", res.Error)
	}
	return res.RowsAffected > 0, nil
}
