package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/activegraph/activegraph/pkg/models"
)

// UpsertConnectorConfig writes a connector configuration row. The
// config document must already carry its secrets encrypted; the store
// never sees plaintext secrets.
func (s *Store) UpsertConnectorConfig(ctx context.Context, cfg *models.ConnectorConfig) error {
	now := time.Now().UTC()
	rec := &connectorConfigRecord{
		TenantID:   cfg.TenantID,
		Provider:   cfg.Provider,
		Config:     cfg.Config,
		Enabled:    cfg.Enabled,
		KeyVersion: cfg.KeyVersion,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "enabled", "key_version", "updated_at"}),
	}).Create(rec).Error
	return classify("upsert connector config", err)
}

// GetConnectorConfig fetches one connector configuration.
func (s *Store) GetConnectorConfig(ctx context.Context, tenantID, provider string) (*models.ConnectorConfig, error) {
	var rec connectorConfigRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&rec).Error
	if err != nil {
		return nil, classify("get connector config", err)
	}
	return rec.toModel(), nil
}

// ListConnectorConfigs returns configurations, optionally only those
// encrypted with a key version other than current (rotation
// candidates).
func (s *Store) ListConnectorConfigs(ctx context.Context, staleBefore int) ([]*models.ConnectorConfig, error) {
	q := s.db.WithContext(ctx).Model(&connectorConfigRecord{})
	if staleBefore > 0 {
		q = q.Where("key_version < ?", staleBefore)
	}
	var recs []connectorConfigRecord
	if err := q.Order("tenant_id, provider").Find(&recs).Error; err != nil {
		return nil, classify("list connector configs", err)
	}
	configs := make([]*models.ConnectorConfig, len(recs))
	for i := range recs {
		configs[i] = recs[i].toModel()
	}
	return configs, nil
}

// DeleteConnectorConfig removes a connector configuration.
func (s *Store) DeleteConnectorConfig(ctx context.Context, tenantID, provider string) error {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		Delete(&connectorConfigRecord{})
	if res.Error != nil {
		return classify("delete connector config", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete connector config: %w", ErrNotFound)
	}
	return nil
}

// UpsertCursor saves the provider-opaque sync position.
func (s *Store) UpsertCursor(ctx context.Context, cursor *models.ConnectorCursor) error {
	rec := &connectorCursorRecord{
		TenantID:  cursor.TenantID,
		Provider:  cursor.Provider,
		Cursor:    cursor.Cursor,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(rec).Error
	return classify("upsert cursor", err)
}

// GetCursor fetches the sync position, empty when none exists yet.
func (s *Store) GetCursor(ctx context.Context, tenantID, provider string) (*models.ConnectorCursor, error) {
	var rec connectorCursorRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&rec).Error
	if err != nil {
		wrapped := classify("get cursor", err)
		if IsNotFound(wrapped) {
			return &models.ConnectorCursor{TenantID: tenantID, Provider: provider}, nil
		}
		return nil, wrapped
	}
	return &models.ConnectorCursor{
		TenantID:  rec.TenantID,
		Provider:  rec.Provider,
		Cursor:    rec.Cursor,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
