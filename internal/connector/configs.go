package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// Configs manages connector configurations: secrets are sealed before
// every write and opened only for the runtime that needs them.
type Configs struct {
	store   *store.Store
	keyring *Keyring
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewConfigs creates the configuration manager.
func NewConfigs(st *store.Store, keyring *Keyring, metrics *observability.Metrics, logger zerolog.Logger) *Configs {
	return &Configs{
		store:   st,
		keyring: keyring,
		metrics: metrics,
		logger:  logger.With().Str("component", "connector-configs").Logger(),
	}
}

// Save seals the secret fields and writes the row with the active key
// version.
func (c *Configs) Save(ctx context.Context, tenantID, provider string, config models.Document, enabled bool) error {
	sealed, err := c.keyring.EncryptSecrets(config)
	if err != nil {
		return err
	}
	cfg := &models.ConnectorConfig{
		TenantID:   tenantID,
		Provider:   provider,
		Config:     sealed,
		Enabled:    enabled,
		KeyVersion: c.keyring.ActiveVersion(),
	}
	if err := c.store.UpsertConnectorConfig(ctx, cfg); err != nil {
		return err
	}
	c.logger.Info().
		Str("tenant", tenantID).
		Str("provider", provider).
		Bool("enabled", enabled).
		Msg("connector config saved")
	return nil
}

// Open fetches a configuration with its secrets decrypted, for the
// runtime only. Never hand the result to a response writer.
func (c *Configs) Open(ctx context.Context, tenantID, provider string) (*models.ConnectorConfig, error) {
	cfg, err := c.store.GetConnectorConfig(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}
	plain, err := c.keyring.DecryptSecrets(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("connector %s/%s: %w", tenantID, provider, err)
	}
	cfg.Config = plain
	return cfg, nil
}

// Describe fetches a configuration with its secrets redacted, for API
// responses.
func (c *Configs) Describe(ctx context.Context, tenantID, provider string) (*models.ConnectorConfig, error) {
	cfg, err := c.store.GetConnectorConfig(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}
	cfg.Config = Sanitize(cfg.Config)
	return cfg, nil
}

// Delete removes a configuration.
func (c *Configs) Delete(ctx context.Context, tenantID, provider string) error {
	return c.store.DeleteConnectorConfig(ctx, tenantID, provider)
}

// RotateKeys re-encrypts every row sealed with an older key version
// under the active one. Rows whose old KEK is gone are reported but do
// not stop the sweep.
func (c *Configs) RotateKeys(ctx context.Context) (rotated, failed int, err error) {
	start := time.Now()
	stale, err := c.store.ListConnectorConfigs(ctx, c.keyring.ActiveVersion())
	if err != nil {
		return 0, 0, err
	}

	for _, cfg := range stale {
		plain, decErr := c.keyring.DecryptSecrets(cfg.Config)
		if decErr != nil {
			failed++
			c.metrics.Rotation(ctx, observability.ResultError)
			c.logger.Error().Err(decErr).
				Str("tenant", cfg.TenantID).
				Str("provider", cfg.Provider).
				Int("key_version", cfg.KeyVersion).
				Msg("rotation: cannot decrypt row")
			continue
		}
		sealed, encErr := c.keyring.EncryptSecrets(plain)
		if encErr != nil {
			failed++
			c.metrics.Rotation(ctx, observability.ResultError)
			continue
		}
		cfg.Config = sealed
		cfg.KeyVersion = c.keyring.ActiveVersion()
		if upErr := c.store.UpsertConnectorConfig(ctx, cfg); upErr != nil {
			failed++
			c.metrics.Rotation(ctx, observability.ResultError)
			continue
		}
		rotated++
		c.metrics.Rotation(ctx, observability.ResultOK)
	}

	c.logger.Info().
		Int("rotated", rotated).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("key rotation sweep")
	return rotated, failed, nil
}
