package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds database configuration.
type Config struct {
	DSN          string
	MaxConns     int
	EmbeddingDim int
	LogLevel     logger.LogLevel
}

// Store represents the Postgres connection with pgvector support.
// A Store is either unbound (control plane, migrations) or bound to a
// tenant inside a WithTenant transaction.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	dim    int
	logger zerolog.Logger

	bound  bool
	tenant string
}

// Open connects to Postgres, configures the pool and runs migrations.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(db, cfg.EmbeddingDim); err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		dim:    cfg.EmbeddingDim,
		logger: log.With().Str("component", "store").Logger(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Dim returns the configured embedding dimension.
func (s *Store) Dim() int {
	return s.dim
}

// Tenant returns the bound tenant, if any.
func (s *Store) Tenant() (string, bool) {
	return s.tenant, s.bound
}

// WithTenant runs fn inside one transaction with the tenant seal
// bound via a transaction-scoped session setting. Everything fn does
// through the derived store observes only rows owned by the tenant or
// shared rows. Nesting is forbidden.
func (s *Store) WithTenant(ctx context.Context, tenant string, fn func(*Store) error) error {
	if s.bound {
		return ErrTenantRebind
	}
	if tenant == "" {
		return fmt.Errorf("with tenant: empty tenant id")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// set_config with is_local=true evaporates on commit or
		// rollback, so connection reuse never leaks the binding.
		if err := tx.Exec(`SELECT set_config('app.tenant_id', ?, true)`, tenant).Error; err != nil {
			return classify("bind tenant", err)
		}
		return fn(&Store{
			db:     tx,
			sqlDB:  s.sqlDB,
			dim:    s.dim,
			logger: s.logger,
			bound:  true,
			tenant: tenant,
		})
	})
	return err
}

// tenantScope restricts a query to the bound tenant's rows plus
// shared (tenant-null) rows. Unbound stores see everything.
func (s *Store) tenantScope(db *gorm.DB) *gorm.DB {
	if !s.bound {
		return db
	}
	return db.Where("(tenant_id = current_setting('app.tenant_id', true) OR tenant_id IS NULL)")
}

// ownTenant returns the tenant pointer to stamp onto new rows.
func (s *Store) ownTenant() *string {
	if !s.bound {
		return nil
	}
	t := s.tenant
	return &t
}

// RetryTransient runs fn, retrying transient store failures with a
// capped, jittered exponential backoff. Permanent failures propagate
// immediately.
func RetryTransient(ctx context.Context, attempts uint64, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
