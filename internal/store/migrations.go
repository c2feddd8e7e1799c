package store

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
//
// The schema is created with raw SQL rather than AutoMigrate: the
// embedding columns are dimensioned from configuration and the
// search_vector column is a weighted generated tsvector, neither of
// which struct tags can express.
func runMigrations(db *gorm.DB, dim int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension
		{
			ID: "001_extensions",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error
			},
			Rollback: func(tx *gorm.DB) error { return nil },
		},

		// Migration 002: nodes table with embedding and weighted
		// full-text generated column (A=title, B=body, C=metadata)
		{
			ID: "002_nodes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
						id uuid PRIMARY KEY,
						tenant_id text,
						classes jsonb NOT NULL DEFAULT '[]'::jsonb,
						props jsonb NOT NULL DEFAULT '{}'::jsonb,
						payload_ref text,
						embedding vector(%d),
						refresh_policy jsonb,
						triggers jsonb,
						version bigint NOT NULL DEFAULT 0,
						embed_status text NOT NULL DEFAULT 'queued',
						embed_attempts int NOT NULL DEFAULT 0,
						embed_error text,
						embedding_updated_at timestamptz,
						drift_score double precision,
						content_hash text,
						etag text,
						source_provider text,
						source_uri text,
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now(),
						last_refreshed timestamptz,
						deleted_at timestamptz,
						purge_after timestamptz,
						search_vector tsvector GENERATED ALWAYS AS (
							setweight(to_tsvector('english', coalesce(props->>'title', props->>'job_title', '')), 'A') ||
							setweight(to_tsvector('english', coalesce(props->>'text', props->>'resume_text', '')), 'B') ||
							setweight(to_tsvector('english', coalesce(props->>'metadata', '')), 'C')
						) STORED
					)`, dim),
					`CREATE INDEX IF NOT EXISTS idx_nodes_tenant ON nodes (tenant_id)`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_deleted ON nodes (deleted_at) WHERE deleted_at IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_last_refreshed ON nodes (last_refreshed ASC NULLS FIRST)`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_embed_status ON nodes (embed_status)`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_classes ON nodes USING gin (classes jsonb_path_ops)`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_search ON nodes USING gin (search_vector)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_source ON nodes (coalesce(tenant_id, ''), source_provider, source_uri)
						WHERE source_provider IS NOT NULL`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("nodes")
			},
		},

		// Migration 003: edges, events, versions, embedding history
		{
			ID: "003_graph_tables",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS edges (
						id uuid PRIMARY KEY,
						src_id uuid NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
						dst_id uuid NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
						relation text NOT NULL,
						props jsonb,
						tenant_id text,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_edges_src ON edges (src_id)`,
					`CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges (dst_id)`,
					`CREATE TABLE IF NOT EXISTS events (
						id bigserial PRIMARY KEY,
						node_id uuid,
						kind text NOT NULL,
						payload jsonb,
						actor_id text,
						actor_type text,
						tenant_id text,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_events_node ON events (node_id)`,
					`CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind)`,
					`CREATE TABLE IF NOT EXISTS node_versions (
						id bigserial PRIMARY KEY,
						node_id uuid NOT NULL,
						version bigint NOT NULL,
						classes jsonb,
						props jsonb,
						payload_ref text,
						tenant_id text,
						created_at timestamptz NOT NULL DEFAULT now(),
						CONSTRAINT idx_versions_node_version UNIQUE (node_id, version)
					)`,
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embedding_history (
						id bigserial PRIMARY KEY,
						node_id uuid NOT NULL,
						embedding vector(%d),
						drift double precision NOT NULL DEFAULT 0,
						tenant_id text,
						created_at timestamptz NOT NULL DEFAULT now()
					)`, dim),
					`CREATE INDEX IF NOT EXISTS idx_embhist_node ON embedding_history (node_id, created_at DESC)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("embedding_history", "node_versions", "events", "edges")
			},
		},

		// Migration 004: trigger patterns and the fire-once ledger
		{
			ID: "004_patterns",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS patterns (
						name text PRIMARY KEY,
						tenant_id text,
						example_text text NOT NULL,
						threshold double precision NOT NULL,
						embedding vector(%d),
						created_at timestamptz NOT NULL DEFAULT now()
					)`, dim),
					`CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns (tenant_id)`,
					`CREATE TABLE IF NOT EXISTS trigger_firings (
						node_id uuid NOT NULL,
						pattern text NOT NULL,
						version bigint NOT NULL,
						created_at timestamptz NOT NULL DEFAULT now(),
						PRIMARY KEY (node_id, pattern, version)
					)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("trigger_firings", "patterns")
			},
		},

		// Migration 005: connector configuration and cursors
		{
			ID: "005_connectors",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS connector_configs (
						tenant_id text NOT NULL,
						provider text NOT NULL,
						config jsonb NOT NULL DEFAULT '{}'::jsonb,
						enabled boolean NOT NULL DEFAULT true,
						key_version int NOT NULL DEFAULT 1,
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now(),
						PRIMARY KEY (tenant_id, provider)
					)`,
					`CREATE TABLE IF NOT EXISTS connector_cursors (
						tenant_id text NOT NULL,
						provider text NOT NULL,
						cursor text,
						updated_at timestamptz NOT NULL DEFAULT now(),
						PRIMARY KEY (tenant_id, provider)
					)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("connector_cursors", "connector_configs")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
