package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/activegraph/activegraph/pkg/models"
)

// IndexParams hold the build-time tuning for ANN index creation.
type IndexParams struct {
	HNSWM              int
	HNSWEfConstruction int
	IVFFlatLists       int
}

// IndexInfo describes one index on the nodes table.
type IndexInfo struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// opclass maps a metric to the pgvector operator class.
func opclass(metric models.Metric) string {
	switch metric {
	case models.MetricL2:
		return "vector_l2_ops"
	case models.MetricIP:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

func metricSuffix(metric models.Metric) string {
	switch metric {
	case models.MetricL2:
		return "l2"
	case models.MetricIP:
		return "ip"
	default:
		return "cosine"
	}
}

// annIndexName is the canonical index name for a (kind, metric) pair.
func annIndexName(kind string, metric models.Metric) string {
	return fmt.Sprintf("idx_nodes_embedding_%s_%s", kind, metricSuffix(metric))
}

// EnsureIndex builds the ANN index for (kind, metric) if it does not
// exist. The build runs CONCURRENTLY so writers are not blocked, and
// a concurrent creation by another replica is tolerated.
func (s *Store) EnsureIndex(ctx context.Context, kind string, metric models.Metric, params IndexParams) error {
	if s.bound {
		return fmt.Errorf("ensure index: not allowed inside a tenant binding")
	}

	name := annIndexName(kind, metric)
	var with string
	switch kind {
	case "hnsw":
		m, ef := params.HNSWM, params.HNSWEfConstruction
		if m <= 0 {
			m = 16
		}
		if ef <= 0 {
			ef = 64
		}
		with = fmt.Sprintf("WITH (m = %d, ef_construction = %d)", m, ef)
	case "ivfflat":
		lists := params.IVFFlatLists
		if lists <= 0 {
			lists = 100
		}
		with = fmt.Sprintf("WITH (lists = %d)", lists)
	default:
		return fmt.Errorf("ensure index: unknown kind %q", kind)
	}

	// CREATE INDEX CONCURRENTLY cannot run inside a transaction, so
	// this deliberately bypasses any transaction wrapper.
	stmt := fmt.Sprintf(
		`CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON nodes USING %s (embedding %s) %s`,
		name, kind, opclass(metric), with)
	if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
		var pgErr *pgconn.PgError
		// 42P07 duplicate_table / 23505: another replica won the race.
		if errors.As(err, &pgErr) && (pgErr.Code == "42P07" || pgErr.Code == "23505") {
			return nil
		}
		return classify("ensure index", err)
	}
	s.logger.Info().Str("index", name).Msg("ANN index ensured")
	return nil
}

// DropIndex removes the ANN index for (kind, metric) if present.
func (s *Store) DropIndex(ctx context.Context, kind string, metric models.Metric) error {
	name := annIndexName(kind, metric)
	if _, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`DROP INDEX CONCURRENTLY IF EXISTS %s`, name)); err != nil {
		return classify("drop index", err)
	}
	return nil
}

// RebuildIndex drops and re-creates the ANN index for (kind, metric).
func (s *Store) RebuildIndex(ctx context.Context, kind string, metric models.Metric, params IndexParams) error {
	if err := s.DropIndex(ctx, kind, metric); err != nil {
		return err
	}
	return s.EnsureIndex(ctx, kind, metric, params)
}

// ListIndexes returns every index on the nodes table.
func (s *Store) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	var infos []IndexInfo
	err := s.db.WithContext(ctx).
		Raw(`SELECT indexname AS name, indexdef AS definition FROM pg_indexes WHERE tablename = 'nodes' ORDER BY indexname`).
		Scan(&infos).Error
	if err != nil {
		return nil, classify("list indexes", err)
	}
	return infos, nil
}
