package store

import (
	"context"
	"fmt"
	"strings"

	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/activegraph/activegraph/pkg/models"
)

// SearchFilter narrows vector and lexical searches.
type SearchFilter struct {
	Classes []string
}

// ANNParams are the per-query tuning knobs, applied with SET LOCAL so
// they are scoped to the query's own transaction.
type ANNParams struct {
	HNSWEfSearch  int
	IVFFlatProbes int
}

// VectorSearchResult carries ranked results plus the degradation flag
// set when the metric's ANN index was absent and the scan was exact.
type VectorSearchResult struct {
	Results  []models.SearchResult
	Degraded bool
}

type scoredNode struct {
	nodeRecord `gorm:"embedded"`
	Score      float64 `gorm:"column:score"`
}

// operator returns the pgvector operator and score expression for a
// metric. Cosine scores land in [0,1]; L2 and inner product are
// strictly ordered but unbounded.
func operator(metric models.Metric) (op, scoreExpr string) {
	switch metric {
	case models.MetricL2:
		return "<->", "-(n.embedding <-> ?)"
	case models.MetricIP:
		return "<#>", "-(n.embedding <#> ?)"
	default:
		return "<=>", "1 - (n.embedding <=> ?)"
	}
}

// VectorSearch runs an ANN (or, absent an index, exact) scan over
// live embedded nodes under the tenant seal.
func (s *Store) VectorSearch(ctx context.Context, qvec []float32, k int, metric models.Metric, filter SearchFilter, params ANNParams) (*VectorSearchResult, error) {
	if len(qvec) != s.dim {
		return nil, fmt.Errorf("vector search: %w: got %d want %d", ErrDimension, len(qvec), s.dim)
	}
	if k <= 0 {
		k = 10
	}

	indexKind, err := s.annIndexKind(ctx, metric)
	if err != nil {
		return nil, err
	}

	op, scoreExpr := operator(metric)
	vec := pgvec.NewVector(qvec)

	// Placeholder order: score expression, class filters, ORDER BY
	// vector, LIMIT.
	args := []interface{}{vec}
	where := []string{"n.embedding IS NOT NULL", "n.deleted_at IS NULL"}
	if s.bound {
		where = append(where, "(n.tenant_id = current_setting('app.tenant_id', true) OR n.tenant_id IS NULL)")
	}
	for _, class := range filter.Classes {
		where = append(where, "n.classes @> ?")
		args = append(args, fmt.Sprintf(`["%s"]`, class))
	}
	args = append(args, vec, k)

	query := fmt.Sprintf(`
		SELECT n.*, %s AS score
		FROM nodes n
		WHERE %s
		ORDER BY n.embedding %s ?
		LIMIT ?`,
		scoreExpr, strings.Join(where, " AND "), op)

	var rows []scoredNode
	run := func(tx *gorm.DB) error {
		switch indexKind {
		case "hnsw":
			if params.HNSWEfSearch > 0 {
				if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", params.HNSWEfSearch)).Error; err != nil {
					return classify("set hnsw.ef_search", err)
				}
			}
		case "ivfflat":
			if params.IVFFlatProbes > 0 {
				if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", params.IVFFlatProbes)).Error; err != nil {
					return classify("set ivfflat.probes", err)
				}
			}
		}
		return tx.Raw(query, args...).Scan(&rows).Error
	}

	if s.bound {
		// Already inside the WithTenant transaction.
		err = run(s.db.WithContext(ctx))
	} else {
		err = s.db.WithContext(ctx).Transaction(run)
	}
	if err != nil {
		return nil, classify("vector search", err)
	}

	scoreType := models.ScoreTypeFor(metric)
	results := make([]models.SearchResult, len(rows))
	for i := range rows {
		results[i] = models.SearchResult{
			Node:      rows[i].nodeRecord.toModel(),
			Score:     rows[i].Score,
			ScoreType: scoreType,
		}
	}
	return &VectorSearchResult{Results: results, Degraded: indexKind == ""}, nil
}

// LexicalSearch runs the weighted full-text rank over live nodes.
// Scores are normalised into [0,1] by the batch maximum. When the GIN
// index is missing the caller gets ErrLexicalUnavailable so hybrid
// search can fall back to vector-only.
func (s *Store) LexicalSearch(ctx context.Context, qtext string, k int, filter SearchFilter) ([]models.SearchResult, error) {
	if strings.TrimSpace(qtext) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	ok, err := s.hasIndex(ctx, "idx_nodes_search")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLexicalUnavailable
	}

	var where []string
	var args []interface{}
	args = append(args, qtext) // rank expr
	where = append(where, "n.search_vector @@ plainto_tsquery('english', ?)", "n.deleted_at IS NULL")
	args = append(args, qtext)
	if s.bound {
		where = append(where, "(n.tenant_id = current_setting('app.tenant_id', true) OR n.tenant_id IS NULL)")
	}
	for _, class := range filter.Classes {
		where = append(where, "n.classes @> ?")
		args = append(args, fmt.Sprintf(`["%s"]`, class))
	}
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT n.*, ts_rank(n.search_vector, plainto_tsquery('english', ?)) AS score
		FROM nodes n
		WHERE %s
		ORDER BY score DESC
		LIMIT ?`,
		strings.Join(where, " AND "))

	var rows []scoredNode
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, classify("lexical search", err)
	}

	maxScore := 0.0
	for i := range rows {
		if rows[i].Score > maxScore {
			maxScore = rows[i].Score
		}
	}

	results := make([]models.SearchResult, len(rows))
	for i := range rows {
		score := rows[i].Score
		if maxScore > 0 {
			score = score / maxScore
		}
		results[i] = models.SearchResult{
			Node:      rows[i].nodeRecord.toModel(),
			Score:     score,
			ScoreType: models.ScoreLexical,
		}
	}
	return results, nil
}

// hasIndex reports whether a named index exists on the nodes table.
func (s *Store) hasIndex(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT count(*) FROM pg_indexes WHERE tablename = 'nodes' AND indexname = ?`, name).
		Scan(&count).Error
	if err != nil {
		return false, classify("check index", err)
	}
	return count > 0, nil
}

// annIndexKind returns which ANN index kind serves the metric, or ""
// when the query will be an exact scan.
func (s *Store) annIndexKind(ctx context.Context, metric models.Metric) (string, error) {
	for _, kind := range []string{"hnsw", "ivfflat"} {
		ok, err := s.hasIndex(ctx, annIndexName(kind, metric))
		if err != nil {
			return "", err
		}
		if ok {
			return kind, nil
		}
	}
	return "", nil
}
