package store

import (
	"context"
)

// EmbedInfo summarises the embedding state of the corpus.
type EmbedInfo struct {
	Dim          int              `json:"dim"`
	Total        int64            `json:"total"`
	ByStatus     map[string]int64 `json:"by_status"`
	WithEmbed    int64            `json:"with_embedding"`
	WithoutEmbed int64            `json:"without_embedding"`
}

// GetEmbedInfo reports embedding lifecycle counts over live nodes.
func (s *Store) GetEmbedInfo(ctx context.Context) (*EmbedInfo, error) {
	info := &EmbedInfo{Dim: s.dim, ByStatus: map[string]int64{}}

	type statusRow struct {
		EmbedStatus string
		Count       int64
	}
	var rows []statusRow
	err := s.tenantScope(s.db.WithContext(ctx).Model(&nodeRecord{})).
		Select("embed_status, count(*) AS count").
		Where("deleted_at IS NULL").
		Group("embed_status").
		Scan(&rows).Error
	if err != nil {
		return nil, classify("embed info", err)
	}
	for _, r := range rows {
		info.ByStatus[r.EmbedStatus] = r.Count
		info.Total += r.Count
	}

	err = s.tenantScope(s.db.WithContext(ctx).Model(&nodeRecord{})).
		Where("deleted_at IS NULL AND embedding IS NOT NULL").
		Count(&info.WithEmbed).Error
	if err != nil {
		return nil, classify("embed info", err)
	}
	info.WithoutEmbed = info.Total - info.WithEmbed
	return info, nil
}

// ClassCoverage reports, per class tag, how many live nodes exist and
// how many of them carry an embedding.
type ClassCoverage struct {
	Class    string `json:"class"`
	Total    int64  `json:"total"`
	Embedded int64  `json:"embedded"`
}

// GetClassCoverage computes embedding coverage per class tag.
func (s *Store) GetClassCoverage(ctx context.Context) ([]ClassCoverage, error) {
	query := `
		SELECT c.class AS class,
		       count(*) AS total,
		       count(*) FILTER (WHERE n.embedding IS NOT NULL) AS embedded
		FROM nodes n, jsonb_array_elements_text(n.classes) AS c(class)
		WHERE n.deleted_at IS NULL`
	if s.bound {
		query += ` AND (n.tenant_id = current_setting('app.tenant_id', true) OR n.tenant_id IS NULL)`
	}
	query += ` GROUP BY c.class ORDER BY total DESC`

	var out []ClassCoverage
	if err := s.db.WithContext(ctx).Raw(query).Scan(&out).Error; err != nil {
		return nil, classify("class coverage", err)
	}
	return out, nil
}

// DriftBucket is one bar of the drift histogram.
type DriftBucket struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int64   `json:"count"`
}

// GetDriftHistogram buckets live nodes' drift scores into n equal
// bins over [0,1].
func (s *Store) GetDriftHistogram(ctx context.Context, buckets int) ([]DriftBucket, error) {
	if buckets <= 0 || buckets > 100 {
		buckets = 10
	}

	var scores []float64
	err := s.tenantScope(s.db.WithContext(ctx).Model(&nodeRecord{})).
		Where("deleted_at IS NULL AND drift_score IS NOT NULL").
		Pluck("drift_score", &scores).Error
	if err != nil {
		return nil, classify("drift histogram", err)
	}

	out := make([]DriftBucket, buckets)
	width := 1.0 / float64(buckets)
	for i := range out {
		out[i] = DriftBucket{Low: float64(i) * width, High: float64(i+1) * width}
	}
	for _, score := range scores {
		idx := int(score / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		out[idx].Count++
	}
	return out, nil
}

// CountNodes returns the number of live nodes under the binding.
func (s *Store) CountNodes(ctx context.Context) (int64, error) {
	var count int64
	err := s.tenantScope(s.db.WithContext(ctx).Model(&nodeRecord{})).
		Where("deleted_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, classify("count nodes", err)
	}
	return count, nil
}
