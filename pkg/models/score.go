package models

// ScoreType identifies which scoring path produced a result's score.
// Dispatch on it only at the API boundary.
type ScoreType string

const (
	ScoreVectorCosine   ScoreType = "vector_cosine"
	ScoreVectorL2       ScoreType = "vector_l2"
	ScoreVectorIP       ScoreType = "vector_ip"
	ScoreLexical        ScoreType = "lexical"
	ScoreRRFFused       ScoreType = "rrf_fused"
	ScoreWeightedFusion ScoreType = "weighted_fusion"
)

// Metric selects the vector distance operator.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "inner_product"
)

// ScoreTypeFor maps a metric to its vector score type.
func ScoreTypeFor(m Metric) ScoreType {
	switch m {
	case MetricL2:
		return ScoreVectorL2
	case MetricIP:
		return ScoreVectorIP
	default:
		return ScoreVectorCosine
	}
}

// SearchResult pairs a node with the score that ranked it.
type SearchResult struct {
	Node       *Node     `json:"node"`
	Score      float64   `json:"score"`
	ScoreType  ScoreType `json:"score_type"`
	RerankProb *float64  `json:"rerank_prob,omitempty"`
}
