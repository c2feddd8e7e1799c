package retrieval

import (
	"math"
	"sort"

	"github.com/activegraph/activegraph/pkg/models"
)

// rrfFuse merges two ranked lists by Reciprocal Rank Fusion:
// score = Σ 1/(k + rank) over the lists a candidate appears in.
// Ties break by vector score, then node id, so identical inputs
// always yield identical output order.
func rrfFuse(vector, lexical []models.SearchResult, k int) []models.SearchResult {
	if k <= 0 {
		k = 60
	}

	type fused struct {
		node        *models.Node
		rrf         float64
		vectorScore float64
		hasVector   bool
	}
	byID := make(map[string]*fused)

	for rank, res := range vector {
		byID[res.Node.ID] = &fused{
			node:        res.Node,
			rrf:         1.0 / float64(k+rank+1),
			vectorScore: res.Score,
			hasVector:   true,
		}
	}
	for rank, res := range lexical {
		if f, ok := byID[res.Node.ID]; ok {
			f.rrf += 1.0 / float64(k+rank+1)
			continue
		}
		byID[res.Node.ID] = &fused{
			node: res.Node,
			rrf:  1.0 / float64(k+rank+1),
		}
	}

	out := make([]models.SearchResult, 0, len(byID))
	for _, f := range byID {
		out = append(out, models.SearchResult{
			Node:      f.node,
			Score:     f.rrf,
			ScoreType: models.ScoreRRFFused,
		})
	}

	vectorScore := func(id string) float64 {
		if f, ok := byID[id]; ok && f.hasVector {
			return f.vectorScore
		}
		return math.Inf(-1)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		vi, vj := vectorScore(out[i].Node.ID), vectorScore(out[j].Node.ID)
		if vi != vj {
			return vi > vj
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// weightedScore applies the freshness decay and drift penalty:
//
//	score = sim · exp(−0.01 · age_days) · (1 − 0.1 · drift)
//
// For sim ∈ [0,1], age ≥ 0 and drift ∈ [0,1] the result stays in [0,1].
func weightedScore(sim, ageDays, drift float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	if drift < 0 {
		drift = 0
	} else if drift > 1 {
		drift = 1
	}
	return sim * math.Exp(-0.01*ageDays) * (1 - 0.1*drift)
}

// sigmoid squashes a rerank logit into a probability for reporting.
// Never used for thresholding.
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
