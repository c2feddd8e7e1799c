// Package similarity provides vector similarity helpers shared by the
// retrieval, trigger and scheduler components.
package similarity

import "math"

// Cosine returns the cosine similarity of two vectors, 0 when either
// is empty or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Drift is the refresh drift contract: 1 − cosine, clamped to [0,1].
// A node with no previous embedding has drift 0 by definition.
func Drift(prev, next []float32) float64 {
	if len(prev) == 0 {
		return 0
	}
	d := 1 - Cosine(prev, next)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
