package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Scale invariance.
	assert.InDelta(t, 1.0, Cosine([]float32{2, 2}, []float32{5, 5}), 1e-9)
}

func TestCosineDegenerateInputs(t *testing.T) {
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestDrift(t *testing.T) {
	// Identical embeddings drift nothing.
	assert.Zero(t, Drift([]float32{1, 2, 3}, []float32{1, 2, 3}))

	// No previous embedding drifts nothing by definition.
	assert.Zero(t, Drift(nil, []float32{1, 2, 3}))

	// Orthogonal vectors drift fully.
	assert.InDelta(t, 1.0, Drift([]float32{1, 0}, []float32{0, 1}), 1e-9)

	// Opposed vectors would exceed 1 without the clamp.
	assert.Equal(t, 1.0, Drift([]float32{1, 0}, []float32{-1, 0}))
}
