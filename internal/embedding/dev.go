package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"strings"
)

// DevBackend produces deterministic unit vectors derived from the
// input text. Identical texts always embed identically, and texts
// sharing tokens land near each other, which is enough structure for
// development and tests without a model runtime.
type DevBackend struct {
	dim int
}

// NewDevBackend creates the deterministic dev backend.
func NewDevBackend(dim int) *DevBackend {
	return &DevBackend{dim: dim}
}

// Name implements Backend.
func (d *DevBackend) Name() string { return "dev" }

// Embed implements Backend.
func (d *DevBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = d.embedOne(text)
	}
	return out, nil
}

// embedOne sums seeded token vectors and normalises. The token sum
// makes related texts somewhat similar instead of orthogonal.
func (d *DevBackend) embedOne(text string) []float32 {
	vec := make([]float64, d.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}

	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		seed := int64(binary.BigEndian.Uint64(sum[:8]))
		rng := rand.New(rand.NewSource(seed))
		for j := range vec {
			vec[j] += rng.NormFloat64()
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}

	out := make([]float32, d.dim)
	for j, v := range vec {
		out[j] = float32(v / norm)
	}
	return out
}
