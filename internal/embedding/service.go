// Package embedding provides text-to-vector generation behind a
// pluggable backend interface.
package embedding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Backend turns a batch of texts into fixed-dimension vectors,
// preserving order. Implementations: remote HTTP model servers and
// the deterministic dev backend.
type Backend interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is the per-item outcome of a batch: exactly one of Vector or
// Err is set. Partial failure of a batch never hides the successes.
type Result struct {
	Vector []float32
	Err    error
}

// Service wraps a backend with batching and dimension checks.
type Service struct {
	backend   Backend
	dim       int
	batchSize int
	logger    zerolog.Logger
}

// NewService creates an embedding service over the given backend.
func NewService(backend Backend, dim int, logger zerolog.Logger) *Service {
	return &Service{
		backend:   backend,
		dim:       dim,
		batchSize: 32,
		logger:    logger.With().Str("component", "embedding").Logger(),
	}
}

// Dim returns the configured embedding dimension.
func (s *Service) Dim() int {
	return s.dim
}

// BackendName returns the active backend's name.
func (s *Service) BackendName() string {
	return s.backend.Name()
}

// EmbedBatch embeds texts in sub-batches, returning one Result per
// input in order. A failing sub-batch marks only its own items so the
// caller can fail individual nodes without aborting the run.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))

	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := s.backend.Embed(ctx, batch)
		if err != nil {
			s.logger.Warn().Err(err).Int("batch", len(batch)).Msg("embed batch failed")
			for i := start; i < end; i++ {
				results[i] = Result{Err: fmt.Errorf("embed: %w", err)}
			}
			continue
		}
		if len(vectors) != len(batch) {
			for i := start; i < end; i++ {
				results[i] = Result{Err: fmt.Errorf("embed: backend returned %d vectors for %d texts", len(vectors), len(batch))}
			}
			continue
		}

		for i, vec := range vectors {
			if len(vec) != s.dim {
				results[start+i] = Result{Err: fmt.Errorf("embed: dimension %d, want %d", len(vec), s.dim)}
				continue
			}
			results[start+i] = Result{Vector: vec}
		}
	}
	return results
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	results := s.EmbedBatch(ctx, []string{text})
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Vector, nil
}
