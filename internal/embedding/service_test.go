package embedding

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevBackendDeterministic(t *testing.T) {
	backend := NewDevBackend(64)

	a, err := backend.Embed(context.Background(), []string{"alpha beta"})
	require.NoError(t, err)
	b, err := backend.Embed(context.Background(), []string{"alpha beta"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])

	c, err := backend.Embed(context.Background(), []string{"gamma delta"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], c[0])
}

func TestDevBackendUnitNorm(t *testing.T) {
	backend := NewDevBackend(128)
	vecs, err := backend.Embed(context.Background(), []string{"some text", "", "one"})
	require.NoError(t, err)

	for _, vec := range vecs {
		require.Len(t, vec, 128)
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	}
}

func TestDevBackendSharedTokensCorrelate(t *testing.T) {
	backend := NewDevBackend(256)
	vecs, err := backend.Embed(context.Background(), []string{
		"postgres vector index",
		"postgres vector search",
		"completely unrelated sentence here",
	})
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}
	assert.Greater(t, dot(vecs[0], vecs[1]), dot(vecs[0], vecs[2]))
}

type flakyBackend struct {
	dim   int
	fails map[int]bool // sub-batch index -> fail
	calls int
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	call := f.calls
	f.calls++
	if f.fails[call] {
		return nil, errors.New("backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func TestEmbedBatchPartialFailure(t *testing.T) {
	backend := &flakyBackend{dim: 8, fails: map[int]bool{1: true}}
	svc := NewService(backend, 8, zerolog.Nop())
	svc.batchSize = 2

	results := svc.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.Len(t, results, 5)

	// First sub-batch fine, second failed, third fine.
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.Error(t, results[3].Err)
	assert.NoError(t, results[4].Err)
	assert.NotNil(t, results[4].Vector)
}

type wrongDimBackend struct{}

func (wrongDimBackend) Name() string { return "wrongdim" }

func (wrongDimBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 3)
	}
	return out, nil
}

func TestEmbedBatchDimensionMismatch(t *testing.T) {
	svc := NewService(wrongDimBackend{}, 8, zerolog.Nop())
	results := svc.EmbedBatch(context.Background(), []string{"a"})
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "dimension")
}

func TestEmbedOne(t *testing.T) {
	svc := NewService(NewDevBackend(16), 16, zerolog.Nop())
	vec, err := svc.EmbedOne(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
	assert.Equal(t, 16, svc.Dim())
	assert.Equal(t, "dev", svc.BackendName())
}

func TestRemoteBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = []float32{1, 0, 0, 0}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs})
	}))
	defer srv.Close()

	backend := NewRemoteBackend(srv.URL, "test-model", 2*time.Second)
	vecs, err := backend.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[0])
}

func TestRemoteBackendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model crashed"))
	}))
	defer srv.Close()

	backend := NewRemoteBackend(srv.URL, "test-model", 2*time.Second)
	_, err := backend.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
