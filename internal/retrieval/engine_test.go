package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/pkg/models"
)

func node(id, text string) *models.Node {
	return &models.Node{ID: id, Props: models.Document{"text": text}}
}

func result(id string, score float64) models.SearchResult {
	return models.SearchResult{Node: node(id, "doc "+id), Score: score, ScoreType: models.ScoreVectorCosine}
}

func TestRRFFuseOverlapSums(t *testing.T) {
	vector := []models.SearchResult{result("a", 0.9), result("b", 0.8)}
	lexical := []models.SearchResult{result("b", 3.0), result("c", 2.0)}

	fused := rrfFuse(vector, lexical, 60)
	require.Len(t, fused, 3)

	// b appears in both lists: 1/(60+2) + 1/(60+1).
	assert.Equal(t, "b", fused[0].Node.ID)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].Score, 1e-12)
	// a ranks above c: same rank contribution, higher vector evidence.
	assert.Equal(t, "a", fused[1].Node.ID)
	assert.InDelta(t, 1.0/61, fused[1].Score, 1e-12)
	assert.Equal(t, "c", fused[2].Node.ID)

	for _, f := range fused {
		assert.Equal(t, models.ScoreRRFFused, f.ScoreType)
	}
}

func TestRRFFuseDeterministicTieBreak(t *testing.T) {
	// Same ranks in a single list each: identical RRF mass, no vector
	// evidence for either, so ids decide.
	lexical := []models.SearchResult{result("z", 1.0)}
	vector := []models.SearchResult{result("m", 0.5)}

	first := rrfFuse(vector, lexical, 60)
	require.Len(t, first, 2)
	assert.Equal(t, "m", first[0].Node.ID) // vector evidence wins the tie

	for i := 0; i < 10; i++ {
		again := rrfFuse(vector, lexical, 60)
		for j := range first {
			assert.Equal(t, first[j].Node.ID, again[j].Node.ID)
		}
	}
}

func TestRRFFuseDefaultK(t *testing.T) {
	fused := rrfFuse([]models.SearchResult{result("a", 0.9)}, nil, 0)
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
}

func TestWeightedScore(t *testing.T) {
	assert.InDelta(t, 1.0, weightedScore(1, 0, 0), 1e-12)
	assert.InDelta(t, math.Exp(-0.0054), weightedScore(1, 0.54, 0), 1e-9)
	assert.InDelta(t, 0.8*math.Exp(-0.1)*0.97, weightedScore(0.8, 10, 0.3), 1e-9)

	// Clamping keeps the result in range for dirty inputs.
	assert.Equal(t, weightedScore(0.5, 0, 0), weightedScore(0.5, -3, -1))
	assert.InDelta(t, 0.5*0.9, weightedScore(0.5, 0, 5), 1e-12)

	for _, sim := range []float64{0, 0.25, 0.5, 1} {
		for _, age := range []float64{0, 1, 365, 10000} {
			for _, drift := range []float64{0, 0.5, 1} {
				got := weightedScore(sim, age, drift)
				assert.GreaterOrEqual(t, got, 0.0)
				assert.LessOrEqual(t, got, 1.0)
			}
		}
	}
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, sigmoid(0), 1e-12)
	assert.Greater(t, sigmoid(2), sigmoid(1))
	assert.Less(t, sigmoid(-2), sigmoid(-1))
}

type fakeReranker struct {
	logits []float64
	err    error
	calls  int
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.logits[:len(docs)], nil
}

func rerankEngine(r Reranker) *Engine {
	return NewEngine(nil, r, Config{RerankSkipTopSim: 0.80, RerankCandidates: 50}, zerolog.Nop())
}

func rerankResponse() *Response {
	return &Response{
		Results:       []models.SearchResult{result("a", 0.030), result("b", 0.029), result("c", 0.028)},
		TopSimilarity: 0.40,
	}
}

func TestMaybeRerankReordersOnly(t *testing.T) {
	fake := &fakeReranker{logits: []float64{-1, 2, 0.5}}
	e := rerankEngine(fake)

	resp := rerankResponse()
	e.maybeRerank(context.Background(), "q", resp, Options{UseReranker: true})

	require.True(t, resp.RerankApplied)
	assert.Equal(t, 3, resp.RerankCandidates)
	assert.Equal(t, []string{"b", "c", "a"}, []string{
		resp.Results[0].Node.ID, resp.Results[1].Node.ID, resp.Results[2].Node.ID,
	})
	// Hybrid scores ride along untouched; only the probability is added.
	assert.InDelta(t, 0.029, resp.Results[0].Score, 1e-12)
	require.NotNil(t, resp.Results[0].RerankProb)
	assert.InDelta(t, sigmoid(2), *resp.Results[0].RerankProb, 1e-12)
}

func TestMaybeRerankSkips(t *testing.T) {
	tests := []struct {
		name string
		prep func(*Response, *Options)
	}{
		{"disabled", func(r *Response, o *Options) { o.UseReranker = false }},
		{"structured intent", func(r *Response, o *Options) { o.StructuredIntent = true }},
		{"confident top similarity", func(r *Response, o *Options) { r.TopSimilarity = 0.85 }},
		{"tiny candidate set", func(r *Response, o *Options) { r.Results = r.Results[:2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeReranker{logits: []float64{3, 2, 1}}
			e := rerankEngine(fake)
			resp := rerankResponse()
			opts := Options{UseReranker: true}
			tt.prep(resp, &opts)

			e.maybeRerank(context.Background(), "q", resp, opts)
			assert.False(t, resp.RerankApplied)
			assert.Zero(t, fake.calls)
		})
	}
}

func TestMaybeRerankFailureKeepsOrder(t *testing.T) {
	fake := &fakeReranker{err: errors.New("model unavailable")}
	e := rerankEngine(fake)

	resp := rerankResponse()
	e.maybeRerank(context.Background(), "q", resp, Options{UseReranker: true})

	assert.False(t, resp.RerankApplied)
	assert.Equal(t, "a", resp.Results[0].Node.ID)
	assert.Equal(t, 1, fake.calls)
}

func TestFinishFiltersAndTruncates(t *testing.T) {
	e := NewEngine(nil, nil, Config{}, zerolog.Nop())

	resp := &Response{Results: []models.SearchResult{
		result("a", 0.9), result("b", 0.5), result("c", 0.4), result("d", 0.1),
	}}
	out := e.finish(resp, 0.3, 2)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "a", out.Results[0].Node.ID)
	assert.Equal(t, "b", out.Results[1].Node.ID)

	// No filter: plain truncation.
	resp = &Response{Results: []models.SearchResult{result("a", 0.9), result("b", 0.5)}}
	out = e.finish(resp, 0, 1)
	require.Len(t, out.Results, 1)
}

func TestOperatorName(t *testing.T) {
	assert.Equal(t, "<=>", operatorName(models.MetricCosine))
	assert.Equal(t, "<->", operatorName(models.MetricL2))
	assert.Equal(t, "<#>", operatorName(models.MetricIP))
}
