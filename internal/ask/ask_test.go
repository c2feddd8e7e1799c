package ask

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/pkg/models"
)

func TestCacheKeyNormalization(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)

	a := &Answer{Answer: "grounded", Confidence: 0.8}
	c.Put("acme", "What   does the CANDIDATE know?", 10, a)

	assert.Equal(t, a, c.Get("acme", "what does the candidate know?", 10),
		"case and whitespace variants share an entry")
	assert.Nil(t, c.Get("acme", "what does the candidate know?", 5), "k is part of the key")
	assert.Nil(t, c.Get("other", "what does the candidate know?", 10), "tenants are partitioned")
}

func TestCacheSkipsBailouts(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)

	c.Put("acme", "unknown topic", 10, &Answer{Answer: bailoutAnswer, Bailout: true})
	assert.Nil(t, c.Get("acme", "unknown topic", 10))
}

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	cache, err := NewCache(8)
	require.NoError(t, err)
	return New(nil, nil, cache, metrics, Config{
		SimThreshold: 0.20,
		MaxSnippets:  2,
		SnippetLen:   50,
		RouterTopSim: 0.60,
	}, zerolog.Nop())
}

func resultNode(id, title, text string) models.SearchResult {
	return models.SearchResult{
		Node: &models.Node{
			ID:      id,
			Classes: models.StringArray{"person"},
			Props:   models.Document{"title": title, "text": text},
		},
	}
}

func TestAssembleBuildsNumberedPromptAndCitations(t *testing.T) {
	o := testOrchestrator(t)

	r1 := resultNode("n1", "Ada", "Built compilers.")
	r1.Score = 0.9
	r2 := resultNode("n2", "Grace", "Wrote the first linker.")
	r2.Score = 0.5
	r3 := resultNode("n3", "Extra", "Should be cut by max snippets.")
	r3.Score = 0.3

	g := &grounding{results: []models.SearchResult{r1, r2, r3}}
	o.assemble(g, "who built compilers?")

	require.Len(t, g.citations, 2, "max snippets caps the context")
	assert.Equal(t, "n1", g.citations[0].NodeID)
	assert.Equal(t, 1, g.citations[0].Index)
	assert.Equal(t, 0.9, g.citations[0].Similarity)
	assert.Contains(t, g.prompt, "[1] Ada\nBuilt compilers.")
	assert.Contains(t, g.prompt, "[2] Grace")
	assert.NotContains(t, g.prompt, "Extra")
	assert.Contains(t, g.prompt, "Question: who built compilers?")
}

func TestAssembleTruncatesSnippets(t *testing.T) {
	o := testOrchestrator(t)
	long := strings.Repeat("x", 500)

	r := resultNode("n1", "Doc", long)
	g := &grounding{results: []models.SearchResult{r}}
	o.assemble(g, "q")

	for _, line := range strings.Split(g.prompt, "\n") {
		assert.LessOrEqual(t, len(line), 60, "snippet lines bounded by snippet length")
	}
}

func TestExtractiveAnswerCitesTopResult(t *testing.T) {
	o := testOrchestrator(t)

	r := resultNode("n1", "Ada", "Built compilers.")
	g := &grounding{results: []models.SearchResult{r}}
	assert.Equal(t, "Ada\nBuilt compilers. [1]", o.extractive(g))

	assert.Equal(t, bailoutAnswer, o.extractive(&grounding{}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.2))
	assert.Equal(t, 1.0, clamp01(1.7))
	assert.Equal(t, 0.42, clamp01(0.42))
}

func TestRouteUsesHybridScore(t *testing.T) {
	o := testOrchestrator(t)

	assert.Equal(t, "fast", o.route(0.60))
	assert.Equal(t, "fast", o.route(0.95))
	assert.Equal(t, "fallback", o.route(0.59))
	assert.Equal(t, "fallback", o.route(0))
}

func TestAnswerMetadataAndConfidence(t *testing.T) {
	o := testOrchestrator(t)
	o.cfg.UseReranker = true

	g := &grounding{
		topSim:           0.91,
		topHybrid:        0.72,
		rerankCandidates: 3,
		routing:          "fast",
	}
	a := o.answerFrom(g, "grounded text")

	assert.Equal(t, 0.72, a.Confidence, "confidence comes from the hybrid score, not vector similarity")
	assert.Equal(t, 0.91, a.Metadata.TopSimilarity)
	assert.Equal(t, 0.72, a.Metadata.TopHybrid)
	assert.True(t, a.Metadata.RerankEnabled)
	assert.Equal(t, 3, a.Metadata.RerankCandidates)
	assert.Equal(t, "fast", a.Metadata.RoutingReason)
}

func TestBailoutAnswer(t *testing.T) {
	o := testOrchestrator(t)

	a := o.bailout(&grounding{topSim: 0.1, degraded: true})

	assert.True(t, a.Bailout)
	assert.True(t, a.Degraded)
	assert.Equal(t, bailoutAnswer, a.Answer)
	assert.Equal(t, bailoutConfidence, a.Confidence)
	assert.Empty(t, a.Citations)
	assert.Equal(t, "bailout", a.Metadata.RoutingReason)
}
