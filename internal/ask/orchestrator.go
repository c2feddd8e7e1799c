// Package ask turns retrieval results into grounded, cited answers.
package ask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/retrieval"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// bailoutConfidence is reported when retrieval found nothing the
// question can be grounded on.
const bailoutConfidence = 0.1

// bailoutAnswer is returned verbatim instead of letting a model
// hallucinate over empty context.
const bailoutAnswer = "I don't have enough information in the knowledge graph to answer that."

// LLMClient generates answers from an assembled prompt. Stream sends
// incremental tokens; implementations close the channel when done.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (<-chan string, error)
}

// Citation grounds one answer fragment in a graph node.
type Citation struct {
	NodeID     string   `json:"node_id"`
	Index      int      `json:"index"`
	Title      string   `json:"title,omitempty"`
	Similarity float64  `json:"similarity"`
	Classes    []string `json:"classes,omitempty"`
	Drift      float64  `json:"drift"`
	AgeDays    float64  `json:"age_days"`
}

// Metadata reports how the answer was produced. The routing decision
// and confidence both derive from the top-1 hybrid score.
type Metadata struct {
	TopSimilarity    float64 `json:"top_similarity"`
	TopHybrid        float64 `json:"top_similarity_hybrid"`
	RerankEnabled    bool    `json:"rerank_enabled"`
	RerankCandidates int     `json:"rerank_candidates"`
	RoutingReason    string  `json:"routing_reason"`
}

// Answer is the full ask response.
type Answer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Metadata   Metadata   `json:"metadata"`
	Bailout    bool       `json:"bailout,omitempty"`
	Degraded   bool       `json:"degraded,omitempty"`
	Cached     bool       `json:"cached,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	SimThreshold float64 // hybrid score floor for grounding
	MaxSnippets  int
	SnippetLen   int
	RouterTopSim float64 // fast/fallback routing boundary
	UseReranker  bool
	LLMEnabled   bool
	DefaultK     int
}

// Orchestrator runs the ask flow: retrieve, threshold, assemble,
// generate, cite. Reranking reorders candidates but never gates them;
// only the hybrid score is compared against the grounding threshold.
type Orchestrator struct {
	engine  *retrieval.Engine
	llm     LLMClient
	cache   *Cache
	metrics *observability.Metrics
	cfg     Config
	logger  zerolog.Logger
}

// New creates the orchestrator. llm may be nil: answers degrade to
// extractive snippets.
func New(engine *retrieval.Engine, llm LLMClient, cache *Cache, metrics *observability.Metrics, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = 5
	}
	if cfg.SnippetLen <= 0 {
		cfg.SnippetLen = 800
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 10
	}
	return &Orchestrator{
		engine:  engine,
		llm:     llm,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ask").Logger(),
	}
}

// grounding is the retrieval context an answer is built from.
type grounding struct {
	results          []models.SearchResult
	citations        []Citation
	prompt           string
	topSim           float64 // top-1 vector similarity
	topHybrid        float64 // top-1 hybrid score
	rerankCandidates int
	degraded         bool
	routing          string
}

// metadata is attached to every answer, bailouts included.
func (g *grounding) metadata(rerankEnabled bool) Metadata {
	return Metadata{
		TopSimilarity:    g.topSim,
		TopHybrid:        g.topHybrid,
		RerankEnabled:    rerankEnabled,
		RerankCandidates: g.rerankCandidates,
		RoutingReason:    g.routing,
	}
}

// Ask answers one question against the tenant-bound store.
func (o *Orchestrator) Ask(ctx context.Context, st *store.Store, question string, k int) (*Answer, error) {
	start := time.Now()
	if k <= 0 {
		k = o.cfg.DefaultK
	}
	tenant, _ := st.Tenant()

	if cached := o.cache.Get(tenant, question, k); cached != nil {
		out := *cached
		out.Cached = true
		o.metrics.Ask(ctx, observability.ResultOK, time.Since(start))
		return &out, nil
	}

	g, err := o.retrieve(ctx, st, question, k)
	if err != nil {
		o.metrics.Ask(ctx, observability.ResultError, time.Since(start))
		return nil, err
	}
	if len(g.results) == 0 {
		o.metrics.Ask(ctx, observability.ResultSkipped, time.Since(start))
		return o.bailout(g), nil
	}

	text, err := o.generate(ctx, g, question)
	if err != nil {
		o.metrics.Ask(ctx, observability.ResultError, time.Since(start))
		return nil, err
	}

	answer := o.answerFrom(g, text)
	o.cache.Put(tenant, question, k, answer)
	o.metrics.Ask(ctx, observability.ResultOK, time.Since(start))
	return answer, nil
}

// retrieve runs hybrid search and applies the grounding threshold to
// the hybrid scores.
func (o *Orchestrator) retrieve(ctx context.Context, st *store.Store, question string, k int) (*grounding, error) {
	resp, err := o.engine.Search(ctx, st, question, retrieval.Options{
		Mode:        retrieval.ModeHybrid,
		UseReranker: o.cfg.UseReranker,
		K:           k,
	})
	if err != nil {
		return nil, fmt.Errorf("ask retrieval: %w", err)
	}

	// Grounding cut on the hybrid score. The rerank probability, when
	// present, influenced ordering only.
	threshold := o.cfg.SimThreshold
	kept := resp.Results[:0]
	for _, res := range resp.Results {
		if res.Score >= threshold {
			kept = append(kept, res)
		}
	}

	g := &grounding{
		results:          kept,
		topSim:           resp.TopSimilarity,
		topHybrid:        resp.TopHybrid,
		rerankCandidates: resp.RerankCandidates,
		degraded:         resp.Degraded || resp.FallbackToVector,
	}
	g.routing = o.route(resp.TopHybrid)
	o.assemble(g, question)
	return g, nil
}

// route picks the fast or fallback path from the top-1 hybrid score.
// The decision is reported as metadata only.
func (o *Orchestrator) route(topHybrid float64) string {
	if topHybrid >= o.cfg.RouterTopSim {
		return "fast"
	}
	return "fallback"
}

// bailout is the calibrated no-grounding answer; the LLM is never
// consulted for it.
func (o *Orchestrator) bailout(g *grounding) *Answer {
	g.routing = "bailout"
	return &Answer{
		Answer:     bailoutAnswer,
		Citations:  []Citation{},
		Confidence: bailoutConfidence,
		Metadata:   g.metadata(o.cfg.UseReranker),
		Bailout:    true,
		Degraded:   g.degraded,
	}
}

// answerFrom finalises a grounded answer: confidence comes from the
// top-1 hybrid score.
func (o *Orchestrator) answerFrom(g *grounding, text string) *Answer {
	return &Answer{
		Answer:     text,
		Citations:  g.citations,
		Confidence: clamp01(g.topHybrid),
		Metadata:   g.metadata(o.cfg.UseReranker),
		Degraded:   g.degraded,
	}
}

// assemble builds the prompt and the citation list. Snippet [i] in the
// prompt matches citation index i, so the model can cite by number.
func (o *Orchestrator) assemble(g *grounding, question string) {
	n := len(g.results)
	if n > o.cfg.MaxSnippets {
		n = o.cfg.MaxSnippets
	}

	now := time.Now().UTC()
	var b strings.Builder
	b.WriteString("Answer the question using only the numbered context passages. ")
	b.WriteString("Cite passages as [i]. If the context is insufficient, say so.\n\n")

	g.citations = make([]Citation, 0, n)
	for i := 0; i < n; i++ {
		res := g.results[i]
		snippet := res.Node.EmbedInput()
		if len(snippet) > o.cfg.SnippetLen {
			snippet = snippet[:o.cfg.SnippetLen]
		}
		fmt.Fprintf(&b, "[%d] %s\n", i+1, snippet)
		g.citations = append(g.citations, Citation{
			NodeID:     res.Node.ID,
			Index:      i + 1,
			Title:      res.Node.Title(),
			Similarity: res.Score,
			Classes:    res.Node.Classes,
			Drift:      res.Node.Drift(),
			AgeDays:    res.Node.AgeDays(now),
		})
	}
	fmt.Fprintf(&b, "\nQuestion: %s\nAnswer:", question)
	g.prompt = b.String()
}

// generate produces the answer text: the model when available, the
// top passages verbatim otherwise.
func (o *Orchestrator) generate(ctx context.Context, g *grounding, question string) (string, error) {
	if o.llm == nil || !o.cfg.LLMEnabled {
		return o.extractive(g), nil
	}
	text, err := o.llm.Complete(ctx, g.prompt)
	if err != nil {
		o.logger.Warn().Err(err).Msg("llm failed, falling back to extractive answer")
		return o.extractive(g), nil
	}
	return strings.TrimSpace(text), nil
}

// extractive is the no-model answer: the best passage, cited.
func (o *Orchestrator) extractive(g *grounding) string {
	if len(g.results) == 0 {
		return bailoutAnswer
	}
	snippet := g.results[0].Node.EmbedInput()
	if len(snippet) > o.cfg.SnippetLen {
		snippet = snippet[:o.cfg.SnippetLen]
	}
	return snippet + " [1]"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
