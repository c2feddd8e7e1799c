// Package retrieval implements the hybrid retrieval engine: vector
// and lexical search, RRF and weighted fusion, and optional
// cross-encoder reranking.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/embedding"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// Mode selects the retrieval path.
type Mode string

const (
	ModeVector   Mode = "vector"
	ModeLexical  Mode = "lexical"
	ModeHybrid   Mode = "hybrid"
	ModeWeighted Mode = "weighted"
)

// Reranker scores (query, doc) pairs with a cross-encoder. The logits
// reorder candidates only; they are never compared against similarity
// thresholds.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Config carries the engine's tuning.
type Config struct {
	Metric           models.Metric
	RRFK             int
	CandidateFactor  int // weighted-mode candidate pool multiplier
	RerankSkipTopSim float64
	RerankCandidates int
	ANNParams        store.ANNParams
}

// Options shape a single search call.
type Options struct {
	Mode             Mode
	Metric           models.Metric
	UseReranker      bool
	StructuredIntent bool
	MinScore         float64
	Classes          []string
	K                int
}

// Response is an ordered result set plus degradation flags.
type Response struct {
	Results          []models.SearchResult `json:"results"`
	TopSimilarity    float64               `json:"top_similarity"`
	TopHybrid        float64               `json:"top_similarity_hybrid"`
	Degraded         bool                  `json:"degraded,omitempty"`
	FallbackToVector bool                  `json:"fallback_to_vector,omitempty"`
	RerankApplied    bool                  `json:"rerank_applied"`
	RerankCandidates int                   `json:"rerank_candidates"`
}

// Engine orchestrates the retrieval paths over a tenant-bound store.
type Engine struct {
	embed    *embedding.Service
	reranker Reranker
	cfg      Config
	logger   zerolog.Logger
}

// NewEngine creates a retrieval engine. reranker may be nil.
func NewEngine(embed *embedding.Service, reranker Reranker, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = 3
	}
	if cfg.RerankCandidates <= 0 {
		cfg.RerankCandidates = 50
	}
	if cfg.Metric == "" {
		cfg.Metric = models.MetricCosine
	}
	return &Engine{
		embed:    embed,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger.With().Str("component", "retrieval").Logger(),
	}
}

// Search runs one retrieval against the given (usually tenant-bound)
// store. Degradations never fail the call: a missing lexical index
// falls back to vector-only, a reranker failure keeps hybrid order.
func (e *Engine) Search(ctx context.Context, st *store.Store, query string, opts Options) (*Response, error) {
	k := opts.K
	if k <= 0 {
		k = 10
	}
	metric := opts.Metric
	if metric == "" {
		metric = e.cfg.Metric
	}
	filter := store.SearchFilter{Classes: opts.Classes}

	switch opts.Mode {
	case ModeLexical:
		results, err := st.LexicalSearch(ctx, query, k, filter)
		if err != nil {
			return nil, err
		}
		return e.finish(&Response{Results: results}, opts.MinScore, k), nil

	case ModeWeighted:
		return e.weighted(ctx, st, query, k, metric, filter, opts)

	case ModeHybrid:
		return e.hybrid(ctx, st, query, k, metric, filter, opts)

	default: // vector
		qvec, err := e.embed.EmbedOne(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		vr, err := st.VectorSearch(ctx, qvec, k, metric, filter, e.cfg.ANNParams)
		if err != nil {
			return nil, err
		}
		resp := &Response{Results: vr.Results, Degraded: vr.Degraded}
		if len(vr.Results) > 0 {
			resp.TopSimilarity = vr.Results[0].Score
		}
		return e.finish(resp, opts.MinScore, k), nil
	}
}

// hybrid merges the vector and lexical rankings with RRF, then
// optionally reranks.
func (e *Engine) hybrid(ctx context.Context, st *store.Store, query string, k int, metric models.Metric, filter store.SearchFilter, opts Options) (*Response, error) {
	qvec, err := e.embed.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	pool := e.cfg.RerankCandidates
	if pool < k {
		pool = k
	}

	vr, err := st.VectorSearch(ctx, qvec, pool, metric, filter, e.cfg.ANNParams)
	if err != nil {
		return nil, err
	}
	resp := &Response{Degraded: vr.Degraded}
	if len(vr.Results) > 0 {
		resp.TopSimilarity = vr.Results[0].Score
	}

	lexical, err := st.LexicalSearch(ctx, query, pool, filter)
	if err != nil {
		if !errors.Is(err, store.ErrLexicalUnavailable) {
			return nil, err
		}
		// Downgrade to vector-only and mark the response.
		resp.FallbackToVector = true
		resp.Results = vr.Results
		if len(resp.Results) > 0 {
			resp.TopHybrid = resp.Results[0].Score
		}
		return e.finish(resp, opts.MinScore, k), nil
	}

	resp.Results = rrfFuse(vr.Results, lexical, e.cfg.RRFK)
	if len(resp.Results) > 0 {
		resp.TopHybrid = resp.Results[0].Score
	}

	e.maybeRerank(ctx, query, resp, opts)
	return e.finish(resp, opts.MinScore, k), nil
}

// weighted pulls a larger vector candidate pool and re-ranks it in
// application space by freshness and drift.
func (e *Engine) weighted(ctx context.Context, st *store.Store, query string, k int, metric models.Metric, filter store.SearchFilter, opts Options) (*Response, error) {
	qvec, err := e.embed.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	pool := k * e.cfg.CandidateFactor
	vr, err := st.VectorSearch(ctx, qvec, pool, metric, filter, e.cfg.ANNParams)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]models.SearchResult, len(vr.Results))
	for i, res := range vr.Results {
		results[i] = models.SearchResult{
			Node:      res.Node,
			Score:     weightedScore(res.Score, res.Node.AgeDays(now), res.Node.Drift()),
			ScoreType: models.ScoreWeightedFusion,
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.ID < results[j].Node.ID
	})

	resp := &Response{Results: results, Degraded: vr.Degraded}
	if len(vr.Results) > 0 {
		resp.TopSimilarity = vr.Results[0].Score
	}
	return e.finish(resp, opts.MinScore, k), nil
}

// maybeRerank reorders the top candidates by cross-encoder logit.
// Skipped for structured intent, for a confident top hybrid score, or
// for tiny candidate sets. The hybrid scores on the results are left
// untouched: rerank reorders, it never re-scores.
func (e *Engine) maybeRerank(ctx context.Context, query string, resp *Response, opts Options) {
	if e.reranker == nil || !opts.UseReranker {
		return
	}
	if opts.StructuredIntent {
		return
	}
	if resp.TopSimilarity >= e.cfg.RerankSkipTopSim {
		return
	}
	if len(resp.Results) < 3 {
		return
	}

	n := e.cfg.RerankCandidates
	if n > len(resp.Results) {
		n = len(resp.Results)
	}
	head := resp.Results[:n]
	docs := make([]string, n)
	for i := range head {
		docs[i] = head[i].Node.EmbedInput()
	}

	logits, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil || len(logits) != n {
		e.logger.Warn().Err(err).Msg("rerank failed, keeping hybrid order")
		return
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return logits[order[a]] > logits[order[b]]
	})

	reordered := make([]models.SearchResult, n)
	for i, idx := range order {
		res := head[idx]
		prob := sigmoid(logits[idx])
		res.RerankProb = &prob
		reordered[i] = res
	}
	copy(resp.Results[:n], reordered)
	resp.RerankApplied = true
	resp.RerankCandidates = n
}

// finish applies the min-score filter and truncates to k.
func (e *Engine) finish(resp *Response, minScore float64, k int) *Response {
	if minScore > 0 {
		kept := resp.Results[:0]
		for _, res := range resp.Results {
			if res.Score >= minScore {
				kept = append(kept, res)
			}
		}
		resp.Results = kept
	}
	if len(resp.Results) > k {
		resp.Results = resp.Results[:k]
	}
	return resp
}

// Explanation reports the configuration a query would run with,
// without returning documents.
type Explanation struct {
	Metric        models.Metric     `json:"metric"`
	Operator      string            `json:"operator"`
	Indexes       []store.IndexInfo `json:"indexes"`
	TopSimilarity float64           `json:"top_similarity"`
	RRFK          int               `json:"rrf_k"`
	RerankSkip    float64           `json:"rerank_skip_topsim"`
}

// Explain describes how a query would execute.
func (e *Engine) Explain(ctx context.Context, st *store.Store, query string, opts Options) (*Explanation, error) {
	metric := opts.Metric
	if metric == "" {
		metric = e.cfg.Metric
	}

	indexes, err := st.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}

	explanation := &Explanation{
		Metric:     metric,
		Operator:   operatorName(metric),
		Indexes:    indexes,
		RRFK:       e.cfg.RRFK,
		RerankSkip: e.cfg.RerankSkipTopSim,
	}

	qvec, err := e.embed.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vr, err := st.VectorSearch(ctx, qvec, 1, metric, store.SearchFilter{Classes: opts.Classes}, e.cfg.ANNParams)
	if err != nil {
		return nil, err
	}
	if len(vr.Results) > 0 {
		explanation.TopSimilarity = vr.Results[0].Score
	}
	return explanation, nil
}

func operatorName(metric models.Metric) string {
	switch metric {
	case models.MetricL2:
		return "<->"
	case models.MetricIP:
		return "<#>"
	default:
		return "<=>"
	}
}
