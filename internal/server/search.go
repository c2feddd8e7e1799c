package server

import (
	"net/http"
	"time"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/retrieval"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

type searchRequest struct {
	TenantID         string   `json:"tenant_id,omitempty"`
	Query            string   `json:"query"`
	TopK             int      `json:"top_k,omitempty"`
	UseHybrid        bool     `json:"use_hybrid,omitempty"`
	UseWeightedScore bool     `json:"use_weighted_score,omitempty"`
	UseReranker      *bool    `json:"use_reranker,omitempty"`
	MinSimilarity    float64  `json:"min_similarity,omitempty"`
	Classes          []string `json:"classes,omitempty"`
	Metric           string   `json:"metric,omitempty"`
	StructuredIntent bool     `json:"structured_intent,omitempty"`
}

// mode resolves the boolean selectors; use_weighted_score wins when
// both are set.
func (req *searchRequest) mode() retrieval.Mode {
	switch {
	case req.UseWeightedScore:
		return retrieval.ModeWeighted
	case req.UseHybrid:
		return retrieval.ModeHybrid
	default:
		return retrieval.ModeVector
	}
}

func (s *Server) searchOptions(req *searchRequest) (retrieval.Options, error) {
	metric := models.Metric(req.Metric)
	switch metric {
	case "", models.MetricCosine, models.MetricL2, models.MetricIP:
	default:
		return retrieval.Options{}, validationf("unknown metric %q", req.Metric)
	}

	useReranker := s.cfg.AskUseReranker
	if req.UseReranker != nil {
		useReranker = *req.UseReranker
	}
	return retrieval.Options{
		Mode:             req.mode(),
		Metric:           metric,
		UseReranker:      useReranker,
		StructuredIntent: req.StructuredIntent,
		MinScore:         req.MinSimilarity,
		Classes:          req.Classes,
		K:                req.TopK,
	}, nil
}

// searchHit flattens one result for the wire: node identity and props
// at the top level next to the score.
type searchHit struct {
	ID         string             `json:"id"`
	Score      float64            `json:"score"`
	ScoreType  models.ScoreType   `json:"score_type"`
	Classes    models.StringArray `json:"classes,omitempty"`
	Props      models.Document    `json:"props,omitempty"`
	RerankProb *float64           `json:"rerank_prob,omitempty"`
}

type searchResponse struct {
	Query            string      `json:"query"`
	Count            int         `json:"count"`
	Results          []searchHit `json:"results"`
	TopSimilarity    float64     `json:"top_similarity"`
	TopHybrid        float64     `json:"top_similarity_hybrid"`
	RerankApplied    bool        `json:"rerank_applied"`
	Degraded         bool        `json:"degraded,omitempty"`
	FallbackToVector bool        `json:"fallback_to_vector,omitempty"`
}

func wrapSearchResponse(query string, resp *retrieval.Response) *searchResponse {
	out := &searchResponse{
		Query:            query,
		Count:            len(resp.Results),
		Results:          make([]searchHit, 0, len(resp.Results)),
		TopSimilarity:    resp.TopSimilarity,
		TopHybrid:        resp.TopHybrid,
		RerankApplied:    resp.RerankApplied,
		Degraded:         resp.Degraded,
		FallbackToVector: resp.FallbackToVector,
	}
	for _, res := range resp.Results {
		out.Results = append(out.Results, searchHit{
			ID:         res.Node.ID,
			Score:      res.Score,
			ScoreType:  res.ScoreType,
			Classes:    res.Node.Classes,
			Props:      res.Node.Props,
			RerankProb: res.RerankProb,
		})
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Query == "" {
		s.writeError(w, r, validationf("query is required"))
		return
	}
	opts, err := s.searchOptions(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := s.identity(r)
	var resp *retrieval.Response
	err = s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		resp, err = s.engine.Search(r.Context(), ts, req.Query, opts)
		return err
	})

	mode := string(req.mode())
	if err != nil {
		s.metrics.Search(r.Context(), mode, "", observability.ResultError, time.Since(start))
		s.writeError(w, r, err)
		return
	}
	scoreType := ""
	if len(resp.Results) > 0 {
		scoreType = string(resp.Results[0].ScoreType)
	}
	s.metrics.Search(r.Context(), mode, scoreType, observability.ResultOK, time.Since(start))
	writeJSON(w, http.StatusOK, wrapSearchResponse(req.Query, resp))
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Query == "" {
		s.writeError(w, r, validationf("query is required"))
		return
	}
	opts, err := s.searchOptions(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := s.identity(r)
	var explanation *retrieval.Explanation
	err = s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		explanation, err = s.engine.Explain(r.Context(), ts, req.Query, opts)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, explanation)
}

type askRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Question == "" {
		s.writeError(w, r, validationf("question is required"))
		return
	}

	id := s.identity(r)
	var answer interface{}
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		a, err := s.ask.Ask(r.Context(), ts, req.Question, req.K)
		answer = a
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Question == "" {
		s.writeError(w, r, validationf("question is required"))
		return
	}

	id := s.identity(r)
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return s.ask.AskStream(r.Context(), ts, req.Question, req.K, w)
	})
	if err != nil {
		// Headers may be gone already; this only covers setup failures.
		s.writeError(w, r, err)
	}
}
