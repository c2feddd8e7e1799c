package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/connector"
	"github.com/activegraph/activegraph/internal/retrieval"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

func testServer() *Server {
	return &Server{logger: zerolog.Nop()}
}

func errStatus(t *testing.T, err error) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	testServer().writeError(rec, req, err)
	return rec.Code
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"conflict", store.ErrConflict, http.StatusConflict},
		{"dimension", store.ErrDimension, http.StatusUnprocessableEntity},
		{"tenant mismatch", store.ErrTenantMismatch, http.StatusUnprocessableEntity},
		{"queue full", connector.ErrQueueFull, http.StatusServiceUnavailable},
		{"transient", store.ErrTransient, http.StatusServiceUnavailable},
		{"bad request", badRequestf("nope"), http.StatusBadRequest},
		{"validation", validationf("nope"), http.StatusUnprocessableEntity},
		{"unknown", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errStatus(t, tt.err))
		})
	}
}

func TestWriteErrorWebhookRejections(t *testing.T) {
	tests := []struct {
		reason string
		want   int
	}{
		{connector.RejectBadToken, http.StatusUnauthorized},
		{connector.RejectBadSignature, http.StatusForbidden},
		{connector.RejectTopic, http.StatusForbidden},
		{connector.RejectDisabled, http.StatusForbidden},
		{connector.RejectReplay, http.StatusConflict},
		{connector.RejectMalformed, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, errStatus(t, &connector.RejectionError{Reason: tt.reason}))
		})
	}
}

func TestWriteErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	testServer().writeError(rec, req, assert.AnError)

	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestDecode(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	require.NoError(t, decode(req, &out))
	assert.Equal(t, "ok", out.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))
	err := decode(req, &out)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errStatus(t, err))
}

func TestDecodeOversizedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	big := bytes.Repeat([]byte("a"), 100)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(big))
	req.Body = http.MaxBytesReader(rec, req.Body, 10)

	var out map[string]interface{}
	err := decode(req, &out)
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, errStatus(t, err))
}

func TestQueryInt(t *testing.T) {
	assert.Equal(t, 5, queryInt("5", 10))
	assert.Equal(t, 10, queryInt("", 10))
	assert.Equal(t, 10, queryInt("abc", 10))
	assert.Equal(t, -1, queryInt("-1", 10))
}

func TestAdminRefreshRequestShapes(t *testing.T) {
	var req adminRefreshRequest
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &req))
	assert.Equal(t, []string{"a", "b"}, req.NodeIDs)

	req = adminRefreshRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{"node_ids":["c"]}`), &req))
	assert.Equal(t, []string{"c"}, req.NodeIDs)
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeaders(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestSearchRequestSpecShape(t *testing.T) {
	body := `{
		"query": "golang engineers",
		"top_k": 7,
		"use_hybrid": true,
		"use_reranker": false,
		"min_similarity": 0.25,
		"classes": ["person"],
		"metric": "cosine"
	}`
	var req searchRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	srv := &Server{cfg: config.Default(), logger: zerolog.Nop()}
	opts, err := srv.searchOptions(&req)
	require.NoError(t, err)

	assert.Equal(t, retrieval.ModeHybrid, opts.Mode)
	assert.Equal(t, 7, opts.K)
	assert.Equal(t, 0.25, opts.MinScore)
	assert.False(t, opts.UseReranker)
	assert.Equal(t, []string{"person"}, opts.Classes)
	assert.Equal(t, models.MetricCosine, opts.Metric)
}

func TestSearchModeSelectors(t *testing.T) {
	assert.Equal(t, retrieval.ModeVector, (&searchRequest{}).mode())
	assert.Equal(t, retrieval.ModeHybrid, (&searchRequest{UseHybrid: true}).mode())
	assert.Equal(t, retrieval.ModeWeighted, (&searchRequest{UseWeightedScore: true}).mode())
	assert.Equal(t, retrieval.ModeWeighted,
		(&searchRequest{UseHybrid: true, UseWeightedScore: true}).mode())
}

func TestWrapSearchResponse(t *testing.T) {
	prob := 0.8
	resp := &retrieval.Response{
		Results: []models.SearchResult{
			{
				Node: &models.Node{
					ID:      "n1",
					Classes: models.StringArray{"person"},
					Props:   models.Document{"title": "Ada"},
				},
				Score:      0.031,
				ScoreType:  models.ScoreRRFFused,
				RerankProb: &prob,
			},
		},
		TopSimilarity: 0.82,
		TopHybrid:     0.031,
		RerankApplied: true,
	}

	out := wrapSearchResponse("golang engineers", resp)
	assert.Equal(t, "golang engineers", out.Query)
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "n1", out.Results[0].ID)
	assert.Equal(t, 0.031, out.Results[0].Score)
	assert.Equal(t, models.ScoreRRFFused, out.Results[0].ScoreType)
	assert.Equal(t, "Ada", out.Results[0].Props.String("title"))
	require.NotNil(t, out.Results[0].RerankProb)
	assert.Equal(t, 0.8, *out.Results[0].RerankProb)
	assert.Equal(t, 0.82, out.TopSimilarity)
	assert.Equal(t, 0.031, out.TopHybrid)
	assert.True(t, out.RerankApplied)
}

func TestUpliftRequestShape(t *testing.T) {
	var req upliftRequest
	require.NoError(t, json.Unmarshal([]byte(`{"values":{"hybrid":0.12}}`), &req))
	require.NotNil(t, req.Values.Hybrid)
	assert.Equal(t, 0.12, *req.Values.Hybrid)
	assert.Nil(t, req.Values.Weighted)
}

func TestRetrievalUpliftRequiresAValue(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_admin/metrics/retrieval_uplift",
		strings.NewReader(`{"values":{}}`))
	testServer().handleRetrievalUplift(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
