package server

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// adminRefreshRequest accepts either a raw JSON list of node ids or an
// object with a node_ids field.
type adminRefreshRequest struct {
	NodeIDs []string `json:"node_ids"`
}

func (r *adminRefreshRequest) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err == nil {
		r.NodeIDs = raw
		return nil
	}
	type plain adminRefreshRequest
	return json.Unmarshal(data, (*plain)(r))
}

func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	var req adminRefreshRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.NodeIDs) == 0 {
		s.writeError(w, r, validationf("node_ids is required"))
		return
	}

	id := s.identity(r)
	refreshed := make([]string, 0, len(req.NodeIDs))
	failed := map[string]string{}

	for _, nodeID := range req.NodeIDs {
		var node *models.Node
		err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
			var err error
			node, err = ts.GetNode(r.Context(), nodeID)
			return err
		})
		if err == nil {
			err = s.scheduler.RefreshNode(r.Context(), node)
		}
		if err != nil {
			failed[nodeID] = err.Error()
			continue
		}
		refreshed = append(refreshed, nodeID)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": refreshed,
		"failed":    failed,
	})
}

type adminIndexRequest struct {
	Action string   `json:"action"` // list, ensure, rebuild, drop
	Types  []string `json:"types,omitempty"`
	Metric string   `json:"metric,omitempty"`
}

func (s *Server) handleAdminIndexes(w http.ResponseWriter, r *http.Request) {
	var req adminIndexRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	metric := models.Metric(req.Metric)
	switch metric {
	case "":
		metric = models.Metric(s.cfg.SearchDistance)
	case models.MetricCosine, models.MetricL2, models.MetricIP:
	default:
		s.writeError(w, r, validationf("unknown metric %q", req.Metric))
		return
	}
	kinds := req.Types
	if len(kinds) == 0 {
		kinds = s.cfg.ANNIndexes
	}
	params := store.IndexParams{
		HNSWM:              s.cfg.HNSWM,
		HNSWEfConstruction: s.cfg.HNSWEfConstruction,
		IVFFlatLists:       s.cfg.IVFFlatLists,
	}

	switch req.Action {
	case "list", "":
		infos, err := s.store.ListIndexes(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"indexes": infos})
		return
	case "ensure", "rebuild", "drop":
	default:
		s.writeError(w, r, validationf("unknown action %q", req.Action))
		return
	}

	done := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		var err error
		switch req.Action {
		case "ensure":
			err = s.store.EnsureIndex(r.Context(), kind, metric, params)
		case "rebuild":
			err = s.store.RebuildIndex(r.Context(), kind, metric, params)
		case "drop":
			err = s.store.DropIndex(r.Context(), kind, metric)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		done = append(done, kind)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"action": req.Action,
		"types":  done,
		"metric": string(metric),
	})
}

func (s *Server) handleEmbedInfo(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	var info *store.EmbedInfo
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		info, err = ts.GetEmbedInfo(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleClassCoverage(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	var coverage []store.ClassCoverage
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		coverage, err = ts.GetClassCoverage(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"classes": coverage})
}

func (s *Server) handleDriftHistogram(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	buckets := queryInt(r.URL.Query().Get("buckets"), 10)

	var hist []store.DriftBucket
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		hist, err = ts.GetDriftHistogram(r.Context(), buckets)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": hist})
}

// handleMetricsSummary reports a cheap operational snapshot without a
// metrics backend: node counts, embedding state and index inventory.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)

	var info *store.EmbedInfo
	var count int64
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		if info, err = ts.GetEmbedInfo(r.Context()); err != nil {
			return err
		}
		count, err = ts.CountNodes(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	indexes, err := s.store.ListIndexes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":           count,
		"embedding":       info,
		"indexes":         indexes,
		"embedding_model": s.cfg.EmbeddingModel,
		"backend":         s.embed.BackendName(),
	})
}

type upliftRequest struct {
	Values struct {
		Hybrid   *float64 `json:"hybrid,omitempty"`
		Weighted *float64 `json:"weighted,omitempty"`
	} `json:"values"`
}

// handleRetrievalUplift records operator-measured uplift figures from
// an offline relevance evaluation, one gauge per mode present.
func (s *Server) handleRetrievalUplift(w http.ResponseWriter, r *http.Request) {
	var req upliftRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Values.Hybrid == nil && req.Values.Weighted == nil {
		s.writeError(w, r, validationf("values must name hybrid or weighted"))
		return
	}

	set := map[string]float64{}
	if v := req.Values.Hybrid; v != nil {
		s.metrics.RetrievalUplift(r.Context(), "hybrid", *v)
		set["hybrid"] = *v
	}
	if v := req.Values.Weighted; v != nil {
		s.metrics.RetrievalUplift(r.Context(), "weighted", *v)
		set["weighted"] = *v
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"values": set})
}
