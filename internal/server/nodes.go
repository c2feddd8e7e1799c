package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

// nodeRequest is the create/update body. A tenant_id here is never
// honoured; it only feeds spoof detection.
type nodeRequest struct {
	TenantID      string                 `json:"tenant_id,omitempty"`
	Classes       []string               `json:"classes,omitempty"`
	Props         models.Document        `json:"props,omitempty"`
	PayloadRef    *string                `json:"payload_ref,omitempty"`
	RefreshPolicy *models.RefreshPolicy  `json:"refresh_policy,omitempty"`
	Triggers      models.TriggerBindings `json:"triggers,omitempty"`

	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	MetadataOnly    bool   `json:"metadata_only,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if len(req.Props) == 0 && req.PayloadRef == nil {
		s.writeError(w, r, validationf("props or payload_ref is required"))
		return
	}

	id := s.identity(r)
	node := models.NewNode(&id.TenantID, req.Classes, req.Props)
	node.PayloadRef = req.PayloadRef
	node.RefreshPolicy = req.RefreshPolicy
	node.Triggers = req.Triggers

	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return ts.CreateNode(r.Context(), node)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.cfg.AutoEmbedOnCreate && node.EmbedInput() != "" {
		if err := s.scheduler.RefreshNode(r.Context(), node); err != nil {
			// The node exists; embedding retries on the next cycle.
			s.logger.Warn().Err(err).Str("node", node.ID).Msg("inline embed failed")
		}
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")

	var node *models.Node
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		node, err = ts.GetNode(r.Context(), nodeID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	s.rejectForeignTenant(r, "")
	q := r.URL.Query()

	opts := store.ListNodesOptions{
		Limit:  queryInt(q.Get("limit"), 100),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if classes := q.Get("classes"); classes != "" {
		opts.Classes = strings.Split(classes, ",")
	}

	var nodes []*models.Node
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		nodes, err = ts.ListNodes(r.Context(), opts)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)

	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")

	params := store.UpdateNodeParams{
		PayloadRef:      req.PayloadRef,
		RefreshPolicy:   req.RefreshPolicy,
		ExpectedVersion: req.ExpectedVersion,
		MetadataOnly:    req.MetadataOnly,
	}
	if req.Classes != nil {
		params.Classes = &req.Classes
	}
	if req.Props != nil {
		params.Props = &req.Props
	}
	if req.Triggers != nil {
		params.Triggers = &req.Triggers
	}

	var node *models.Node
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		node, err = ts.UpdateNode(r.Context(), nodeID, params)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"

	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		if hard {
			return ts.HardDeleteNode(r.Context(), nodeID)
		}
		return ts.SoftDeleteNode(r.Context(), nodeID, s.cfg.PurgeGrace)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": nodeID, "hard": hard})
}

func (s *Server) handleRefreshNode(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")

	// Authorize under the tenant seal before touching the embedding.
	var node *models.Node
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		node, err = ts.GetNode(r.Context(), nodeID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.scheduler.RefreshNode(r.Context(), node); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refreshed": nodeID})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")
	limit := queryInt(r.URL.Query().Get("limit"), 50)

	var versions []*models.NodeVersion
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		if _, err := ts.GetNode(r.Context(), nodeID); err != nil {
			return err
		}
		var err error
		versions, err = ts.ListVersions(r.Context(), nodeID, limit)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) handleListNodeEvents(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")
	q := r.URL.Query()

	var events []*models.Event
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		events, err = ts.ListEvents(r.Context(), store.ListEventsOptions{
			NodeID: nodeID,
			Kind:   models.EventKind(q.Get("kind")),
			Limit:  queryInt(q.Get("limit"), 100),
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type edgeRequest struct {
	TenantID string          `json:"tenant_id,omitempty"`
	SrcID    string          `json:"src_id"`
	DstID    string          `json:"dst_id"`
	Relation string          `json:"relation"`
	Props    models.Document `json:"props,omitempty"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.SrcID == "" || req.DstID == "" || req.Relation == "" {
		s.writeError(w, r, validationf("src_id, dst_id and relation are required"))
		return
	}

	id := s.identity(r)
	edge := models.NewEdge(req.SrcID, req.Relation, req.DstID, req.Props)
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return ts.CreateEdge(r.Context(), edge)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	edgeID := chi.URLParam(r, "id")

	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return ts.DeleteEdge(r.Context(), edgeID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": edgeID})
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	nodeID := chi.URLParam(r, "id")
	q := r.URL.Query()
	depth := queryInt(q.Get("depth"), 3)
	maxNodes := queryInt(q.Get("max_nodes"), 100)

	var lineage []*store.LineageNode
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		lineage, err = ts.Lineage(r.Context(), nodeID, depth, maxNodes)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"root": nodeID, "lineage": lineage})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
