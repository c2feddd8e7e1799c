package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/pkg/models"
)

type triggerRequest struct {
	TenantID    string  `json:"tenant_id,omitempty"`
	Name        string  `json:"name"`
	ExampleText string  `json:"example_text"`
	Threshold   float64 `json:"threshold,omitempty"`
}

func (s *Server) handleUpsertTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Name == "" || req.ExampleText == "" {
		s.writeError(w, r, validationf("name and example_text are required"))
		return
	}
	if req.Threshold <= 0 || req.Threshold > 1 {
		req.Threshold = 0.85
	}

	vec, err := s.embed.EmbedOne(r.Context(), req.ExampleText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := s.identity(r)
	pattern := &models.Pattern{
		Name:        req.Name,
		ExampleText: req.ExampleText,
		Threshold:   req.Threshold,
		Embedding:   vec,
	}
	err = s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return ts.UpsertPattern(r.Context(), pattern)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pattern)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)

	var patterns []*models.Pattern
	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		var err error
		patterns, err = ts.ListPatterns(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": patterns})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	name := chi.URLParam(r, "name")

	err := s.store.WithTenant(r.Context(), id.TenantID, func(ts *store.Store) error {
		return ts.DeletePattern(r.Context(), name)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}
