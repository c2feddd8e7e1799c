package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/activegraph/activegraph/internal/connector"
	"github.com/activegraph/activegraph/pkg/models"
)

type connectorRequest struct {
	TenantID string          `json:"tenant_id,omitempty"`
	Provider string          `json:"provider"`
	Config   models.Document `json:"config"`
	Enabled  bool            `json:"enabled"`
}

func (s *Server) handleConnectorRegister(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Provider == "" {
		s.writeError(w, r, validationf("provider is required"))
		return
	}

	id := s.identity(r)
	if err := s.configs.Save(r.Context(), id.TenantID, req.Provider, req.Config, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Respond with the sanitized view; secrets never leave the envelope.
	cfg, err := s.configs.Describe(r.Context(), id.TenantID, req.Provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleConnectorDescribe(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	provider := chi.URLParam(r, "provider")

	cfg, err := s.configs.Describe(r.Context(), id.TenantID, provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type connectorActionRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Provider string `json:"provider"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) handleConnectorBackfill(w http.ResponseWriter, r *http.Request) {
	var req connectorActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Provider == "" {
		s.writeError(w, r, validationf("provider is required"))
		return
	}

	id := s.identity(r)
	enqueued, err := s.worker.Backfill(r.Context(), id.TenantID, req.Provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"provider": req.Provider,
		"enqueued": enqueued,
	})
}

func (s *Server) handleConnectorPurgeDeleted(w http.ResponseWriter, r *http.Request) {
	var req connectorActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rejectForeignTenant(r, req.TenantID)
	if req.Provider == "" {
		s.writeError(w, r, validationf("provider is required"))
		return
	}

	id := s.identity(r)
	purged, err := s.worker.PurgeDeleted(r.Context(), id.TenantID, req.Provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": req.Provider,
		"purged":   purged,
	})
}

// handleConnectorRotateKeys re-encrypts every stored config under the
// active KEK version. Rotation sweeps all tenants; per-row failures
// are counted, not fatal.
func (s *Server) handleConnectorRotateKeys(w http.ResponseWriter, r *http.Request) {
	rotated, failed, err := s.configs.RotateKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rotated": rotated,
		"failed":  failed,
	})
}

func (s *Server) handleConnectorReplayDLQ(w http.ResponseWriter, r *http.Request) {
	var req connectorActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Provider == "" {
		s.writeError(w, r, validationf("provider is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	replayed, err := s.queue.ReplayDLQ(r.Context(), req.Provider, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": req.Provider,
		"replayed": replayed,
	})
}

// handleWebhook takes a provider delivery: the signed token names the
// tenant, the HMAC signature proves the sender holds the shared
// secret. Accepted deliveries are queued, not processed inline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, badRequestf("reading body: %v", err))
		return
	}

	token := r.Header.Get("X-Webhook-Token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}

	d := &connector.Delivery{
		Provider:  chi.URLParam(r, "provider"),
		Token:     token,
		Signature: signature,
		ID:        r.Header.Get("X-Delivery-ID"),
		Body:      body,
	}
	if err := s.webhook.Accept(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
