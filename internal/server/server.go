// Package server exposes the HTTP API: graph CRUD, retrieval, ask,
// triggers, connector administration and webhook intake.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/ask"
	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/connector"
	"github.com/activegraph/activegraph/internal/embedding"
	"github.com/activegraph/activegraph/internal/gate"
	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/retrieval"
	"github.com/activegraph/activegraph/internal/scheduler"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/internal/trigger"
	"github.com/activegraph/activegraph/pkg/models"
)

// Server wires the API surface over the engine components.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	embed     *embedding.Service
	engine    *retrieval.Engine
	ask       *ask.Orchestrator
	scheduler *scheduler.Scheduler
	triggers  *trigger.Engine
	configs   *connector.Configs
	worker    *connector.Worker
	queue     *connector.Queue
	webhook   *connector.Webhook
	auth      *gate.Authenticator
	limiter   *gate.Limiter
	conc      *gate.Concurrency
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// Deps carries the constructed components into the server.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Embed     *embedding.Service
	Engine    *retrieval.Engine
	Ask       *ask.Orchestrator
	Scheduler *scheduler.Scheduler
	Triggers  *trigger.Engine
	Configs   *connector.Configs
	Worker    *connector.Worker
	Queue     *connector.Queue
	Webhook   *connector.Webhook
	Auth      *gate.Authenticator
	Limiter   *gate.Limiter
	Conc      *gate.Concurrency
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// New creates the server.
func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		embed:     d.Embed,
		engine:    d.Engine,
		ask:       d.Ask,
		scheduler: d.Scheduler,
		triggers:  d.Triggers,
		configs:   d.Configs,
		worker:    d.Worker,
		queue:     d.Queue,
		webhook:   d.Webhook,
		auth:      d.Auth,
		limiter:   d.Limiter,
		conc:      d.Conc,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("component", "server").Logger(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)
	r.Use(s.limitBody)

	r.Get("/healthz", s.handleHealth)

	// Webhook intake authenticates per-delivery, outside the bearer
	// middleware.
	r.With(s.limiter.Middleware("webhook")).
		Post("/_webhooks/{provider}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.With(s.limiter.Middleware("default")).Route("/nodes", func(r chi.Router) {
			r.Post("/", s.handleCreateNode)
			r.Get("/", s.handleListNodes)
			r.Get("/{id}", s.handleGetNode)
			r.Put("/{id}", s.handleUpdateNode)
			r.Delete("/{id}", s.handleDeleteNode)
			r.Post("/{id}/refresh", s.handleRefreshNode)
			r.Get("/{id}/versions", s.handleListVersions)
			r.Get("/{id}/events", s.handleListNodeEvents)
		})

		r.With(s.limiter.Middleware("default")).Route("/edges", func(r chi.Router) {
			r.Post("/", s.handleCreateEdge)
			r.Delete("/{id}", s.handleDeleteEdge)
		})
		r.With(s.limiter.Middleware("default")).Get("/lineage/{id}", s.handleLineage)

		r.With(s.limiter.Middleware("search")).Post("/search", s.handleSearch)
		r.With(s.limiter.Middleware("search")).Post("/search/explain", s.handleExplain)

		r.With(s.limiter.Middleware("ask"), s.conc.Middleware("ask")).
			Post("/ask", s.handleAsk)
		r.With(s.limiter.Middleware("ask_stream"), s.conc.Middleware("ask_stream")).
			Post("/ask/stream", s.handleAskStream)

		r.With(s.limiter.Middleware("default")).Route("/triggers", func(r chi.Router) {
			r.Post("/", s.handleUpsertTrigger)
			r.Get("/", s.handleListTriggers)
			r.Delete("/{name}", s.handleDeleteTrigger)
		})

		r.With(s.limiter.Middleware("default"), gate.RequireScope("admin", s.metrics)).
			Route("/admin", func(r chi.Router) {
				r.Post("/refresh", s.handleAdminRefresh)
				r.Post("/indexes", s.handleAdminIndexes)
			})

		r.With(s.limiter.Middleware("default"), gate.RequireScope("admin", s.metrics)).
			Route("/_admin", func(r chi.Router) {
				r.Get("/embed_info", s.handleEmbedInfo)
				r.Get("/embed_class_coverage", s.handleClassCoverage)
				r.Get("/drift_histogram", s.handleDriftHistogram)
				r.Get("/metrics_summary", s.handleMetricsSummary)
				r.Post("/metrics/retrieval_uplift", s.handleRetrievalUplift)
				r.Route("/connectors", func(r chi.Router) {
					r.Post("/register", s.handleConnectorRegister)
					r.Post("/update", s.handleConnectorRegister)
					r.Get("/{provider}", s.handleConnectorDescribe)
					r.Post("/backfill", s.handleConnectorBackfill)
					r.Post("/purge_deleted", s.handleConnectorPurgeDeleted)
					r.Post("/rotate_keys", s.handleConnectorRotateKeys)
					r.Post("/replay_dlq", s.handleConnectorReplayDLQ)
				})
			})
	})

	return r
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies; oversized ones surface as 413 at
// decode time.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON renders one JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
}

// writeError maps the store and gate error taxonomy onto HTTP codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	var rejection *connector.RejectionError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &maxBytes):
		status = http.StatusRequestEntityTooLarge
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrDimension), errors.Is(err, store.ErrTenantMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, connector.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrTransient):
		status = http.StatusServiceUnavailable
	case errors.As(err, &rejection):
		switch rejection.Reason {
		case connector.RejectBadToken:
			status = http.StatusUnauthorized
		case connector.RejectBadSignature, connector.RejectTopic, connector.RejectDisabled:
			status = http.StatusForbidden
		case connector.RejectReplay:
			status = http.StatusConflict
		default:
			status = http.StatusBadRequest
		}
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errValidation):
		status = http.StatusUnprocessableEntity
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, apiError{Error: "internal error"})
		return
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

// Request validation sentinels.
var (
	errBadRequest = errors.New("bad request")
	errValidation = errors.New("validation failed")
)

func badRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

// decode parses a JSON body into v.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequestf("invalid JSON: %v", err)
	}
	return nil
}

// identity returns the verified caller; the auth middleware guarantees
// its presence on this route tree.
func (s *Server) identity(r *http.Request) *gate.Identity {
	id, _ := gate.IdentityFrom(r.Context())
	return id
}

// rejectForeignTenant counts a request that tried to name a tenant in
// its body or query. The claim tenant always wins; naming any other
// tenant is an access violation that still proceeds under the caller's
// own tenant.
func (s *Server) rejectForeignTenant(r *http.Request, bodyTenant string) {
	id := s.identity(r)
	for _, named := range []string{bodyTenant, r.URL.Query().Get("tenant_id")} {
		if named != "" && (id == nil || named != id.TenantID) {
			s.metrics.AccessViolation(r.Context(), "cross_tenant_query")
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("named_tenant", named).
				Msg("request named a foreign tenant")
			payload := models.Document{"path": r.URL.Path, "named_tenant": named}
			event := &models.Event{Kind: models.EventAccessViolation, Payload: payload}
			if id != nil {
				tenant := id.TenantID
				event.TenantID = &tenant
				event.ActorID = &id.Subject
			}
			if err := s.store.AppendEvent(r.Context(), event); err != nil {
				s.logger.Warn().Err(err).Msg("access violation event not recorded")
			}
		}
	}
}
