package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/catalog"
	"github.com/veridata/govern/internal/config"
	"github.com/veridata/govern/internal/engine"
	"github.com/veridata/govern/internal/flow"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/policy"
	"github.com/veridata/govern/internal/roles"
	"github.com/veridata/govern/internal/snapshot"
	"github.com/veridata/govern/internal/store"
)

type Server struct {
	cfg       config.Config
	engine    *engine.Engine
	catalog   *catalog.Catalog
	flows     *flow.Registry
	snapshots *snapshot.Service
	trail     audit.Sink
	store     store.Store
	verifier  *roles.TokenVerifier
}

func New(cfg config.Config, eng *engine.Engine, cat *catalog.Catalog, flows *flow.Registry, snaps *snapshot.Service, trail audit.Sink, st store.Store, verifier *roles.TokenVerifier) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		catalog:   cat,
		flows:     flows,
		snapshots: snaps,
		trail:     trail,
		store:     st,
		verifier:  verifier,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/govern", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.actorAuth)

			r.Get("/gates", s.handleListGates)
			r.Get("/gates/{id}", s.handleGetGate)
			r.Put("/gates/{id}", s.handleUpsertGate)
			r.Delete("/gates/{id}", s.handleDeleteGate)

			r.Get("/flows", s.handleListFlows)
			r.Post("/flows", s.handleCreateFlow)
			r.Put("/flows", s.handleUpsertFlow)

			r.Post("/promotions", s.handleCreatePromotion)
			r.Get("/promotions", s.handleListPromotions)
			r.Get("/promotions/{id}", s.handleGetPromotion)
			r.Post("/promotions/{id}/decide", s.handleDecide)
			r.Post("/promotions/{id}/refresh", s.handleRefreshGates)
			r.Post("/simulate", s.handleSimulate)

			r.Post("/snapshots", s.handleCreateSnapshot)
			r.Get("/snapshots", s.handleListSnapshots)
			r.Get("/snapshots/{id}", s.handleGetSnapshot)
			r.Post("/snapshots/{id}/rollback", s.handleRollback)

			r.Get("/audit", s.handleAuditExport)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// --- gates ---

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := s.catalog.List(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"gates": gates})
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	gate, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, gate)
}

func (s *Server) handleUpsertGate(w http.ResponseWriter, r *http.Request) {
	var gate models.Gate
	if err := decodeJSON(w, r, &gate); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	gate.ID = chi.URLParam(r, "id")
	stored, err := s.catalog.Upsert(r.Context(), actorFrom(r), gate)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteGate(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- flows ---

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flows.List(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"flows": flows})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var fl models.Flow
	if err := decodeJSON(w, r, &fl); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.flows.Register(r.Context(), actorFrom(r), fl); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, fl)
}

func (s *Server) handleUpsertFlow(w http.ResponseWriter, r *http.Request) {
	var fl models.Flow
	if err := decodeJSON(w, r, &fl); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.flows.Upsert(r.Context(), actorFrom(r), fl); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fl)
}

// --- promotions ---

type createPromotionRequest struct {
	From            string   `json:"from"`
	To              string   `json:"to"`
	Dataset         string   `json:"dataset"`
	DqScore         *float64 `json:"dqScore"`
	Classifications []string `json:"classifications"`
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req createPromotionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.engine.CreateRequest(r.Context(), engine.CreateInput{
		From:            req.From,
		To:              req.To,
		Dataset:         req.Dataset,
		DqScore:         req.DqScore,
		Classifications: req.Classifications,
		RequestedBy:     actorFrom(r),
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RequestFilter{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Status: models.RequestStatus(q.Get("status")),
		Query:  q.Get("q"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	requests, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

type decideRequest struct {
	Kind      string `json:"kind"` // approve | reject
	Reason    string `json:"reason"`
	UseWaiver bool   `json:"useWaiver"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	var req decideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	committed, err := s.engine.Decide(r.Context(), engine.DecideInput{
		RequestID: id,
		Actor:     actorFrom(r),
		Kind:      engine.DecisionKind(req.Kind),
		Reason:    req.Reason,
		UseWaiver: req.UseWaiver,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, committed)
}

type refreshRequest struct {
	Classifications []string `json:"classifications"`
}

func (s *Server) handleRefreshGates(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	committed, err := s.engine.RefreshGates(r.Context(), id, actorFrom(r), req.Classifications)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, committed)
}

type simulateRequest struct {
	From             string                        `json:"from"`
	To               string                        `json:"to"`
	Dataset          string                        `json:"dataset"`
	Classifications  []string                      `json:"classifications"`
	DqScore          *float64                      `json:"dqScore"`
	AgeHours         *float64                      `json:"ageHours"`
	SchemaChangeKind string                        `json:"schemaChangeKind"`
	Masking          map[string]policy.Enforcement `json:"masking"`
	Rls              map[string]policy.Enforcement `json:"rls"`
	Dependencies     []policy.DependencyStatus     `json:"dependencies"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.From == "" || req.To == "" || req.Dataset == "" {
		respondError(w, http.StatusBadRequest, "from, to, and dataset required")
		return
	}
	results, err := s.engine.Simulate(r.Context(),
		models.Route{From: req.From, To: req.To}, req.Dataset, req.Classifications,
		policy.Context{
			DqScore:          req.DqScore,
			AgeHours:         req.AgeHours,
			SchemaChangeKind: req.SchemaChangeKind,
			Masking:          req.Masking,
			Rls:              req.Rls,
			Dependencies:     req.Dependencies,
		})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- snapshots ---

type createSnapshotRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.snapshots.Create(r.Context(), actorFrom(r), req.Name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.snapshots.List(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}
	snap, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}
	snap, err := s.snapshots.Rollback(r.Context(), actorFrom(r), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// --- audit ---

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		EventType: q.Get("eventType"),
		Actor:     q.Get("actor"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	events, err := s.trail.Export(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// --- auth ---

type actorKey struct{}

// actorAuth establishes the acting identity. With a token verifier configured,
// a valid bearer token is required and its roles claim is carried into the
// request context; otherwise the X-Actor header is honored only when debug
// actors are enabled.
func (s *Server) actorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier != nil {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				respondError(w, http.StatusUnauthorized, "bearer token required")
				return
			}
			subject, roleSet, err := s.verifier.Verify(raw)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := roles.WithRoles(r.Context(), subject, roleSet)
			ctx = context.WithValue(ctx, actorKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if !s.cfg.AllowDebugActor {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			respondError(w, http.StatusUnauthorized, "X-Actor header required")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrValidation),
		errors.Is(err, flow.ErrValidation),
		errors.Is(err, snapshot.ErrValidation),
		errors.Is(err, engine.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrGateBlocked):
		respondErrorCode(w, http.StatusUnprocessableEntity, "gate_blocked", err.Error())
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, engine.ErrInvalidState):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondErrorCode(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "code": code})
}
