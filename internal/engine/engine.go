// package engine owns the PromotionRequest lifecycle: materializing step
// state, validating actor authorization, applying approve/reject decisions,
// reconciling overall status, and managing waivers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/catalog"
	"github.com/veridata/govern/internal/flow"
	"github.com/veridata/govern/internal/metrics"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/policy"
	"github.com/veridata/govern/internal/roles"
	"github.com/veridata/govern/internal/signals"
	"github.com/veridata/govern/internal/store"
)

var (
	// ErrValidation marks malformed input to an engine operation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState marks a decision against a request with no pending step
	// or a terminal overall status.
	ErrInvalidState = errors.New("invalid request state")
	// ErrUnauthorized marks a wrong role for the current step, or a
	// waiver-granting role outside the allowed set.
	ErrUnauthorized = errors.New("not authorized")
	// ErrGateBlocked marks an approve attempt with a failing block-severity
	// gate and no usable waiver. Callers surface it distinctly so a UI can
	// offer "approve with waiver".
	ErrGateBlocked = errors.New("blocked by failing gate")
)

// DecisionKind is the action an actor takes on the current step.
type DecisionKind string

const (
	Approve DecisionKind = "approve"
	Reject  DecisionKind = "reject"
)

// decideAttempts bounds the CAS retry loop; each retry re-reads and
// re-validates, so a lost race surfaces as ErrInvalidState, not corruption.
const decideAttempts = 3

// Config carries the engine's policy knobs.
type Config struct {
	DqThresholds       map[string]float64
	DqDefaultThreshold float64
	WaiverAllowedRoles []string
	WaiverMaxDays      uint
}

// ThresholdFor returns the DQ threshold for a target environment.
func (c Config) ThresholdFor(env string) float64 {
	if t, ok := c.DqThresholds[env]; ok {
		return t
	}
	return c.DqDefaultThreshold
}

// Engine is the promotion workflow state machine. All collaborators are
// injected; the engine holds no module-level state.
type Engine struct {
	requests store.RequestStore
	catalog  *catalog.Catalog
	flows    *flow.Registry
	eval     *policy.Evaluator
	trail    audit.Sink
	resolver roles.Resolver
	provider signals.Provider // optional
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func New(requests store.RequestStore, cat *catalog.Catalog, flows *flow.Registry, eval *policy.Evaluator, trail audit.Sink, resolver roles.Resolver, m *metrics.Metrics, cfg Config) *Engine {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Engine{
		requests: requests,
		catalog:  cat,
		flows:    flows,
		eval:     eval,
		trail:    trail,
		resolver: resolver,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithSignals wires an upstream signals provider consulted at evaluation time.
func (e *Engine) WithSignals(p signals.Provider) *Engine {
	e.provider = p
	return e
}

// WithClock overrides the time source; tests pin it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateInput describes a proposed promotion.
type CreateInput struct {
	From            string
	To              string
	Dataset         string
	DqScore         *float64
	Classifications []string
	RequestedBy     string
}

// CreateRequest materializes a new promotion request: step state from the
// flow registry and a frozen gate-evaluation snapshot from the catalog.
func (e *Engine) CreateRequest(ctx context.Context, in CreateInput) (models.PromotionRequest, error) {
	if in.From == "" || in.To == "" || in.Dataset == "" {
		return models.PromotionRequest{}, fmt.Errorf("%w: from, to, and dataset required", ErrValidation)
	}
	if in.RequestedBy == "" {
		return models.PromotionRequest{}, fmt.Errorf("%w: requested_by required", ErrValidation)
	}
	fl, err := e.flows.Resolve(ctx, in.From, in.To)
	if err != nil {
		return models.PromotionRequest{}, fmt.Errorf("resolve flow %s->%s: %w", in.From, in.To, err)
	}

	route := models.Route{From: in.From, To: in.To}
	snapshots, err := e.snapshotGates(ctx, route, in.Dataset, in.Classifications, in.DqScore)
	if err != nil {
		return models.PromotionRequest{}, err
	}

	req := models.PromotionRequest{
		ID:          uuid.New(),
		From:        in.From,
		To:          in.To,
		Dataset:     in.Dataset,
		DqScore:     in.DqScore,
		Gates:       snapshots,
		Approvals:   flow.Materialize(fl, nil),
		Status:      models.StatusPending,
		RequestedBy: in.RequestedBy,
		RequestedAt: e.now(),
	}
	created, err := e.requests.CreateRequest(ctx, req)
	if err != nil {
		return models.PromotionRequest{}, fmt.Errorf("persist promotion request: %w", err)
	}

	e.audit(ctx, "promotion.create", in.RequestedBy, map[string]interface{}{
		"request_id": created.ID.String(),
		"from":       created.From,
		"to":         created.To,
		"dataset":    created.Dataset,
		"steps":      len(created.Approvals),
		"gates":      len(created.Gates),
	})
	return created, nil
}

func (e *Engine) snapshotGates(ctx context.Context, route models.Route, dataset string, classifications []string, dqScore *float64) ([]models.GateSnapshot, error) {
	candidates, err := e.catalog.MatchCandidates(ctx, route, dataset, classifications)
	if err != nil {
		return nil, fmt.Errorf("match gates: %w", err)
	}
	pctx := policy.Context{
		Route:           route,
		Dataset:         dataset,
		Classifications: classifications,
		DqScore:         dqScore,
		DefaultMinScore: e.cfg.ThresholdFor(route.To),
	}
	if e.provider != nil {
		snap, err := e.provider.Fetch(ctx, route, dataset)
		if err != nil {
			return nil, fmt.Errorf("fetch signals: %w", err)
		}
		pctx = signals.Merge(pctx, snap)
	}
	results := e.eval.EvaluateAll(candidates, pctx)
	snapshots := make([]models.GateSnapshot, 0, len(results))
	for i, res := range results {
		e.metrics.GateEvaluationsTotal.WithLabelValues(string(res.Type), string(res.Status)).Inc()
		snapshots = append(snapshots, models.GateSnapshot{
			GateID:      res.GateID,
			Name:        candidates[i].Name,
			Type:        res.Type,
			Severity:    res.Severity,
			Status:      res.Status,
			Explanation: res.Explanation,
		})
	}
	return snapshots, nil
}

// Get returns one request.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (models.PromotionRequest, error) {
	return e.requests.GetRequest(ctx, id)
}

// List returns requests matching the filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.RequestFilter) ([]models.PromotionRequest, error) {
	return e.requests.ListRequests(ctx, filter)
}

// GatesSatisfied reports whether every gate snapshot passes and the recorded
// dq score meets the target environment's threshold. A request with no dq
// score is never satisfied by this check alone.
func (e *Engine) GatesSatisfied(req models.PromotionRequest) bool {
	for _, g := range req.Gates {
		if g.Status != models.GatePass {
			return false
		}
	}
	if req.DqScore == nil {
		return false
	}
	return *req.DqScore >= e.cfg.ThresholdFor(req.To)
}

// hasBlockingFailure reports whether approval is hard-stopped: a failing
// block-severity gate, or a dq score absent or below threshold. Warn-severity
// failures annotate but never block.
func (e *Engine) hasBlockingFailure(req models.PromotionRequest) bool {
	for _, g := range req.Gates {
		if g.Status != models.GatePass && g.Severity == models.SeverityBlock {
			return true
		}
	}
	if req.DqScore == nil || *req.DqScore < e.cfg.ThresholdFor(req.To) {
		return true
	}
	return false
}

// activeWaiver returns the request's waiver if present and unexpired. An
// expired waiver is treated as absent, so approval blocks again.
func (e *Engine) activeWaiver(req models.PromotionRequest) *models.Waiver {
	if req.Waiver != nil && req.Waiver.Active(e.now()) {
		return req.Waiver
	}
	return nil
}

// waiverExpiry computes the expiry for a new waiver: the tightest max_days
// among failing block gates that allow waivers, falling back to the
// engine-level policy. Returns an error if any failing block gate forbids
// waivers outright.
func (e *Engine) waiverExpiry(ctx context.Context, req models.PromotionRequest, grantedAt time.Time) (time.Time, error) {
	maxDays := e.cfg.WaiverMaxDays
	for _, snap := range req.Gates {
		if snap.Status == models.GatePass || snap.Severity != models.SeverityBlock {
			continue
		}
		gate, err := e.catalog.Get(ctx, snap.GateID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Gate deleted since the snapshot; the policy-level bound applies.
				continue
			}
			return time.Time{}, fmt.Errorf("load gate %s: %w", snap.GateID, err)
		}
		if !gate.Waiver.Allowed {
			return time.Time{}, fmt.Errorf("%w: gate %s does not allow waivers", ErrGateBlocked, gate.ID)
		}
		if gate.Waiver.MaxDays > 0 && gate.Waiver.MaxDays < maxDays {
			maxDays = gate.Waiver.MaxDays
		}
	}
	if maxDays == 0 {
		maxDays = 1
	}
	return grantedAt.Add(time.Duration(maxDays) * 24 * time.Hour), nil
}

// DecideInput carries one decision attempt.
type DecideInput struct {
	RequestID uuid.UUID
	Actor     string
	Kind      DecisionKind
	Reason    string
	UseWaiver bool
}

// Decide applies one approve/reject decision to the request's current pending
// step. Validation happens strictly before any mutation; the mutated request
// is persisted as a single atomic write guarded by the request version, and a
// lost race re-reads and re-validates so a double-decide of the same step
// fails with ErrInvalidState rather than corrupting state.
func (e *Engine) Decide(ctx context.Context, in DecideInput) (models.PromotionRequest, error) {
	if in.Kind != Approve && in.Kind != Reject {
		return models.PromotionRequest{}, fmt.Errorf("%w: unknown decision kind %q", ErrValidation, in.Kind)
	}
	actorRoles, err := e.resolver.ResolveRoles(ctx, in.Actor)
	if err != nil {
		return models.PromotionRequest{}, fmt.Errorf("resolve roles for %s: %w", in.Actor, err)
	}

	var lastErr error
	for attempt := 0; attempt < decideAttempts; attempt++ {
		req, err := e.requests.GetRequest(ctx, in.RequestID)
		if err != nil {
			return models.PromotionRequest{}, err
		}

		committed, err := e.decideOnce(ctx, req, in, actorRoles)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			e.metrics.DecisionsTotal.WithLabelValues(string(in.Kind), "error").Inc()
			return models.PromotionRequest{}, err
		}
		e.metrics.DecisionsTotal.WithLabelValues(string(in.Kind), string(committed.Status)).Inc()
		return committed, nil
	}
	return models.PromotionRequest{}, fmt.Errorf("decide contended after %d attempts: %w", decideAttempts, lastErr)
}

func (e *Engine) decideOnce(ctx context.Context, req models.PromotionRequest, in DecideInput, actorRoles []string) (models.PromotionRequest, error) {
	if req.Status != models.StatusPending {
		return models.PromotionRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
	}

	// Reconcile the step list against the current flow definition before
	// locating the pending step; decided steps are preserved by ordinal.
	if fl, err := e.flows.Resolve(ctx, req.From, req.To); err == nil {
		req.Approvals = flow.Materialize(fl, req.Approvals)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.PromotionRequest{}, fmt.Errorf("resolve flow: %w", err)
	}

	idx, step := models.CurrentStep(req.Approvals)
	if step == nil {
		return models.PromotionRequest{}, fmt.Errorf("%w: no pending step", ErrInvalidState)
	}
	if !roles.HasRole(actorRoles, step.Role) {
		return models.PromotionRequest{}, fmt.Errorf("%w: step %d requires role %q", ErrUnauthorized, step.Step, step.Role)
	}

	now := e.now()
	waiverAttached := false
	if in.Kind == Approve && !e.GatesSatisfied(req) && e.hasBlockingFailure(req) {
		switch {
		case e.activeWaiver(req) != nil:
			// Existing waiver covers the failure.
		case in.UseWaiver:
			if !roles.HasAny(actorRoles, e.cfg.WaiverAllowedRoles) {
				return models.PromotionRequest{}, fmt.Errorf("%w: role not permitted to grant waivers", ErrUnauthorized)
			}
			expiresAt, err := e.waiverExpiry(ctx, req, now)
			if err != nil {
				return models.PromotionRequest{}, err
			}
			req.Waiver = &models.Waiver{
				Reason:    in.Reason,
				Actor:     in.Actor,
				GrantedAt: now,
				ExpiresAt: expiresAt,
			}
			waiverAttached = true
		default:
			return models.PromotionRequest{}, fmt.Errorf("%w: approve requires a waiver", ErrGateBlocked)
		}
	}

	actor := in.Actor
	reason := in.Reason
	step = &req.Approvals[idx]
	if in.Kind == Approve {
		step.State = models.StepApproved
	} else {
		step.State = models.StepRejected
	}
	step.Actor = &actor
	step.At = &now
	step.Reason = &reason
	req.Status = models.DeriveStatus(req.Approvals)

	committed, err := e.requests.UpdateRequest(ctx, req, req.Version)
	if err != nil {
		return models.PromotionRequest{}, err
	}

	if waiverAttached {
		e.metrics.WaiversRecorded.Inc()
		e.audit(ctx, "promotion.waiver.recorded", in.Actor, map[string]interface{}{
			"request_id": req.ID.String(),
			"reason":     in.Reason,
			"expires_at": req.Waiver.ExpiresAt.Format(time.RFC3339),
		})
	}
	eventType := "promotion.step.approve"
	if in.Kind == Reject {
		eventType = "promotion.step.reject"
	}
	e.audit(ctx, eventType, in.Actor, map[string]interface{}{
		"request_id": req.ID.String(),
		"step":       step.Step,
		"role":       step.Role,
		"reason":     in.Reason,
		"status":     committed.Status,
	})
	return committed, nil
}

// RefreshGates re-matches and re-evaluates the gate snapshot of a pending
// request against the current catalog and signals. Decided history is never
// refreshed.
func (e *Engine) RefreshGates(ctx context.Context, id uuid.UUID, actor string, classifications []string) (models.PromotionRequest, error) {
	for attempt := 0; attempt < decideAttempts; attempt++ {
		req, err := e.requests.GetRequest(ctx, id)
		if err != nil {
			return models.PromotionRequest{}, err
		}
		if req.Status != models.StatusPending {
			return models.PromotionRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
		}
		snapshots, err := e.snapshotGates(ctx, models.Route{From: req.From, To: req.To}, req.Dataset, classifications, req.DqScore)
		if err != nil {
			return models.PromotionRequest{}, err
		}
		req.Gates = snapshots
		committed, err := e.requests.UpdateRequest(ctx, req, req.Version)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return models.PromotionRequest{}, err
		}
		e.audit(ctx, "promotion.gates.refresh", actor, map[string]interface{}{
			"request_id": req.ID.String(),
			"gates":      len(snapshots),
		})
		return committed, nil
	}
	return models.PromotionRequest{}, fmt.Errorf("refresh contended: %w", store.ErrVersionConflict)
}

// Simulate evaluates the gates that would apply to a promotion without
// creating or mutating anything.
func (e *Engine) Simulate(ctx context.Context, route models.Route, dataset string, classifications []string, pctx policy.Context) ([]policy.Result, error) {
	candidates, err := e.catalog.MatchCandidates(ctx, route, dataset, classifications)
	if err != nil {
		return nil, fmt.Errorf("match gates: %w", err)
	}
	pctx.Route = route
	pctx.Dataset = dataset
	pctx.Classifications = classifications
	if pctx.DefaultMinScore == 0 {
		pctx.DefaultMinScore = e.cfg.ThresholdFor(route.To)
	}
	if e.provider != nil {
		snap, err := e.provider.Fetch(ctx, route, dataset)
		if err != nil {
			return nil, fmt.Errorf("fetch signals: %w", err)
		}
		pctx = signals.Merge(pctx, snap)
	}
	return e.eval.EvaluateAll(candidates, pctx), nil
}

// audit appends an event; trail failures are logged, not propagated, because
// the state change has already committed.
func (e *Engine) audit(ctx context.Context, eventType, actor string, payload map[string]interface{}) {
	if err := e.trail.Append(ctx, &audit.Event{
		EventType: eventType,
		Actor:     actor,
		Payload:   payload,
	}); err != nil {
		log.Printf("[engine] audit append %s: %v", eventType, err)
	}
}
