package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/catalog"
	"github.com/veridata/govern/internal/engine"
	"github.com/veridata/govern/internal/flow"
	"github.com/veridata/govern/internal/metrics"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/policy"
	"github.com/veridata/govern/internal/roles"
	"github.com/veridata/govern/internal/signals"
	"github.com/veridata/govern/internal/store"
)

type fixture struct {
	engine  *engine.Engine
	store   *store.MemoryStore
	catalog *catalog.Catalog
	flows   *flow.Registry
	sink    *audit.MemorySink
	now     time.Time
}

func f64(v float64) *float64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sink := audit.NewMemorySink()
	cat := catalog.New(st, sink, catalog.Options{})
	flows := flow.NewRegistry(st, sink)
	resolver := roles.NewStaticResolver(map[string][]string{
		"alice": {"Data Steward"},
		"bob":   {"Platform Admin"},
		"eve":   {"Analyst"},
	})

	fx := &fixture{
		store:   st,
		catalog: cat,
		flows:   flows,
		sink:    sink,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.engine = engine.New(st, cat, flows, policy.NewEvaluator(), sink, resolver, metrics.NopMetrics(), engine.Config{
		DqThresholds:       map[string]float64{"publish": 95},
		DqDefaultThreshold: 90,
		WaiverAllowedRoles: []string{"Data Steward", "Platform Admin"},
		WaiverMaxDays:      14,
	}).WithClock(func() time.Time { return fx.now })
	return fx
}

func (fx *fixture) registerFlow(t *testing.T, steps ...models.FlowStep) {
	t.Helper()
	if steps == nil {
		steps = []models.FlowStep{
			{Role: "Data Steward", Name: "Steward review"},
			{Role: "Platform Admin", Name: "Platform sign-off"},
		}
	}
	require.NoError(t, fx.flows.Register(context.Background(), "admin", models.Flow{
		From: "staging", To: "publish", Steps: steps,
	}))
}

func (fx *fixture) addGate(t *testing.T, gate models.Gate) {
	t.Helper()
	_, err := fx.catalog.Upsert(context.Background(), "admin", gate)
	require.NoError(t, err)
}

func dqGate(id string, min float64, waivable bool) models.Gate {
	return models.Gate{
		ID:       id,
		Name:     "DQ floor",
		Type:     models.GateDqThreshold,
		Severity: models.SeverityBlock,
		Scope: models.GateScope{
			Routes:   []models.Route{{From: "staging", To: "publish"}},
			Datasets: []string{"sales.*"},
		},
		Parameters: map[string]interface{}{"min_score": min},
		Waiver:     models.WaiverRule{Allowed: waivable, MaxDays: 7},
	}
}

func (fx *fixture) createRequest(t *testing.T, score *float64) models.PromotionRequest {
	t.Helper()
	req, err := fx.engine.CreateRequest(context.Background(), engine.CreateInput{
		From:        "staging",
		To:          "publish",
		Dataset:     "sales.orders",
		DqScore:     score,
		RequestedBy: "alice",
	})
	require.NoError(t, err)
	return req
}

func TestCreateRequestMaterializesStepsAndGates(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))

	req := fx.createRequest(t, f64(96))

	assert.Equal(t, models.StatusPending, req.Status)
	require.Len(t, req.Approvals, 2)
	assert.Equal(t, models.StepPending, req.Approvals[0].State)
	require.Len(t, req.Gates, 1)
	assert.Equal(t, "dq-floor", req.Gates[0].GateID)
	assert.Equal(t, models.GatePass, req.Gates[0].Status)
	assert.Equal(t, int64(1), req.Version)

	events, err := fx.sink.Export(context.Background(), audit.Filter{EventType: "promotion.create"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCreateRequestUnknownRoute(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.CreateRequest(context.Background(), engine.CreateInput{
		From: "staging", To: "prod", Dataset: "sales.orders", RequestedBy: "alice",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApprovalChainToApproved(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))
	req := fx.createRequest(t, f64(96))

	out, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve, Reason: "looks good",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, models.StepApproved, out.Approvals[0].State)
	require.NotNil(t, out.Approvals[0].Actor)
	assert.Equal(t, "alice", *out.Approvals[0].Actor)

	out, err = fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, out.Status)
}

func TestStrictStepOrdering(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(96))

	// Step 1 requires Data Steward; bob holds Platform Admin only.
	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	// An actor with no roles at all is also refused.
	_, err = fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "eve", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestRejectionIsTerminal(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(96))

	out, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Reject, Reason: "bad lineage",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, out.Status)

	_, err = fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestApproveBlockedByFailingGate(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))
	req := fx.createRequest(t, f64(93))

	require.Len(t, req.Gates, 1)
	assert.Equal(t, models.GateFail, req.Gates[0].Status)

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrGateBlocked)
}

func TestApproveWithWaiver(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))
	req := fx.createRequest(t, f64(93))

	out, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
		Reason: "known backfill gap, fix shipping next week", UseWaiver: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Waiver)
	assert.Equal(t, "alice", out.Waiver.Actor)
	// The gate bounds waivers to 7 days, tighter than the 14-day default.
	assert.Equal(t, fx.now.Add(7*24*time.Hour), out.Waiver.ExpiresAt)
	// The waiver never rewrites the recorded gate result.
	assert.Equal(t, models.GateFail, out.Gates[0].Status)

	// The waiver covers the second step too while it is active.
	out, err = fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, out.Status)

	waiverEvents, err := fx.sink.Export(context.Background(), audit.Filter{EventType: "promotion.waiver.recorded"})
	require.NoError(t, err)
	assert.Len(t, waiverEvents, 1)
}

func TestWaiverRequiresAllowedRole(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t, models.FlowStep{Role: "Analyst", Name: "Analyst review"})
	fx.addGate(t, dqGate("dq-floor", 95, true))
	req := fx.createRequest(t, f64(93))

	// eve holds the step role but not a waiver-granting role.
	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "eve", Kind: engine.Approve, UseWaiver: true,
	})
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestWaiverForbiddenByGate(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, false))
	req := fx.createRequest(t, f64(93))

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve, UseWaiver: true,
	})
	assert.ErrorIs(t, err, engine.ErrGateBlocked)
}

func TestExpiredWaiverBlocksAgain(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))
	req := fx.createRequest(t, f64(93))

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve, UseWaiver: true,
	})
	require.NoError(t, err)

	fx.now = fx.now.Add(8 * 24 * time.Hour)

	_, err = fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrGateBlocked)
}

func TestDqBelowThresholdBlocksWithoutAnyGate(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(93))

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
	})
	assert.ErrorIs(t, err, engine.ErrGateBlocked)
}

func TestWarnSeverityFailureDoesNotBlock(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	warn := dqGate("advisory", 99, true)
	warn.Severity = models.SeverityWarn
	fx.addGate(t, warn)
	req := fx.createRequest(t, f64(96))

	require.Len(t, req.Gates, 1)
	assert.Equal(t, models.GateFail, req.Gates[0].Status)
	assert.False(t, fx.engine.GatesSatisfied(req))

	out, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepApproved, out.Approvals[0].State)
}

func TestConcurrentDecideExactlyOneWins(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t, models.FlowStep{Role: "Data Steward", Name: "Only step"})
	req := fx.createRequest(t, f64(96))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.engine.Decide(context.Background(), engine.DecideInput{
				RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, engine.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, wins)

	final, err := fx.engine.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, final.Status)

	approvals, err := fx.sink.Export(context.Background(), audit.Filter{EventType: "promotion.step.approve"})
	require.NoError(t, err)
	assert.Len(t, approvals, 1)
}

func TestFlowEditReconcilesOnNextDecision(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(96))

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: engine.Approve,
	})
	require.NoError(t, err)

	// Steward edit appends a third step while the request is in flight.
	require.NoError(t, fx.flows.Upsert(context.Background(), "admin", models.Flow{
		From: "staging", To: "publish",
		Steps: []models.FlowStep{
			{Role: "Data Steward", Name: "Steward review"},
			{Role: "Platform Admin", Name: "Platform sign-off"},
			{Role: "Data Steward", Name: "Final check"},
		},
	}))

	out, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "bob", Kind: engine.Approve,
	})
	require.NoError(t, err)
	require.Len(t, out.Approvals, 3)
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, models.StepApproved, out.Approvals[0].State)
	assert.Equal(t, models.StepPending, out.Approvals[2].State)
}

func TestSimulateIsPure(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	fx.addGate(t, dqGate("dq-floor", 95, true))

	results, err := fx.engine.Simulate(context.Background(),
		models.Route{From: "staging", To: "publish"}, "sales.orders", nil,
		policy.Context{DqScore: f64(93)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.GateFail, results[0].Status)

	requests, err := fx.engine.List(context.Background(), store.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, requests)

	events, err := fx.sink.Export(context.Background(), audit.Filter{})
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotContains(t, ev.EventType, "promotion.")
	}
}

func TestSignalsProviderFeedsEvaluation(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)

	fresh := dqGate("fresh", 0, true)
	fresh.Type = models.GateFreshness
	fresh.Parameters = map[string]interface{}{"max_age_hours": 24.0}
	fx.addGate(t, fresh)

	fx.engine.WithSignals(&signals.StaticProvider{
		Default: signals.Snapshot{AgeHours: f64(6)},
	})

	req := fx.createRequest(t, f64(96))
	require.Len(t, req.Gates, 1)
	assert.Equal(t, models.GatePass, req.Gates[0].Status)
}

func TestRefreshGatesReevaluates(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(96))
	assert.Empty(t, req.Gates)

	// A new gate lands in the catalog after the request was opened.
	fx.addGate(t, dqGate("dq-floor", 95, true))

	out, err := fx.engine.RefreshGates(context.Background(), req.ID, "alice", nil)
	require.NoError(t, err)
	require.Len(t, out.Gates, 1)
	assert.Equal(t, models.GatePass, out.Gates[0].Status)
	assert.Greater(t, out.Version, req.Version)
}

func TestDecideValidatesKind(t *testing.T) {
	fx := newFixture(t)
	fx.registerFlow(t)
	req := fx.createRequest(t, f64(96))

	_, err := fx.engine.Decide(context.Background(), engine.DecideInput{
		RequestID: req.ID, Actor: "alice", Kind: "maybe",
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
}
