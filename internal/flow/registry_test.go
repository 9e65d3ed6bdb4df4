package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/flow"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/store"
)

func twoStepFlow() models.Flow {
	return models.Flow{
		From: "staging",
		To:   "publish",
		Steps: []models.FlowStep{
			{Role: "Data Steward", Name: "Steward review"},
			{Role: "Platform Admin", Name: "Platform sign-off"},
		},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	reg := flow.NewRegistry(store.NewMemoryStore(), audit.NewMemorySink())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "alice", twoStepFlow()))

	got, err := reg.Resolve(ctx, "staging", "publish")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)

	_, err = reg.Resolve(ctx, "staging", "prod")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterDuplicateRouteConflicts(t *testing.T) {
	reg := flow.NewRegistry(store.NewMemoryStore(), audit.NewMemorySink())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "alice", twoStepFlow()))
	err := reg.Register(ctx, "alice", twoStepFlow())
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestValidation(t *testing.T) {
	reg := flow.NewRegistry(store.NewMemoryStore(), audit.NewMemorySink())
	ctx := context.Background()

	bad := twoStepFlow()
	bad.Steps = nil
	assert.ErrorIs(t, reg.Register(ctx, "alice", bad), flow.ErrValidation)

	bad = twoStepFlow()
	bad.Steps[1].Role = ""
	assert.ErrorIs(t, reg.Register(ctx, "alice", bad), flow.ErrValidation)

	bad = twoStepFlow()
	bad.To = ""
	assert.ErrorIs(t, reg.Register(ctx, "alice", bad), flow.ErrValidation)
}

func TestUpsertEmitsEditEvent(t *testing.T) {
	sink := audit.NewMemorySink()
	reg := flow.NewRegistry(store.NewMemoryStore(), sink)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "alice", twoStepFlow()))
	edited := twoStepFlow()
	edited.Steps = edited.Steps[:1]
	require.NoError(t, reg.Upsert(ctx, "alice", edited))

	events, err := sink.Export(ctx, audit.Filter{EventType: "flows.edit"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMaterializeFresh(t *testing.T) {
	steps := flow.Materialize(twoStepFlow(), nil)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Step)
	assert.Equal(t, "Data Steward", steps[0].Role)
	assert.Equal(t, models.StepPending, steps[0].State)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, models.StepPending, steps[1].State)
}

func TestMaterializePreservesDecidedSteps(t *testing.T) {
	actor := "alice"
	at := time.Now().UTC()
	existing := []models.ApprovalStep{
		{Step: 1, Role: "Data Steward", Name: "Steward review", State: models.StepApproved, Actor: &actor, At: &at},
		{Step: 2, Role: "Platform Admin", State: models.StepPending},
	}

	// The flow gained a third step and renamed the second role.
	updated := twoStepFlow()
	updated.Steps[1].Role = "Release Manager"
	updated.Steps = append(updated.Steps, models.FlowStep{Role: "Compliance", Name: "Compliance check"})

	steps := flow.Materialize(updated, existing)
	require.Len(t, steps, 3)

	// The decided step keeps its recorded role and actor.
	assert.Equal(t, models.StepApproved, steps[0].State)
	assert.Equal(t, "Data Steward", steps[0].Role)
	require.NotNil(t, steps[0].Actor)
	assert.Equal(t, "alice", *steps[0].Actor)

	// The undecided step picks up the new role binding.
	assert.Equal(t, models.StepPending, steps[1].State)
	assert.Equal(t, "Release Manager", steps[1].Role)

	assert.Equal(t, "Compliance", steps[2].Role)
	assert.Equal(t, models.StepPending, steps[2].State)
}

func TestMaterializeKeepsDecidedHistoryBeyondFlowShape(t *testing.T) {
	actor := "bob"
	at := time.Now().UTC()
	existing := []models.ApprovalStep{
		{Step: 1, Role: "Data Steward", State: models.StepApproved, Actor: &actor, At: &at},
		{Step: 2, Role: "Platform Admin", State: models.StepApproved, Actor: &actor, At: &at},
	}

	shrunk := twoStepFlow()
	shrunk.Steps = shrunk.Steps[:1]

	steps := flow.Materialize(shrunk, existing)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepApproved, steps[0].State)
	assert.Equal(t, models.StepApproved, steps[1].State)
}

func TestMaterializeDropsUndecidedTrailingSteps(t *testing.T) {
	existing := []models.ApprovalStep{
		{Step: 1, Role: "Data Steward", State: models.StepPending},
		{Step: 2, Role: "Platform Admin", State: models.StepPending},
	}

	shrunk := twoStepFlow()
	shrunk.Steps = shrunk.Steps[:1]

	steps := flow.Materialize(shrunk, existing)
	assert.Len(t, steps, 1)
}
