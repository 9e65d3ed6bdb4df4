// package flow maps promotion routes to their ordered, role-bound approval
// steps and materializes per-request step state.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/store"
)

var ErrValidation = errors.New("validation failed")

// Registry is the flow registry service.
type Registry struct {
	flows store.FlowStore
	trail audit.Sink
}

func NewRegistry(flows store.FlowStore, trail audit.Sink) *Registry {
	return &Registry{flows: flows, trail: trail}
}

func validate(flow models.Flow) error {
	if flow.From == "" || flow.To == "" {
		return fmt.Errorf("%w: flow requires from and to environments", ErrValidation)
	}
	if len(flow.Steps) == 0 {
		return fmt.Errorf("%w: flow requires at least one step", ErrValidation)
	}
	for i, s := range flow.Steps {
		if s.Role == "" {
			return fmt.Errorf("%w: step %d missing role", ErrValidation, i+1)
		}
	}
	return nil
}

// Register stores a new flow; at most one flow exists per (from, to) pair.
func (r *Registry) Register(ctx context.Context, actor string, flow models.Flow) error {
	if err := validate(flow); err != nil {
		return err
	}
	if err := r.flows.CreateFlow(ctx, flow); err != nil {
		return err
	}
	return r.trail.Append(ctx, &audit.Event{
		EventType: "flows.create",
		Actor:     actor,
		Payload:   map[string]interface{}{"from": flow.From, "to": flow.To, "steps": len(flow.Steps)},
	})
}

// Upsert replaces (or creates) the flow for a route; steward edits to
// in-flight routes reconcile against open requests on their next decision.
func (r *Registry) Upsert(ctx context.Context, actor string, flow models.Flow) error {
	if err := validate(flow); err != nil {
		return err
	}
	if err := r.flows.PutFlow(ctx, flow); err != nil {
		return err
	}
	return r.trail.Append(ctx, &audit.Event{
		EventType: "flows.edit",
		Actor:     actor,
		Payload:   map[string]interface{}{"from": flow.From, "to": flow.To, "steps": len(flow.Steps)},
	})
}

// Resolve returns the flow for a route, or store.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, from, to string) (models.Flow, error) {
	return r.flows.GetFlow(ctx, from, to)
}

func (r *Registry) List(ctx context.Context) ([]models.Flow, error) {
	return r.flows.ListFlows(ctx)
}

// Materialize builds the approvals array for a request. With no existing
// steps, every step starts pending in flow order. With existing steps, the
// flow is reconciled by ordinal: decided steps are preserved verbatim (an
// already-recorded decision is never rewritten, including its role binding)
// and ordinals the flow no longer defines are dropped only if undecided.
func Materialize(flow models.Flow, existing []models.ApprovalStep) []models.ApprovalStep {
	steps := make([]models.ApprovalStep, 0, len(flow.Steps))
	for i, def := range flow.Steps {
		step := models.ApprovalStep{
			Step:  i + 1,
			Role:  def.Role,
			Name:  def.Name,
			State: models.StepPending,
		}
		if i < len(existing) && existing[i].State != models.StepPending {
			// Preserve the decision exactly as recorded.
			step = existing[i]
			step.Step = i + 1
		}
		steps = append(steps, step)
	}
	// Decided steps beyond the current flow shape are history and stay.
	for i := len(flow.Steps); i < len(existing); i++ {
		if existing[i].State != models.StepPending {
			steps = append(steps, existing[i])
		}
	}
	return steps
}
