// package signals gathers the upstream inputs gate evaluation consumes: the
// DQ score, masking/RLS enforcement reports, schema drift, freshness, and
// dependency status for a dataset. The engine treats these as opaque inputs.
package signals

import (
	"context"

	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/policy"
)

// Snapshot is the provider's view of one dataset at evaluation time.
type Snapshot struct {
	DqScore          *float64                      `json:"dq_score,omitempty"`
	AgeHours         *float64                      `json:"age_hours,omitempty"`
	SchemaChangeKind string                        `json:"schema_change_kind,omitempty"`
	Masking          map[string]policy.Enforcement `json:"masking,omitempty"`
	Rls              map[string]policy.Enforcement `json:"rls,omitempty"`
	Dependencies     []policy.DependencyStatus     `json:"dependencies,omitempty"`
	Classifications  []string                      `json:"classifications,omitempty"`
}

// Provider fetches the signal snapshot for a dataset on a route.
type Provider interface {
	Fetch(ctx context.Context, route models.Route, dataset string) (Snapshot, error)
}

// StaticProvider returns fixed snapshots; used in development and tests.
type StaticProvider struct {
	Snapshots map[string]Snapshot // keyed by dataset name
	Default   Snapshot
}

func (s *StaticProvider) Fetch(ctx context.Context, route models.Route, dataset string) (Snapshot, error) {
	if snap, ok := s.Snapshots[dataset]; ok {
		return snap, nil
	}
	return s.Default, nil
}

// Merge folds the snapshot into an evaluation context, leaving fields the
// caller already supplied untouched.
func Merge(ctx policy.Context, snap Snapshot) policy.Context {
	if ctx.DqScore == nil {
		ctx.DqScore = snap.DqScore
	}
	if ctx.AgeHours == nil {
		ctx.AgeHours = snap.AgeHours
	}
	if ctx.SchemaChangeKind == "" {
		ctx.SchemaChangeKind = snap.SchemaChangeKind
	}
	if ctx.Masking == nil {
		ctx.Masking = snap.Masking
	}
	if ctx.Rls == nil {
		ctx.Rls = snap.Rls
	}
	if ctx.Dependencies == nil {
		ctx.Dependencies = snap.Dependencies
	}
	if len(ctx.Classifications) == 0 {
		ctx.Classifications = snap.Classifications
	}
	return ctx
}
