// package models contains the canonical domain types used by the promotion
// governance engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// GateType identifies the automated policy check a Gate performs.
type GateType string

const (
	GateDqThreshold GateType = "dq_threshold"
	GateMasking     GateType = "masking"
	GateRls         GateType = "rls"
	GateSchemaDrift GateType = "schema_drift"
	GateFreshness   GateType = "freshness"
	GateDependency  GateType = "dependency"
)

// KnownGateTypes lists every gate type the evaluator ships a rule for.
var KnownGateTypes = []GateType{
	GateDqThreshold, GateMasking, GateRls, GateSchemaDrift, GateFreshness, GateDependency,
}

// Severity controls whether a failing gate blocks approval or only annotates it.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Route is an ordered (from, to) environment pair a promotion traverses.
type Route struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GateScope restricts which (route, dataset, classification) tuples a gate
// applies to. An empty Classifications set matches any dataset classification.
// Routes are an explicit allow-list; see catalog.Options for the match-all
// override.
type GateScope struct {
	Routes          []Route  `json:"routes"`
	Datasets        []string `json:"datasets"` // glob patterns, '*' wildcard only, full-string anchored
	Classifications []string `json:"classifications"`
}

// WaiverRule is the per-gate waiver policy: whether a failing instance of this
// gate may be waived at all, and for how many days a waiver stays valid.
type WaiverRule struct {
	Allowed bool `json:"allowed"`
	MaxDays uint `json:"max_days"`
}

// Gate is a named, versioned policy check.
type Gate struct {
	ID         string                 `json:"id"` // stable slug, unique within the catalog
	Name       string                 `json:"name"`
	Type       GateType               `json:"type"`
	Severity   Severity               `json:"severity"`
	Scope      GateScope              `json:"scope"`
	Parameters map[string]interface{} `json:"parameters"`
	Waiver     WaiverRule             `json:"waiver"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// FlowStep binds one approval step to the role required to decide it.
type FlowStep struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// Flow is the ordered approval route definition for a (from, to) pair.
// At most one Flow exists per pair; Steps is non-empty.
type Flow struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Steps     []FlowStep `json:"steps"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepState is the decision state of a single approval step.
type StepState string

const (
	StepPending  StepState = "pending"
	StepApproved StepState = "approved"
	StepRejected StepState = "rejected"
)

// ApprovalStep is one materialized step of a request's approval chain.
// Steps are decided strictly in ordinal order.
type ApprovalStep struct {
	Step   int        `json:"step"` // 1-based ordinal
	Role   string     `json:"role"`
	Name   string     `json:"name"`
	State  StepState  `json:"state"`
	Actor  *string    `json:"actor,omitempty"`
	At     *time.Time `json:"at,omitempty"`
	Reason *string    `json:"reason,omitempty"`
}

// GateStatus is the recorded outcome of one gate snapshot.
type GateStatus string

const (
	GatePass GateStatus = "pass"
	GateFail GateStatus = "fail"
)

// GateSnapshot freezes the evaluation of one gate at request-evaluation time.
// Catalog edits or deletes after the snapshot never rewrite it.
type GateSnapshot struct {
	GateID      string     `json:"gate_id"`
	Name        string     `json:"name"`
	Type        GateType   `json:"type"`
	Severity    Severity   `json:"severity"`
	Status      GateStatus `json:"status"`
	Explanation string     `json:"explanation,omitempty"`
}

// Waiver is a time-bounded, role-restricted authorization to approve despite a
// failing block-severity gate. It never flips gate results.
type Waiver struct {
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the waiver is still valid at the given instant.
func (w *Waiver) Active(now time.Time) bool {
	if w == nil {
		return false
	}
	return now.Before(w.ExpiresAt)
}

// RequestStatus is the derived overall state of a PromotionRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// PromotionRequest is one promotion attempt for a dataset along a route.
// Terminal requests are retained for history, never deleted.
type PromotionRequest struct {
	ID          uuid.UUID      `json:"id"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Dataset     string         `json:"dataset"`
	DqScore     *float64       `json:"dq_score,omitempty"`
	Gates       []GateSnapshot `json:"gates"`
	Approvals   []ApprovalStep `json:"approvals"`
	Waiver      *Waiver        `json:"waiver,omitempty"`
	Status      RequestStatus  `json:"status"`
	RequestedBy string         `json:"requested_by"`
	RequestedAt time.Time      `json:"requested_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Version is the optimistic-concurrency token; every committed mutation
	// increments it.
	Version int64 `json:"version"`
}

// DeriveStatus computes the overall status from the step states: any rejected
// step is terminal, all-approved means approved, anything else is pending.
func DeriveStatus(steps []ApprovalStep) RequestStatus {
	allApproved := len(steps) > 0
	for _, s := range steps {
		switch s.State {
		case StepRejected:
			return StatusRejected
		case StepApproved:
		default:
			allApproved = false
		}
	}
	if allApproved {
		return StatusApproved
	}
	return StatusPending
}

// CurrentStep returns the ordinal index and step of the first pending step,
// or (-1, nil) when the flow is already complete.
func CurrentStep(steps []ApprovalStep) (int, *ApprovalStep) {
	for i := range steps {
		if steps[i].State == StepPending {
			return i, &steps[i]
		}
	}
	return -1, nil
}

// SnapshotPayload is the point-in-time gate/flow configuration captured by a
// snapshot.
type SnapshotPayload struct {
	Gates []Gate `json:"gates"`
	Flows []Flow `json:"flows"`
}

// Snapshot is a named, hashed capture of the governance configuration.
type Snapshot struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Hash      string          `json:"hash"` // hex sha256 of the canonical payload
	Payload   SnapshotPayload `json:"payload"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}
