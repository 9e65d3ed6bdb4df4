// package policy evaluates gates against a dataset context. Each gate type has
// one rule registered in a lookup table, so new types are added without
// touching the workflow state machine.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/veridata/govern/internal/models"
)

// Enforcement is the upstream masking/RLS report for one classification tag.
type Enforcement struct {
	Required bool `json:"required"`
	Enforced bool `json:"enforced"`
}

// DependencyStatus is the upstream completion signal for one declared dependency.
type DependencyStatus struct {
	Name     string `json:"name"`
	Complete bool   `json:"complete"`
}

// Context carries everything a rule may consult. Gate evaluation never reaches
// outside this struct; upstream collaborators populate it before evaluation.
type Context struct {
	Route           models.Route
	Dataset         string
	Classifications []string

	DqScore *float64
	// DefaultMinScore is the per-target-environment threshold applied when a
	// DqThreshold gate carries no min_score parameter.
	DefaultMinScore float64

	AgeHours *float64

	// SchemaChangeKind is the observed drift kind; "" or "none" is a no-op.
	SchemaChangeKind string

	Masking map[string]Enforcement
	Rls     map[string]Enforcement

	Dependencies []DependencyStatus
}

// Result is the outcome of evaluating one gate.
type Result struct {
	GateID      string            `json:"gate_id"`
	Type        models.GateType   `json:"type"`
	Severity    models.Severity   `json:"severity"`
	Status      models.GateStatus `json:"status"`
	Explanation string            `json:"explanation,omitempty"`
}

// Rule evaluates one gate type. Rules must not panic; failures are expressed
// through the returned pass/explanation pair.
type Rule func(gate models.Gate, ctx Context) (pass bool, explanation string)

// Evaluator dispatches gates to per-type rules.
type Evaluator struct {
	rules map[models.GateType]Rule
	// allowUnknown restores the legacy fail-open behavior for unrecognized
	// gate types. Off by default: an unknown type fails closed so a
	// misconfigured gate cannot silently stop blocking promotions.
	allowUnknown bool
}

type Option func(*Evaluator)

func AllowUnknownTypes() Option {
	return func(e *Evaluator) { e.allowUnknown = true }
}

// NewEvaluator builds an evaluator with the six built-in rules.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{rules: map[models.GateType]Rule{
		models.GateDqThreshold: ruleDqThreshold,
		models.GateMasking:     ruleMasking,
		models.GateRls:         ruleRls,
		models.GateSchemaDrift: ruleSchemaDrift,
		models.GateFreshness:   ruleFreshness,
		models.GateDependency:  ruleDependency,
	}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds or replaces the rule for a gate type.
func (e *Evaluator) Register(t models.GateType, rule Rule) {
	e.rules[t] = rule
}

// Evaluate runs the rule for the gate's type.
func (e *Evaluator) Evaluate(gate models.Gate, ctx Context) Result {
	res := Result{GateID: gate.ID, Type: gate.Type, Severity: gate.Severity}
	rule, ok := e.rules[gate.Type]
	if !ok {
		res.Explanation = "unknown gate type"
		if e.allowUnknown {
			res.Status = models.GatePass
		} else {
			res.Status = models.GateFail
		}
		return res
	}
	pass, explanation := rule(gate, ctx)
	res.Explanation = explanation
	if pass {
		res.Status = models.GatePass
	} else {
		res.Status = models.GateFail
	}
	return res
}

// EvaluateAll evaluates every gate independently; there is no short-circuit
// because every result belongs in the evidence record.
func (e *Evaluator) EvaluateAll(gates []models.Gate, ctx Context) []Result {
	results := make([]Result, 0, len(gates))
	for _, g := range gates {
		results = append(results, e.Evaluate(g, ctx))
	}
	return results
}

func ruleDqThreshold(gate models.Gate, ctx Context) (bool, string) {
	min, ok := numberParam(gate.Parameters, "min_score")
	if !ok {
		min = ctx.DefaultMinScore
	}
	if ctx.DqScore == nil {
		return false, fmt.Sprintf("no dq score recorded (minimum %.4g)", min)
	}
	if *ctx.DqScore >= min {
		return true, fmt.Sprintf("dq score %.4g meets minimum %.4g", *ctx.DqScore, min)
	}
	return false, fmt.Sprintf("dq score %.4g below minimum %.4g", *ctx.DqScore, min)
}

func ruleMasking(gate models.Gate, ctx Context) (bool, string) {
	return enforcementRule("masking", ctx.Classifications, ctx.Masking)
}

func ruleRls(gate models.Gate, ctx Context) (bool, string) {
	return enforcementRule("row-level security", ctx.Classifications, ctx.Rls)
}

// enforcementRule passes iff every present classification that requires the
// control has it enforced. The required/enforced determination itself comes
// from the upstream policy collaborator.
func enforcementRule(control string, classifications []string, reports map[string]Enforcement) (bool, string) {
	var missing []string
	for _, c := range classifications {
		report, ok := reports[c]
		if !ok {
			continue
		}
		if report.Required && !report.Enforced {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return false, fmt.Sprintf("%s not enforced for: %s", control, strings.Join(missing, ", "))
	}
	return true, fmt.Sprintf("%s enforced for all governed classifications", control)
}

func ruleSchemaDrift(gate models.Gate, ctx Context) (bool, string) {
	kind := ctx.SchemaChangeKind
	if kind == "" || kind == "none" {
		return true, "no schema change observed"
	}
	blocked := stringListParam(gate.Parameters, "block_on")
	for _, b := range blocked {
		if b == kind {
			return false, fmt.Sprintf("schema change %q is blocked", kind)
		}
	}
	allowed := stringListParam(gate.Parameters, "allowed_kinds")
	for _, a := range allowed {
		if a == kind {
			return true, fmt.Sprintf("schema change %q is allowed", kind)
		}
	}
	return false, fmt.Sprintf("schema change %q is not in the allowed kinds", kind)
}

func ruleFreshness(gate models.Gate, ctx Context) (bool, string) {
	maxAge, ok := numberParam(gate.Parameters, "max_age_hours")
	if !ok {
		return false, "gate missing max_age_hours parameter"
	}
	if ctx.AgeHours == nil {
		return false, "dataset age unknown"
	}
	if *ctx.AgeHours <= maxAge {
		return true, fmt.Sprintf("dataset age %.4gh within %.4gh", *ctx.AgeHours, maxAge)
	}
	return false, fmt.Sprintf("dataset age %.4gh exceeds %.4gh", *ctx.AgeHours, maxAge)
}

func ruleDependency(gate models.Gate, ctx Context) (bool, string) {
	var incomplete []string
	for _, d := range ctx.Dependencies {
		if !d.Complete {
			incomplete = append(incomplete, d.Name)
		}
	}
	if len(incomplete) > 0 {
		sort.Strings(incomplete)
		return false, fmt.Sprintf("upstream dependencies incomplete: %s", strings.Join(incomplete, ", "))
	}
	return true, "all upstream dependencies complete"
}

// numberParam reads a numeric parameter that may arrive as float64, int, or
// json.Number depending on how the gate document was decoded.
func numberParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringListParam(params map[string]interface{}, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
