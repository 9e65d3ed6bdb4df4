// package catalog owns gate definitions: validation, steward edits, and scope
// matching against (route, dataset, classification) tuples.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/store"
)

// ErrValidation marks a malformed gate definition.
var ErrValidation = errors.New("validation failed")

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// Options tune scope matching.
type Options struct {
	// MatchAllOnEmptyRoutes flips the default explicit-route-list semantics:
	// a gate with no routes in scope then applies to every route.
	MatchAllOnEmptyRoutes bool
}

// Catalog is the gate catalog service. Reads are safe for concurrent use;
// edits are steward-initiated, audited, and serialized by the store.
type Catalog struct {
	gates store.GateStore
	trail audit.Sink
	opts  Options
}

func New(gates store.GateStore, trail audit.Sink, opts Options) *Catalog {
	return &Catalog{gates: gates, trail: trail, opts: opts}
}

// Upsert validates and stores a gate, emitting gates.create or gates.edit.
func (c *Catalog) Upsert(ctx context.Context, actor string, gate models.Gate) (models.Gate, error) {
	if err := Validate(gate); err != nil {
		return models.Gate{}, err
	}
	created, err := c.gates.UpsertGate(ctx, gate)
	if err != nil {
		return models.Gate{}, fmt.Errorf("upsert gate: %w", err)
	}
	eventType := "gates.edit"
	if created {
		eventType = "gates.create"
	}
	if err := c.trail.Append(ctx, &audit.Event{
		EventType: eventType,
		Actor:     actor,
		Payload:   map[string]interface{}{"gate_id": gate.ID, "type": gate.Type, "severity": gate.Severity},
	}); err != nil {
		return models.Gate{}, fmt.Errorf("audit gate upsert: %w", err)
	}
	return c.gates.GetGate(ctx, gate.ID)
}

// Delete removes a gate. Already-decided request history is untouched because
// requests hold gate snapshots, not references.
func (c *Catalog) Delete(ctx context.Context, actor, id string) error {
	if err := c.gates.DeleteGate(ctx, id); err != nil {
		return err
	}
	if err := c.trail.Append(ctx, &audit.Event{
		EventType: "gates.delete",
		Actor:     actor,
		Payload:   map[string]interface{}{"gate_id": id},
	}); err != nil {
		return fmt.Errorf("audit gate delete: %w", err)
	}
	return nil
}

func (c *Catalog) Get(ctx context.Context, id string) (models.Gate, error) {
	return c.gates.GetGate(ctx, id)
}

func (c *Catalog) List(ctx context.Context) ([]models.Gate, error) {
	return c.gates.ListGates(ctx)
}

// MatchCandidates returns every gate whose scope matches the tuple: the route
// must be listed (or the match-all option is on and the list is empty), the
// dataset must match at least one pattern, and the classification sets must
// intersect unless the gate's set is empty.
func (c *Catalog) MatchCandidates(ctx context.Context, route models.Route, dataset string, classifications []string) ([]models.Gate, error) {
	gates, err := c.gates.ListGates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	var matched []models.Gate
	for _, g := range gates {
		if c.scopeMatches(g.Scope, route, dataset, classifications) {
			matched = append(matched, g)
		}
	}
	return matched, nil
}

func (c *Catalog) scopeMatches(scope models.GateScope, route models.Route, dataset string, classifications []string) bool {
	if len(scope.Routes) == 0 {
		if !c.opts.MatchAllOnEmptyRoutes {
			return false
		}
	} else {
		found := false
		for _, r := range scope.Routes {
			if r.From == route.From && r.To == route.To {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	datasetMatched := false
	for _, pattern := range scope.Datasets {
		if MatchDataset(pattern, dataset) {
			datasetMatched = true
			break
		}
	}
	if !datasetMatched {
		return false
	}

	if len(scope.Classifications) == 0 {
		return true
	}
	for _, want := range scope.Classifications {
		for _, have := range classifications {
			if want == have {
				return true
			}
		}
	}
	return false
}

// MatchDataset matches a dataset name against a glob pattern supporting only
// the '*' wildcard, anchored at both ends.
func MatchDataset(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(name, parts[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(parts[i]):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}

// Validate checks id format, enum membership, and the per-type parameter
// schema before a gate is accepted.
func Validate(gate models.Gate) error {
	if !slugPattern.MatchString(gate.ID) {
		return fmt.Errorf("%w: gate id %q is not a valid slug", ErrValidation, gate.ID)
	}
	if gate.Name == "" {
		return fmt.Errorf("%w: gate name required", ErrValidation)
	}
	switch gate.Severity {
	case models.SeverityBlock, models.SeverityWarn:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, gate.Severity)
	}
	known := false
	for _, t := range models.KnownGateTypes {
		if gate.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown gate type %q", ErrValidation, gate.Type)
	}
	if len(gate.Scope.Datasets) == 0 {
		return fmt.Errorf("%w: gate scope requires at least one dataset pattern", ErrValidation)
	}
	return validateParameters(gate)
}

func validateParameters(gate models.Gate) error {
	switch gate.Type {
	case models.GateDqThreshold:
		// min_score is optional; the per-environment default applies when absent.
		if _, present := gate.Parameters["min_score"]; present {
			if !isNumber(gate.Parameters["min_score"]) {
				return fmt.Errorf("%w: dq_threshold min_score must be a number", ErrValidation)
			}
		}
	case models.GateFreshness:
		if !isNumber(gate.Parameters["max_age_hours"]) {
			return fmt.Errorf("%w: freshness requires numeric max_age_hours", ErrValidation)
		}
	case models.GateSchemaDrift:
		if !isStringList(gate.Parameters["allowed_kinds"]) {
			return fmt.Errorf("%w: schema_drift requires allowed_kinds string list", ErrValidation)
		}
		if v, present := gate.Parameters["block_on"]; present && !isStringList(v) {
			return fmt.Errorf("%w: schema_drift block_on must be a string list", ErrValidation)
		}
	case models.GateMasking, models.GateRls, models.GateDependency:
		// No required parameters.
	}
	return nil
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, int, int64:
		return true
	}
	if n, ok := v.(interface{ Float64() (float64, error) }); ok {
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func isStringList(v interface{}) bool {
	switch list := v.(type) {
	case []string:
		return true
	case []interface{}:
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}
