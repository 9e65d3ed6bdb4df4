package policy_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veridata/govern/internal/models"
	"github.com/veridata/govern/internal/policy"
)

func f64(v float64) *float64 { return &v }

func gate(id string, t models.GateType, params map[string]interface{}) models.Gate {
	return models.Gate{
		ID:         id,
		Name:       id,
		Type:       t,
		Severity:   models.SeverityBlock,
		Parameters: params,
	}
}

func TestDqThresholdRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("dq", models.GateDqThreshold, map[string]interface{}{"min_score": 95.0})

	res := e.Evaluate(g, policy.Context{DqScore: f64(96)})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{DqScore: f64(93)})
	assert.Equal(t, models.GateFail, res.Status)
	assert.Contains(t, res.Explanation, "below minimum")

	// No recorded score fails.
	res = e.Evaluate(g, policy.Context{})
	assert.Equal(t, models.GateFail, res.Status)
}

func TestDqThresholdDefaultMinScore(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("dq", models.GateDqThreshold, map[string]interface{}{})

	res := e.Evaluate(g, policy.Context{DqScore: f64(91), DefaultMinScore: 90})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{DqScore: f64(89), DefaultMinScore: 90})
	assert.Equal(t, models.GateFail, res.Status)
}

func TestMaskingRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("mask", models.GateMasking, nil)

	ctx := policy.Context{
		Classifications: []string{"pii", "public"},
		Masking: map[string]policy.Enforcement{
			"pii":    {Required: true, Enforced: true},
			"public": {Required: false, Enforced: false},
		},
	}
	res := e.Evaluate(g, ctx)
	assert.Equal(t, models.GatePass, res.Status)

	ctx.Masking["pii"] = policy.Enforcement{Required: true, Enforced: false}
	res = e.Evaluate(g, ctx)
	assert.Equal(t, models.GateFail, res.Status)
	assert.Contains(t, res.Explanation, "pii")
}

func TestRlsRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("rls", models.GateRls, nil)

	res := e.Evaluate(g, policy.Context{
		Classifications: []string{"restricted"},
		Rls:             map[string]policy.Enforcement{"restricted": {Required: true, Enforced: false}},
	})
	assert.Equal(t, models.GateFail, res.Status)

	// Classifications without a report are not the gate's concern.
	res = e.Evaluate(g, policy.Context{Classifications: []string{"restricted"}})
	assert.Equal(t, models.GatePass, res.Status)
}

func TestSchemaDriftRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("drift", models.GateSchemaDrift, map[string]interface{}{
		"allowed_kinds": []string{"column_add"},
		"block_on":      []string{"column_drop"},
	})

	res := e.Evaluate(g, policy.Context{SchemaChangeKind: "none"})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{SchemaChangeKind: "column_add"})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{SchemaChangeKind: "column_drop"})
	assert.Equal(t, models.GateFail, res.Status)

	res = e.Evaluate(g, policy.Context{SchemaChangeKind: "type_change"})
	assert.Equal(t, models.GateFail, res.Status)
	assert.Contains(t, res.Explanation, "not in the allowed kinds")
}

func TestSchemaDriftBlockOnWinsOverAllowed(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("drift", models.GateSchemaDrift, map[string]interface{}{
		"allowed_kinds": []string{"column_drop"},
		"block_on":      []string{"column_drop"},
	})
	res := e.Evaluate(g, policy.Context{SchemaChangeKind: "column_drop"})
	assert.Equal(t, models.GateFail, res.Status)
}

func TestFreshnessRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("fresh", models.GateFreshness, map[string]interface{}{"max_age_hours": 24.0})

	res := e.Evaluate(g, policy.Context{AgeHours: f64(6)})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{AgeHours: f64(30)})
	assert.Equal(t, models.GateFail, res.Status)

	// Unknown age fails closed.
	res = e.Evaluate(g, policy.Context{})
	assert.Equal(t, models.GateFail, res.Status)

	noParam := gate("fresh2", models.GateFreshness, nil)
	res = e.Evaluate(noParam, policy.Context{AgeHours: f64(1)})
	assert.Equal(t, models.GateFail, res.Status)
}

func TestDependencyRule(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("deps", models.GateDependency, nil)

	res := e.Evaluate(g, policy.Context{Dependencies: []policy.DependencyStatus{
		{Name: "raw.orders", Complete: true},
	}})
	assert.Equal(t, models.GatePass, res.Status)

	res = e.Evaluate(g, policy.Context{Dependencies: []policy.DependencyStatus{
		{Name: "raw.orders", Complete: true},
		{Name: "raw.users", Complete: false},
	}})
	assert.Equal(t, models.GateFail, res.Status)
	assert.Contains(t, res.Explanation, "raw.users")
}

func TestUnknownGateTypeFailsClosed(t *testing.T) {
	e := policy.NewEvaluator()
	g := gate("odd", models.GateType("custom_check"), nil)

	res := e.Evaluate(g, policy.Context{})
	assert.Equal(t, models.GateFail, res.Status)
	assert.Equal(t, "unknown gate type", res.Explanation)

	open := policy.NewEvaluator(policy.AllowUnknownTypes())
	res = open.Evaluate(g, policy.Context{})
	assert.Equal(t, models.GatePass, res.Status)
}

func TestRegisterCustomRule(t *testing.T) {
	e := policy.NewEvaluator()
	e.Register("custom_check", func(g models.Gate, ctx policy.Context) (bool, string) {
		return true, "always fine"
	})
	res := e.Evaluate(gate("odd", "custom_check", nil), policy.Context{})
	assert.Equal(t, models.GatePass, res.Status)
}

func TestEvaluateAllKeepsEveryResult(t *testing.T) {
	e := policy.NewEvaluator()
	gates := []models.Gate{
		gate("dq", models.GateDqThreshold, map[string]interface{}{"min_score": 95.0}),
		gate("deps", models.GateDependency, nil),
	}
	results := e.EvaluateAll(gates, policy.Context{DqScore: f64(10)})
	assert.Len(t, results, 2)
	assert.Equal(t, models.GateFail, results[0].Status)
	assert.Equal(t, models.GatePass, results[1].Status)
}

func TestNumberParamJSONNumber(t *testing.T) {
	e := policy.NewEvaluator()
	// Parameters decoded with json.Decoder.UseNumber arrive as json.Number.
	g := gate("fresh", models.GateFreshness, map[string]interface{}{"max_age_hours": json.Number("12")})
	res := e.Evaluate(g, policy.Context{AgeHours: f64(11)})
	assert.Equal(t, models.GatePass, res.Status)
}
