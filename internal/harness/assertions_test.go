package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/flow"
)

func intPtr(n int) *int { return &n }

// branchingFlow is trigger -> a1, trigger -> a2.
func branchingFlow() flow.FlowDefinition {
	def := flow.FlowDefinition{
		ID: "flow-test",
		Steps: []flow.Step{
			{ID: "s01", Kind: flow.KindTrigger, System: flow.SystemGHL},
			{ID: "s02", Kind: flow.KindAction, System: flow.SystemGHL, After: "s01"},
			{ID: "s03", Kind: flow.KindAction, System: flow.SystemMake, After: "s01"},
		},
	}
	flow.Recompute(&def)
	return def
}

func flowResult(traceID string) *Result {
	r := NewResult()
	r.Outputs = []dispatch.Envelope{{
		TraceID: traceID,
		Name:    dispatch.EventFlowDefined,
		Payload: dispatch.FlowDefinedPayload{TraceID: traceID, Flow: branchingFlow()},
	}}
	return r
}

func fixResult(traceID string) *Result {
	r := NewResult()
	r.Outputs = []dispatch.Envelope{{
		TraceID: traceID,
		Name:    dispatch.EventFixSuggested,
		Payload: dispatch.FixSuggestedPayload{
			TraceID: traceID,
			Classification: flow.Classification{
				Category:   flow.CategoryTimeout,
				Confidence: 0.6,
				Patch: []flow.Mutation{{
					Op:     flow.OpInsert,
					Anchor: flow.AnchorAfter,
					Kind:   flow.KindAction,
					System: flow.SystemMake,
					Config: map[string]string{"action": "send_alert", "severity": "ALTO"},
				}},
			},
		},
	}}
	return r
}

func TestEvaluateAssertions_FlowCounts(t *testing.T) {
	r := flowResult("t")
	pass := []Assertion{
		{Type: AssertStepCount, Count: intPtr(3)},
		{Type: AssertTriggerCount, Count: intPtr(1)},
		{Type: AssertBranchCount, Count: intPtr(1)},
	}
	assert.Empty(t, EvaluateAssertions(r, pass, "t"))

	fail := []Assertion{
		{Type: AssertStepCount, Count: intPtr(4)},
		{Type: AssertBranchCount, Count: intPtr(0)},
		{Type: AssertStepCount, Count: intPtr(3), Reduced: true},
	}
	errs := EvaluateAssertions(r, fail, "t")
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "Actual: 3 in flow-test")
	assert.Contains(t, errs[1], "Actual: 1 in flow-test")
	assert.Contains(t, errs[2], "flow was not simplified")
}

func TestEvaluateAssertions_Classification(t *testing.T) {
	r := fixResult("t")
	pass := []Assertion{
		{Type: AssertCategory, Value: "TIMEOUT"},
		{Type: AssertMinConfidence, Min: 0.6},
		{Type: AssertPatchContains, Op: "INSERT", Kind: "ACTION", Config: map[string]string{"action": "send_alert"}},
		{Type: AssertPatchContains, System: "MAKE"},
	}
	assert.Empty(t, EvaluateAssertions(r, pass, "t"))

	fail := []Assertion{
		{Type: AssertCategory, Value: "RATE_LIMIT"},
		{Type: AssertMinConfidence, Min: 0.7},
		{Type: AssertPatchContains, Op: "REMOVE"},
		{Type: AssertPatchContains, Config: map[string]string{"action": "manual_review"}},
	}
	errs := EvaluateAssertions(r, fail, "t")
	require.Len(t, errs, 4)
	assert.Contains(t, errs[1], "Expected: >= 0.700")
	assert.Contains(t, errs[2], "mutation with op=REMOVE")
}

func TestEvaluateAssertions_MissingOutput(t *testing.T) {
	errs := EvaluateAssertions(flowResult("t"), []Assertion{{Type: AssertCategory, Value: "TIMEOUT"}}, "t")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no AUTOMATION_FIX_SUGGESTED output")

	errs = EvaluateAssertions(fixResult("t"), []Assertion{{Type: AssertStepCount, Count: intPtr(1)}}, "t")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no AUTOMATION_FLOW_DEFINED output")
}

func TestEvaluateAssertions_TracePropagated(t *testing.T) {
	a := []Assertion{{Type: AssertTracePropagated}}
	assert.Empty(t, EvaluateAssertions(fixResult("trace-1"), a, "trace-1"))

	errs := EvaluateAssertions(fixResult("trace-1"), a, "trace-2")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "envelope")

	r := fixResult("trace-1")
	p := r.Outputs[0].Payload.(dispatch.FixSuggestedPayload)
	p.TraceID = "other"
	r.Outputs[0].Payload = p
	errs = EvaluateAssertions(r, a, "trace-1")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "other on AUTOMATION_FIX_SUGGESTED payload")

	errs = EvaluateAssertions(NewResult(), a, "trace-1")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at least one output")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
	assert.Nil(t, r.Output(dispatch.EventFlowDefined))
}
