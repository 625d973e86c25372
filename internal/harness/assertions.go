package harness

import (
	"fmt"
	"strings"

	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/flow"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Outputs  []string // outbound event names, for context
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "  Outputs: %v", e.Outputs)
	return buf.String()
}

// EvaluateAssertions runs every assertion against r and returns the
// failure messages. traceID is the inbound trace for trace_propagated.
func EvaluateAssertions(r *Result, assertions []Assertion, traceID string) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(r, a, traceID); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluateAssertion(r *Result, a Assertion, traceID string) error {
	switch a.Type {
	case AssertStepCount, AssertTriggerCount, AssertBranchCount:
		return assertFlowCount(r, a)
	case AssertCategory:
		return assertCategory(r, a)
	case AssertMinConfidence:
		return assertMinConfidence(r, a)
	case AssertPatchContains:
		return assertPatchContains(r, a)
	case AssertTracePropagated:
		return assertTracePropagated(r, traceID)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (r *Result) failure(a Assertion, expected, actual string) *AssertionError {
	names := make([]string, len(r.Outputs))
	for i, ev := range r.Outputs {
		names[i] = ev.Name
	}
	return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Outputs: names}
}

// designedFlow returns the flow of the AUTOMATION_FLOW_DEFINED output, or
// its simplified form when reduced is set.
func designedFlow(r *Result, reduced bool) (*flow.FlowDefinition, error) {
	ev := r.Output(dispatch.EventFlowDefined)
	if ev == nil {
		return nil, fmt.Errorf("no %s output", dispatch.EventFlowDefined)
	}
	p, ok := ev.Payload.(dispatch.FlowDefinedPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", ev.Payload)
	}
	if !reduced {
		return &p.Flow, nil
	}
	if p.Simplification == nil {
		return nil, fmt.Errorf("flow was not simplified")
	}
	return &p.Simplification.Reduced, nil
}

func assertFlowCount(r *Result, a Assertion) error {
	def, err := designedFlow(r, a.Reduced)
	if err != nil {
		return err
	}

	var got int
	switch a.Type {
	case AssertStepCount:
		got = len(def.Steps)
	case AssertTriggerCount:
		for _, s := range def.Steps {
			if s.Kind == flow.KindTrigger {
				got++
			}
		}
	case AssertBranchCount:
		got = flow.BranchCount(def)
	}

	if got != *a.Count {
		return r.failure(a, fmt.Sprintf("%d", *a.Count), fmt.Sprintf("%d in %s", got, def.ID))
	}
	return nil
}

func classification(r *Result) (*flow.Classification, error) {
	ev := r.Output(dispatch.EventFixSuggested)
	if ev == nil {
		return nil, fmt.Errorf("no %s output", dispatch.EventFixSuggested)
	}
	p, ok := ev.Payload.(dispatch.FixSuggestedPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", ev.Payload)
	}
	return &p.Classification, nil
}

func assertCategory(r *Result, a Assertion) error {
	c, err := classification(r)
	if err != nil {
		return err
	}
	if string(c.Category) != a.Value {
		return r.failure(a, a.Value, string(c.Category))
	}
	return nil
}

func assertMinConfidence(r *Result, a Assertion) error {
	c, err := classification(r)
	if err != nil {
		return err
	}
	if c.Confidence < a.Min {
		return r.failure(a, fmt.Sprintf(">= %.3f", a.Min), fmt.Sprintf("%.3f", c.Confidence))
	}
	return nil
}

func assertPatchContains(r *Result, a Assertion) error {
	c, err := classification(r)
	if err != nil {
		return err
	}
	for _, m := range c.Patch {
		if matchMutation(m, a) {
			return nil
		}
	}
	return r.failure(a, describeSelector(a), fmt.Sprintf("%d mutation(s), none matching", len(c.Patch)))
}

func matchMutation(m flow.Mutation, a Assertion) bool {
	if a.Op != "" && string(m.Op) != a.Op {
		return false
	}
	if a.System != "" && string(m.System) != a.System {
		return false
	}
	if a.Kind != "" && string(m.Kind) != a.Kind {
		return false
	}
	for k, v := range a.Config {
		if got, ok := m.Config[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func describeSelector(a Assertion) string {
	var parts []string
	if a.Op != "" {
		parts = append(parts, "op="+a.Op)
	}
	if a.System != "" {
		parts = append(parts, "system="+a.System)
	}
	if a.Kind != "" {
		parts = append(parts, "kind="+a.Kind)
	}
	if len(a.Config) > 0 {
		parts = append(parts, fmt.Sprintf("config~%v", a.Config))
	}
	return "mutation with " + strings.Join(parts, " ")
}

// assertTracePropagated checks that every output and its payload carry the
// inbound trace ID.
func assertTracePropagated(r *Result, traceID string) error {
	a := Assertion{Type: AssertTracePropagated}
	if len(r.Outputs) == 0 {
		return r.failure(a, "at least one output", "none")
	}
	for _, ev := range r.Outputs {
		if ev.TraceID != traceID {
			return r.failure(a, traceID, fmt.Sprintf("%s on %s envelope", ev.TraceID, ev.Name))
		}
		if got := payloadTraceID(ev.Payload); got != traceID {
			return r.failure(a, traceID, fmt.Sprintf("%s on %s payload", got, ev.Name))
		}
	}
	return nil
}

func payloadTraceID(p any) string {
	switch v := p.(type) {
	case dispatch.FlowDefinedPayload:
		return v.TraceID
	case dispatch.FixSuggestedPayload:
		return v.TraceID
	case dispatch.SimplificationRecommendedPayload:
		return v.TraceID
	default:
		return ""
	}
}
