// Package designer turns an automation request into a flow definition
// using the trigger and action rules of the catalogue.
package designer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
)

// Reason classifies why a request could not be designed.
type Reason string

const (
	ReasonNoTriggerMatch Reason = "NO_TRIGGER_MATCH"
	ReasonNoActionMatch  Reason = "NO_ACTION_MATCH"
	ReasonInvalidSystem  Reason = "INVALID_SYSTEM"
)

// DesignError is a caller error: retrying the same request fails the same way.
type DesignError struct {
	Reason  Reason
	System  flow.System // Offending system, when there is one
	Message string
}

func (e *DesignError) Error() string {
	if e.System != "" {
		return fmt.Sprintf("design failed: %s (%s): %s", e.Reason, e.System, e.Message)
	}
	return fmt.Sprintf("design failed: %s: %s", e.Reason, e.Message)
}

// IsDesignError reports whether err is a DesignError.
func IsDesignError(err error) bool {
	var de *DesignError
	return errors.As(err, &de)
}

// Designer builds flows from requests. It holds no mutable state.
type Designer struct {
	base *rules.Base
}

// New returns a Designer over base.
func New(base *rules.Base) *Designer {
	return &Designer{base: base}
}

// Design maps req to a validated flow definition.
//
// The trigger comes from the highest-weight trigger rule; each requested
// system contributes the step chain of its highest-weight action rule. ALTA
// requests hang every chain off the trigger (parallel branches); MEDIA and
// BAIXA chain the systems one after another in request order.
//
// Returns *DesignError for caller problems. Any other error means the
// catalogue produced an invalid flow.
func (d *Designer) Design(req flow.FlowRequest) (*flow.FlowDefinition, error) {
	systems, err := normalizeSystems(req.Systems)
	if err != nil {
		return nil, err
	}

	vars := rules.Vars{
		"context":  string(req.Context),
		"priority": string(req.Priority),
		"goal":     req.Goal,
	}

	// Trigger
	triggers, err := d.base.Match(rules.Criteria{
		Kind:     rules.KindTrigger,
		Context:  req.Context,
		Systems:  systems,
		Priority: req.Priority,
		Text:     req.Goal,
	})
	if err != nil {
		return nil, matchFailure(err, ReasonNoTriggerMatch, "", fmt.Sprintf("no trigger rule covers context %q", req.Context))
	}
	trigRule := triggers[0]
	trigSystem := systems[0]
	for _, s := range systems {
		if trigRule.When.AcceptsSystem(s) {
			trigSystem = s
			break
		}
	}

	b := &builder{}
	trigVars := withSystem(vars, trigSystem)
	tmpl := trigRule.Steps[0]
	trigID := b.add(flow.Step{
		Kind:   flow.KindTrigger,
		System: trigSystem,
		Label:  rules.Expand(tmpl.Label, trigVars),
		Config: rules.ExpandConfig(tmpl.Config, trigVars),
		Rule:   trigRule.ID,
	})

	// Actions, one chain per system
	anchor := trigID
	for _, sys := range systems {
		actions, err := d.base.Match(rules.Criteria{
			Kind:     rules.KindAction,
			Context:  req.Context,
			Systems:  []flow.System{sys},
			Priority: req.Priority,
			Text:     req.Goal,
		})
		if err != nil {
			return nil, matchFailure(err, ReasonNoActionMatch, sys, fmt.Sprintf("no action rule covers %s in context %q", sys, req.Context))
		}
		rule := actions[0]
		sysVars := withSystem(vars, sys)

		prev := trigID
		if req.Priority != flow.PriorityAlta {
			prev = anchor
		}
		for _, st := range rule.Steps {
			prev = b.add(flow.Step{
				Kind:   st.Kind,
				System: sys,
				Label:  rules.Expand(st.Label, sysVars),
				Config: rules.ExpandConfig(st.Config, sysVars),
				After:  prev,
				Rule:   rule.ID,
			})
		}
		anchor = prev
	}

	id, err := flow.FlowID(flow.FlowRequest{
		Goal:     req.Goal,
		Context:  req.Context,
		Systems:  systems,
		Priority: req.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("derive flow id: %w", err)
	}
	def := &flow.FlowDefinition{ID: id, Steps: b.steps}
	flow.Recompute(def)

	if err := flow.Check(def, systems); err != nil {
		return nil, fmt.Errorf("designed flow is invalid: %w", err)
	}
	return def, nil
}

// normalizeSystems upper-cases, de-duplicates (first occurrence wins) and
// checks every requested system against the supported set.
func normalizeSystems(in []flow.System) ([]flow.System, error) {
	if len(in) == 0 {
		return nil, &DesignError{Reason: ReasonInvalidSystem, Message: "request declares no systems"}
	}
	seen := make(map[flow.System]bool, len(in))
	out := make([]flow.System, 0, len(in))
	for _, raw := range in {
		s := flow.System(strings.ToUpper(strings.TrimSpace(string(raw))))
		if !flow.SupportedSystems[s] {
			return nil, &DesignError{
				Reason:  ReasonInvalidSystem,
				System:  raw,
				Message: "supported systems are GHL, MAKE, ZAPIER",
			}
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// matchFailure converts a rule-base miss into a DesignError. Guard
// evaluation failures are not caller errors and pass through.
func matchFailure(err error, reason Reason, sys flow.System, msg string) error {
	var nm *rules.NoMatchError
	if errors.As(err, &nm) {
		return &DesignError{Reason: reason, System: sys, Message: msg}
	}
	return fmt.Errorf("match %s rules: %w", strings.ToLower(string(reason)), err)
}

func withSystem(vars rules.Vars, sys flow.System) rules.Vars {
	out := make(rules.Vars, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["system"] = string(sys)
	return out
}

// builder assigns sequential step IDs in creation order.
type builder struct {
	steps []flow.Step
}

func (b *builder) add(s flow.Step) string {
	s.ID = flow.StepID(len(b.steps) + 1)
	b.steps = append(b.steps, s)
	return s.ID
}
