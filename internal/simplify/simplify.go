// Package simplify proposes behavior-preserving reductions of flow
// definitions using the simplification heuristics of the catalogue.
package simplify

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
)

// ErrNoChange is returned when no heuristic applies to the flow.
var ErrNoChange = errors.New("no simplification applies")

// EquivalenceError reports a reduction that changed observable behavior or
// broke a flow invariant. It signals a heuristic or catalogue bug, never a
// caller error.
type EquivalenceError struct {
	FlowID string
	Reason string
	Errors []flow.ValidationError
}

func (e *EquivalenceError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("simplify %s: %s: %s", e.FlowID, e.Reason, e.Errors[0].Error())
	}
	return fmt.Sprintf("simplify %s: %s", e.FlowID, e.Reason)
}

// IsEquivalenceError reports whether err is an EquivalenceError.
func IsEquivalenceError(err error) bool {
	var ee *EquivalenceError
	return errors.As(err, &ee)
}

// Analyzer applies simplification heuristics. Safe for concurrent use.
type Analyzer struct {
	heuristics []rules.Rule
}

// heuristicOrder fixes when each heuristic runs: every merge before any
// prune, whatever weights the catalogue assigns.
var heuristicOrder = map[rules.HeuristicName]int{
	rules.HeuristicMerge: 0,
	rules.HeuristicPrune: 1,
}

// New returns an Analyzer running the simplification rules of base, merge
// rules first, then prune rules. Rules of the same heuristic keep their
// match order.
func New(base *rules.Base) *Analyzer {
	hs := base.Rules(rules.KindSimplification)
	slices.SortStableFunc(hs, func(a, b rules.Rule) int {
		return cmp.Compare(heuristicOrder[a.Heuristic.Name], heuristicOrder[b.Heuristic.Name])
	})
	return &Analyzer{heuristics: hs}
}

// step applies one heuristic at the first site it finds and returns the
// justification variables, or false when the heuristic does not apply.
type step func(def *flow.FlowDefinition) (rules.Vars, bool)

// Simplify returns a reduced equivalent of def. Heuristics run merge
// first, then prune, and restart after every application until none applies, so the
// reduced flow is a fixed point: simplifying it again returns ErrNoChange.
//
// def is not modified. An invalid input flow is reported as a wrapped
// *flow.InvariantError.
func (a *Analyzer) Simplify(def *flow.FlowDefinition) (*flow.SimplificationProposal, error) {
	// The input is held to its own declared systems, the same set the
	// reduced flow is checked against below.
	if err := flow.Check(def, def.Systems); err != nil {
		return nil, fmt.Errorf("simplify: input flow: %w", err)
	}

	reduced := flow.Clone(def)
	var justifications []string
	for applied := true; applied; {
		applied = false
		for _, r := range a.heuristics {
			vars, ok := heuristic(r.Heuristic.Name)(reduced)
			if !ok {
				continue
			}
			justifications = append(justifications, rules.Expand(r.Heuristic.Justification, vars))
			applied = true
			break
		}
	}
	if len(justifications) == 0 {
		return nil, ErrNoChange
	}

	flow.Recompute(reduced)
	ids := make([]string, len(reduced.Steps))
	for i, s := range reduced.Steps {
		ids[i] = s.ID
	}
	id, err := flow.ReducedID(def.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("simplify: derive reduced id: %w", err)
	}
	reduced.ID = id

	if errs := flow.Validate(reduced, def.Systems); len(errs) > 0 {
		return nil, &EquivalenceError{FlowID: def.ID, Reason: "reduced flow violates invariants", Errors: errs}
	}
	if !flow.Equivalent(def, reduced) {
		return nil, &EquivalenceError{FlowID: def.ID, Reason: "reduced flow changes trigger or effect set"}
	}
	delta := flow.Complexity(def) - reduced.Complexity
	if delta <= 0 {
		return nil, &EquivalenceError{FlowID: def.ID, Reason: fmt.Sprintf("complexity did not decrease (delta %d)", delta)}
	}

	return &flow.SimplificationProposal{
		OriginalID:      def.ID,
		Reduced:         *reduced,
		Justifications:  justifications,
		ComplexityDelta: delta,
	}, nil
}

func heuristic(name rules.HeuristicName) step {
	switch name {
	case rules.HeuristicMerge:
		return mergeActions
	case rules.HeuristicPrune:
		return pruneCondition
	}
	return func(*flow.FlowDefinition) (rules.Vars, bool) { return nil, false }
}

// mergeActions folds an ACTION into its ACTION predecessor on the same
// system when the predecessor has no other successor and the configurations
// agree on every shared key.
func mergeActions(def *flow.FlowDefinition) (rules.Vars, bool) {
	children := flow.Children(def)
	for _, b := range def.Steps {
		if b.Kind != flow.KindAction || b.After == "" {
			continue
		}
		a := flow.StepByID(def, b.After)
		if a == nil || a.Kind != flow.KindAction || a.System != b.System || len(children[a.ID]) != 1 {
			continue
		}
		merged, ok := unionConfig(a.Config, b.Config)
		if !ok {
			continue
		}
		a.Config = merged
		if a.Label == "" {
			a.Label = b.Label
		} else if b.Label != "" {
			a.Label += " + " + b.Label
		}
		relink(def, b.ID, a.ID)
		removeSteps(def, map[string]bool{b.ID: true})
		return rules.Vars{"step": b.ID, "into": a.ID, "system": string(a.System)}, true
	}
	return nil, false
}

// pruneCondition removes a CONDITION whose branches are structurally
// identical, keeping the first branch and attaching it to the condition's
// predecessor.
func pruneCondition(def *flow.FlowDefinition) (rules.Vars, bool) {
	children := flow.Children(def)
	for _, c := range def.Steps {
		kids := children[c.ID]
		if c.Kind != flow.KindCondition || len(kids) < 2 {
			continue
		}
		first := signature(def, children, kids[0])
		same := true
		for _, k := range kids[1:] {
			if signature(def, children, k) != first {
				same = false
				break
			}
		}
		if !same {
			continue
		}

		drop := map[string]bool{c.ID: true}
		for _, k := range kids[1:] {
			collectSubtree(children, k, drop)
		}
		relink(def, c.ID, c.After)
		removeSteps(def, drop)
		return rules.Vars{
			"step":    c.ID,
			"system":  string(c.System),
			"removed": strconv.Itoa(len(drop) - 1),
		}, true
	}
	return nil, false
}

// unionConfig merges b into a. Returns false when a key has two values.
func unionConfig(a, b map[string]string) (map[string]string, bool) {
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]string, len(b))
	}
	for k, v := range b {
		if prev, ok := out[k]; ok && prev != v {
			return nil, false
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, true
	}
	return out, true
}

// signature encodes the subtree rooted at id by kind, system and config.
// Labels and IDs do not take part.
func signature(def *flow.FlowDefinition, children map[string][]string, id string) string {
	s := flow.StepByID(def, id)
	var b strings.Builder
	b.WriteString(string(s.Kind))
	b.WriteByte('|')
	b.WriteString(string(s.System))
	b.WriteByte('|')
	keys := make([]string, 0, len(s.Config))
	for k := range s.Config {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(s.Config[k]))
		b.WriteByte(';')
	}
	b.WriteByte('[')
	for _, kid := range children[id] {
		b.WriteString(signature(def, children, kid))
		b.WriteByte(',')
	}
	b.WriteByte(']')
	return b.String()
}

func collectSubtree(children map[string][]string, id string, into map[string]bool) {
	into[id] = true
	for _, kid := range children[id] {
		collectSubtree(children, kid, into)
	}
}

// relink points every successor of from at to.
func relink(def *flow.FlowDefinition, from, to string) {
	for i := range def.Steps {
		if def.Steps[i].After == from {
			def.Steps[i].After = to
		}
	}
}

func removeSteps(def *flow.FlowDefinition, ids map[string]bool) {
	def.Steps = slices.DeleteFunc(def.Steps, func(s flow.Step) bool { return ids[s.ID] })
}
