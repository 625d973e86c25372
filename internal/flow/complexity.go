package flow

import (
	"maps"
	"slices"
)

// Step weights used by the complexity score.
var kindWeight = map[StepKind]int{
	KindTrigger:   1,
	KindAction:    2,
	KindCondition: 3,
	KindDelay:     1,
}

// Complexity scores a flow as the weighted step count plus its branch count.
// A step with n > 1 successors contributes n-1 branches.
func Complexity(def *FlowDefinition) int {
	score := 0
	for _, step := range def.Steps {
		score += kindWeight[step.Kind]
	}
	return score + BranchCount(def)
}

// BranchCount returns the number of extra paths created by fan-out.
func BranchCount(def *FlowDefinition) int {
	branches := 0
	for _, kids := range Children(def) {
		if len(kids) > 1 {
			branches += len(kids) - 1
		}
	}
	return branches
}

// Recompute refreshes the derived fields: Systems in order of first
// reference and Complexity. Call it after any change to Steps.
func Recompute(def *FlowDefinition) {
	seen := make(map[System]bool)
	systems := make([]System, 0, len(def.Steps))
	for _, step := range def.Steps {
		if !seen[step.System] {
			seen[step.System] = true
			systems = append(systems, step.System)
		}
	}
	def.Systems = systems
	def.Complexity = Complexity(def)
}

// EffectSet returns the terminal side effects of a flow: the sorted, unique
// "system:key=value" triples over every ACTION step's configuration.
func EffectSet(def *FlowDefinition) []string {
	set := make(map[string]bool)
	for _, step := range def.Steps {
		if step.Kind != KindAction {
			continue
		}
		for k, v := range step.Config {
			set[string(step.System)+":"+k+"="+v] = true
		}
	}
	var keys []string
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Equivalent reports whether b behaves like a: same trigger (kind, system,
// config) and the same effect set.
func Equivalent(a, b *FlowDefinition) bool {
	ta, tb := Trigger(a), Trigger(b)
	if ta == nil || tb == nil {
		return ta == tb
	}
	if ta.Kind != tb.Kind || ta.System != tb.System || !maps.Equal(ta.Config, tb.Config) {
		return false
	}
	return slices.Equal(EffectSet(a), EffectSet(b))
}

// Clone returns a deep copy of def.
func Clone(def *FlowDefinition) *FlowDefinition {
	out := &FlowDefinition{
		ID:         def.ID,
		Steps:      make([]Step, len(def.Steps)),
		Systems:    slices.Clone(def.Systems),
		Complexity: def.Complexity,
	}
	for i, step := range def.Steps {
		step.Config = maps.Clone(step.Config)
		out.Steps[i] = step
	}
	return out
}
