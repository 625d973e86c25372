package simplify

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmadigital/autoflow/internal/designer"
	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return New(rules.MustDefault())
}

func testFlow(steps ...flow.Step) *flow.FlowDefinition {
	def := &flow.FlowDefinition{ID: "flow-test", Steps: steps}
	flow.Recompute(def)
	return def
}

func trigger() flow.Step {
	return flow.Step{ID: "s01", Kind: flow.KindTrigger, System: flow.SystemGHL, Label: "Inicio", Config: map[string]string{"event": "x"}}
}

func action(id, after string, sys flow.System, config map[string]string) flow.Step {
	return flow.Step{ID: id, Kind: flow.KindAction, System: sys, Label: "Acao " + id, Config: config, After: after}
}

func TestSimplify_MergesSameSystemActions(t *testing.T) {
	def := testFlow(
		trigger(),
		action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
		action("s03", "s02", flow.SystemGHL, map[string]string{"b": "2"}),
		action("s04", "s03", flow.SystemMake, map[string]string{"c": "3"}),
	)

	p, err := newAnalyzer(t).Simplify(def)
	require.NoError(t, err)

	assert.Equal(t, "flow-test", p.OriginalID)
	assert.Equal(t, "flow-ecc24894d7faaf92", p.Reduced.ID)
	assert.Equal(t, 2, p.ComplexityDelta)
	assert.Equal(t, 5, p.Reduced.Complexity)
	assert.Equal(t, []string{
		"Acao s03 consolidada em s02 (GHL): mesma plataforma, configuracoes compativeis.",
	}, p.Justifications)

	require.Len(t, p.Reduced.Steps, 3)
	merged := p.Reduced.Steps[1]
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Config)
	assert.Equal(t, "Acao s02 + Acao s03", merged.Label)
	assert.Equal(t, "s02", p.Reduced.Steps[2].After)
}

func TestSimplify_DoesNotMutateInput(t *testing.T) {
	def := testFlow(
		trigger(),
		action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
		action("s03", "s02", flow.SystemGHL, map[string]string{"b": "2"}),
	)
	before := flow.Clone(def)

	_, err := newAnalyzer(t).Simplify(def)
	require.NoError(t, err)
	assert.Equal(t, before, def)
}

func TestSimplify_NoChange(t *testing.T) {
	tests := []struct {
		name  string
		steps []flow.Step
	}{
		{
			name: "conflicting config",
			steps: []flow.Step{
				trigger(),
				action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
				action("s03", "s02", flow.SystemGHL, map[string]string{"a": "2"}),
			},
		},
		{
			name: "different systems",
			steps: []flow.Step{
				trigger(),
				action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
				action("s03", "s02", flow.SystemMake, map[string]string{"b": "2"}),
			},
		},
		{
			name: "predecessor branches",
			steps: []flow.Step{
				trigger(),
				action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
				action("s03", "s02", flow.SystemGHL, map[string]string{"b": "2"}),
				action("s04", "s02", flow.SystemMake, map[string]string{"c": "3"}),
			},
		},
		{
			name: "delay in between",
			steps: []flow.Step{
				trigger(),
				action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
				{ID: "s03", Kind: flow.KindDelay, System: flow.SystemGHL, After: "s02"},
				action("s04", "s03", flow.SystemGHL, map[string]string{"b": "2"}),
			},
		},
		{
			name: "condition with different branches",
			steps: []flow.Step{
				trigger(),
				{ID: "s02", Kind: flow.KindCondition, System: flow.SystemGHL, After: "s01"},
				action("s03", "s02", flow.SystemMake, map[string]string{"m": "1"}),
				action("s04", "s02", flow.SystemMake, map[string]string{"m": "2"}),
			},
		},
		{
			name: "trigger only",
			steps: []flow.Step{
				trigger(),
			},
		},
	}
	a := newAnalyzer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Simplify(testFlow(tt.steps...))
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrNoChange)
		})
	}
}

func TestSimplify_PrunesRedundantCondition(t *testing.T) {
	def := testFlow(
		trigger(),
		flow.Step{ID: "s02", Kind: flow.KindCondition, System: flow.SystemGHL, Label: "Lead quente?", Config: map[string]string{"check": "score > 50"}, After: "s01"},
		action("s03", "s02", flow.SystemMake, map[string]string{"m": "1"}),
		action("s04", "s02", flow.SystemMake, map[string]string{"m": "1"}),
	)
	assert.Equal(t, 9, def.Complexity)

	p, err := newAnalyzer(t).Simplify(def)
	require.NoError(t, err)

	assert.Equal(t, "flow-12e8e509f336a621", p.Reduced.ID)
	assert.Equal(t, 6, p.ComplexityDelta)
	assert.Equal(t, []string{
		"Condicao s02 removida: todos os ramos executam as mesmas etapas (1 etapas duplicadas).",
	}, p.Justifications)
	require.Len(t, p.Reduced.Steps, 2)
	assert.Equal(t, "s03", p.Reduced.Steps[1].ID)
	assert.Equal(t, "s01", p.Reduced.Steps[1].After)
}

func TestSimplify_CascadesToFixedPoint(t *testing.T) {
	def := testFlow(
		trigger(),
		action("s02", "s01", flow.SystemGHL, map[string]string{"x": "1"}),
		flow.Step{ID: "s03", Kind: flow.KindCondition, System: flow.SystemGHL, After: "s02"},
		action("s04", "s03", flow.SystemGHL, map[string]string{"y": "2"}),
		action("s05", "s03", flow.SystemGHL, map[string]string{"y": "2"}),
	)
	assert.Equal(t, 11, def.Complexity)

	a := newAnalyzer(t)
	p, err := a.Simplify(def)
	require.NoError(t, err)

	assert.Equal(t, "flow-493bdbcd276cf64f", p.Reduced.ID)
	assert.Equal(t, 8, p.ComplexityDelta)
	assert.Equal(t, []string{
		"Condicao s03 removida: todos os ramos executam as mesmas etapas (1 etapas duplicadas).",
		"Acao s04 consolidada em s02 (GHL): mesma plataforma, configuracoes compativeis.",
	}, p.Justifications)
	require.Len(t, p.Reduced.Steps, 2)
	assert.Equal(t, map[string]string{"x": "1", "y": "2"}, p.Reduced.Steps[1].Config)

	again, err := a.Simplify(&p.Reduced)
	assert.Nil(t, again)
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestSimplify_DesignedAltaFlow(t *testing.T) {
	base := rules.MustDefault()
	def, err := designer.New(base).Design(flow.FlowRequest{
		Goal:     "follow-up on hot lead",
		Context:  flow.ContextComercial,
		Systems:  []flow.System{flow.SystemGHL, flow.SystemMake},
		Priority: flow.PriorityAlta,
	})
	require.NoError(t, err)

	p, err := New(base).Simplify(def)
	require.NoError(t, err)

	want := `flow-6604eb8dd15ef816 complexity=6 systems=GHL,MAKE
s01 TRIGGER GHL "Tag aplicada no GHL" {context=COMERCIAL, event=contact.tag_added}
  s02 ACTION GHL "Atualizar oportunidade no GHL + Aplicar tag de follow-up no GHL" {pipeline_stage=followup, priority=ALTA, tag=followup-ALTA}
  s04 ACTION MAKE "Disparar webhook para Make" {payload=contact, scenario=lead-followup}
`
	assert.Equal(t, want, flow.Render(&p.Reduced))
	assert.Equal(t, def.ID, p.OriginalID)
	assert.Equal(t, 2, p.ComplexityDelta)
}

func TestSimplify_InvalidInput(t *testing.T) {
	def := testFlow(
		action("s02", "", flow.SystemGHL, nil),
	)
	_, err := newAnalyzer(t).Simplify(def)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoChange))
	assert.False(t, IsEquivalenceError(err))

	var ie *flow.InvariantError
	require.ErrorAs(t, err, &ie)
}

func TestSimplify_StaleDeclaredSystems(t *testing.T) {
	def := testFlow(
		trigger(),
		action("s02", "s01", flow.SystemMake, map[string]string{"a": "1"}),
		action("s03", "s02", flow.SystemMake, map[string]string{"b": "2"}),
	)
	def.Systems = []flow.System{flow.SystemGHL}

	_, err := newAnalyzer(t).Simplify(def)
	require.Error(t, err)
	assert.False(t, IsEquivalenceError(err), "caller flow reported as a heuristic bug: %v", err)

	var ie *flow.InvariantError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, flow.ErrUndeclaredSystem, ie.Errors[0].Code)
}

func TestNew_MergeRunsBeforePrune(t *testing.T) {
	base, err := rules.Parse("reordered.cue", `
trigger: "t": {
	weight: 50
	description: "start"
	steps: [{kind: "TRIGGER", label: "Inicio"}]
}
action: "a": {
	weight: 50
	description: "do"
	steps: [{kind: "ACTION", label: "Fazer"}]
}
classification: "c": {
	weight: 50
	description: "classify"
	when: keywords: ["falha"]
	category: "TIMEOUT"
	root_cause: "r"
	fix: "f"
	patch: []
}
simplification: "a-prune": {
	weight: 90
	description: "prune"
	heuristic: "prune"
	justification: "pruned {step}"
}
simplification: "b-merge": {
	weight: 10
	description: "merge"
	heuristic: "merge"
	justification: "merged {step}"
}
`)
	require.NoError(t, err)

	a := New(base)
	require.Len(t, a.heuristics, 2)
	assert.Equal(t, rules.HeuristicMerge, a.heuristics[0].Heuristic.Name)
	assert.Equal(t, rules.HeuristicPrune, a.heuristics[1].Heuristic.Name)
}

func TestSimplify_NoHeuristicsInCatalogue(t *testing.T) {
	base, err := rules.Parse("bare.cue", `
trigger: "t": {
	weight: 50
	description: "start"
	steps: [{kind: "TRIGGER", label: "Inicio"}]
}
action: "a": {
	weight: 50
	description: "do"
	steps: [{kind: "ACTION", label: "Fazer"}]
}
classification: "c": {
	weight: 50
	description: "classify"
	when: keywords: ["falha"]
	category: "TIMEOUT"
	root_cause: "r"
	fix: "f"
	patch: []
}
`)
	require.NoError(t, err)

	def := testFlow(
		trigger(),
		action("s02", "s01", flow.SystemGHL, map[string]string{"a": "1"}),
		action("s03", "s02", flow.SystemGHL, map[string]string{"b": "2"}),
	)
	_, err = New(base).Simplify(def)
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestEquivalenceError(t *testing.T) {
	err := error(&EquivalenceError{
		FlowID: "flow-x",
		Reason: "reduced flow violates invariants",
		Errors: []flow.ValidationError{{Field: "steps", Message: "flow must contain at least one step", Code: flow.ErrEmptyFlow}},
	})
	assert.True(t, IsEquivalenceError(err))
	assert.Contains(t, err.Error(), "simplify flow-x: reduced flow violates invariants")
	assert.Contains(t, err.Error(), flow.ErrEmptyFlow)

	plain := &EquivalenceError{FlowID: "flow-y", Reason: "reduced flow changes trigger or effect set"}
	assert.Equal(t, "simplify flow-y: reduced flow changes trigger or effect set", plain.Error())
}

// buildFlow decodes each seed into one step hanging off an earlier step,
// so every generated flow is valid and may contain branches, conditions
// with duplicate subtrees, and mergeable action chains.
func buildFlow(seeds []int) *flow.FlowDefinition {
	kinds := []flow.StepKind{flow.KindAction, flow.KindAction, flow.KindCondition, flow.KindDelay}
	systems := []flow.System{flow.SystemGHL, flow.SystemMake, flow.SystemZapier}
	steps := []flow.Step{trigger()}
	for i, r := range seeds {
		steps = append(steps, flow.Step{
			ID:     flow.StepID(i + 2),
			Kind:   kinds[r%4],
			System: systems[(r/4)%3],
			Config: map[string]string{[]string{"a", "b"}[(r/12)%2]: []string{"1", "2"}[(r/24)%2]},
			After:  steps[(r/48)%len(steps)].ID,
		})
	}
	return testFlow(steps...)
}

func TestSimplify_Properties(t *testing.T) {
	a := newAnalyzer(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	parameters.MaxSize = 9
	properties := gopter.NewProperties(parameters)

	genSeeds := gen.SliceOf(gen.IntRange(0, 10000))

	properties.Property("reductions are equivalent, valid and idempotent", prop.ForAll(
		func(seeds []int) bool {
			def := buildFlow(seeds)
			p, err := a.Simplify(def)
			if errors.Is(err, ErrNoChange) {
				return true
			}
			if err != nil {
				return false
			}
			if len(flow.Validate(&p.Reduced, def.Systems)) != 0 || !flow.Equivalent(def, &p.Reduced) {
				return false
			}
			if p.ComplexityDelta <= 0 || p.ComplexityDelta != def.Complexity-p.Reduced.Complexity {
				return false
			}
			if len(p.Justifications) == 0 {
				return false
			}
			_, err = a.Simplify(&p.Reduced)
			return errors.Is(err, ErrNoChange)
		},
		genSeeds,
	))

	properties.TestingRun(t)
}
