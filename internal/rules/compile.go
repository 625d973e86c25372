package rules

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/dmadigital/autoflow/internal/flow"
)

// CompileError is a structural problem found while reading a CUE value.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// CompileRule parses one catalogue entry. The rule ID is the entry's label.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	rule, err := CompileRule(KindTrigger, v.LookupPath(cue.ParsePath(`trigger."lead-event"`)))
func CompileRule(kind Kind, v cue.Value) (*Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rule := &Rule{Kind: kind}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		last := sels[len(sels)-1]
		if last.LabelType() == cue.StringLabel {
			rule.ID = last.Unquoted()
		} else {
			rule.ID = last.String()
		}
	}

	weight, ok, err := lookupInt(v, "weight")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CompileError{Field: "weight", Message: "weight is required", Pos: v.Pos()}
	}
	rule.Weight = weight

	if rule.Description, _, err = lookupString(v, "description"); err != nil {
		return nil, err
	}

	if rule.When, err = parsePredicate(v); err != nil {
		return nil, err
	}

	switch kind {
	case KindTrigger, KindAction:
		rule.Steps, err = parseSteps(v)
	case KindClassification:
		rule.Classification, err = parseClassification(v)
	case KindSimplification:
		rule.Heuristic, err = parseHeuristic(v)
	default:
		err = &CompileError{Field: "kind", Message: fmt.Sprintf("unknown rule kind %q", kind), Pos: v.Pos()}
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// parsePredicate reads the optional when block.
func parsePredicate(v cue.Value) (Predicate, error) {
	var p Predicate
	when, ok := lookup(v, "when")
	if !ok {
		return p, nil
	}

	contexts, err := lookupStrings(when, "contexts")
	if err != nil {
		return p, err
	}
	for _, c := range contexts {
		p.Contexts = append(p.Contexts, flow.Context(c))
	}

	systems, err := lookupStrings(when, "systems")
	if err != nil {
		return p, err
	}
	for _, s := range systems {
		p.Systems = append(p.Systems, flow.System(s))
	}

	priorities, err := lookupStrings(when, "priorities")
	if err != nil {
		return p, err
	}
	for _, pr := range priorities {
		p.Priorities = append(p.Priorities, flow.Priority(pr))
	}

	if p.Keywords, err = lookupStrings(when, "keywords"); err != nil {
		return p, err
	}

	impacts, err := lookupStrings(when, "impacts")
	if err != nil {
		return p, err
	}
	for _, i := range impacts {
		p.Impacts = append(p.Impacts, flow.Impact(i))
	}

	sources, err := lookupStrings(when, "sources")
	if err != nil {
		return p, err
	}
	for _, s := range sources {
		p.Sources = append(p.Sources, flow.System(s))
	}

	p.Expr, _, err = lookupString(when, "expr")
	return p, err
}

// parseSteps reads the step templates of a trigger or action rule.
func parseSteps(v cue.Value) ([]StepTemplate, error) {
	stepsVal, ok := lookup(v, "steps")
	if !ok {
		return nil, &CompileError{Field: "steps", Message: "steps are required", Pos: v.Pos()}
	}
	iter, err := stepsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []StepTemplate
	for iter.Next() {
		sv := iter.Value()
		kind, ok, err := lookupString(sv, "kind")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &CompileError{Field: "steps.kind", Message: "step kind is required", Pos: sv.Pos()}
		}
		label, _, err := lookupString(sv, "label")
		if err != nil {
			return nil, err
		}
		config, err := lookupConfig(sv, "config")
		if err != nil {
			return nil, err
		}
		steps = append(steps, StepTemplate{Kind: flow.StepKind(kind), Label: label, Config: config})
	}
	return steps, nil
}

// parseClassification reads the classification template fields.
func parseClassification(v cue.Value) (*ClassificationTemplate, error) {
	category, ok, err := lookupString(v, "category")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CompileError{Field: "category", Message: "category is required", Pos: v.Pos()}
	}
	tmpl := &ClassificationTemplate{Category: flow.Category(category)}

	if tmpl.RootCause, _, err = lookupString(v, "root_cause"); err != nil {
		return nil, err
	}
	if tmpl.Fix, _, err = lookupString(v, "fix"); err != nil {
		return nil, err
	}
	if sv, ok := lookup(v, "structural"); ok {
		if tmpl.Structural, err = sv.Bool(); err != nil {
			return nil, formatCUEError(err)
		}
	}
	issue, _, err := lookupString(v, "issue")
	if err != nil {
		return nil, err
	}
	tmpl.Issue = flow.IssueType(issue)

	if tmpl.Patch, err = parsePatch(v, "patch"); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// parsePatch reads a list of mutation templates.
func parsePatch(v cue.Value, path string) ([]MutationTemplate, error) {
	patchVal, ok := lookup(v, path)
	if !ok {
		return nil, nil
	}
	iter, err := patchVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var patch []MutationTemplate
	for iter.Next() {
		mv := iter.Value()
		var m MutationTemplate
		op, ok, err := lookupString(mv, "op")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &CompileError{Field: path + ".op", Message: "op is required", Pos: mv.Pos()}
		}
		m.Op = flow.MutationOp(op)

		anchor, _, err := lookupString(mv, "anchor")
		if err != nil {
			return nil, err
		}
		m.Anchor = flow.Anchor(anchor)

		kind, _, err := lookupString(mv, "kind")
		if err != nil {
			return nil, err
		}
		m.Kind = flow.StepKind(kind)

		if m.System, _, err = lookupString(mv, "system"); err != nil {
			return nil, err
		}
		if m.Config, err = lookupConfig(mv, "config"); err != nil {
			return nil, err
		}
		patch = append(patch, m)
	}
	return patch, nil
}

// parseHeuristic reads a simplification rule's heuristic.
func parseHeuristic(v cue.Value) (*Heuristic, error) {
	name, ok, err := lookupString(v, "heuristic")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CompileError{Field: "heuristic", Message: "heuristic is required", Pos: v.Pos()}
	}
	justification, _, err := lookupString(v, "justification")
	if err != nil {
		return nil, err
	}
	return &Heuristic{Name: HeuristicName(name), Justification: justification}, nil
}

// parseEscalation reads the top-level escalation policy.
func parseEscalation(v cue.Value) (Escalation, error) {
	var esc Escalation
	ev, ok := lookup(v, "escalation")
	if !ok {
		return esc, nil
	}
	impacts, err := lookupStrings(ev, "impacts")
	if err != nil {
		return esc, err
	}
	for _, i := range impacts {
		esc.Impacts = append(esc.Impacts, flow.Impact(i))
	}
	esc.Patch, err = parsePatch(ev, "patch")
	return esc, err
}

// parseFallback reads the template used for UNKNOWN classifications.
func parseFallback(v cue.Value) (ClassificationTemplate, error) {
	fb := ClassificationTemplate{Category: flow.CategoryUnknown}
	fv, ok := lookup(v, "fallback")
	if !ok {
		return fb, nil
	}
	var err error
	if fb.RootCause, _, err = lookupString(fv, "root_cause"); err != nil {
		return fb, err
	}
	if fb.Fix, _, err = lookupString(fv, "fix"); err != nil {
		return fb, err
	}
	fb.Patch, err = parsePatch(fv, "patch")
	return fb, err
}

// lookup resolves defaults and reports whether path holds a concrete value.
func lookup(v cue.Value, path string) (cue.Value, bool) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return f, false
	}
	if d, ok := f.Default(); ok {
		f = d
	}
	return f, f.IsConcrete()
}

func lookupString(v cue.Value, path string) (string, bool, error) {
	f, ok := lookup(v, path)
	if !ok {
		return "", false, nil
	}
	s, err := f.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func lookupInt(v cue.Value, path string) (int, bool, error) {
	f, ok := lookup(v, path)
	if !ok {
		return 0, false, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	return int(n), true, nil
}

func lookupStrings(v cue.Value, path string) ([]string, error) {
	f, ok := lookup(v, path)
	if !ok {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func lookupConfig(v cue.Value, path string) (map[string]string, error) {
	f, ok := lookup(v, path)
	if !ok {
		return nil, nil
	}
	iter, err := f.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	config := make(map[string]string)
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		config[iter.Selector().Unquoted()] = s
	}
	if len(config) == 0 {
		return nil, nil
	}
	return config, nil
}
