package rules

import (
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/textnorm"
)

// Catalogue validation error codes (E200-E299)
const (
	ErrCUE              = "E200" // CUE structural or type error
	ErrWeightRange      = "E201" // weight outside 0-100
	ErrDescriptionEmpty = "E202" // description is required
	ErrUnknownContext   = "E203" // when.contexts entry not a context
	ErrUnknownSystem    = "E204" // when.systems/sources entry not a supported system
	ErrUnknownPriority  = "E205" // when.priorities entry not a priority
	ErrUnknownImpact    = "E206" // impact not recognized
	ErrInvalidGuard     = "E207" // when.expr does not compile to bool
	ErrStepTemplates    = "E208" // wrong number or kind of step templates
	ErrUnknownStepKind  = "E209" // template step kind not recognized
	ErrInvalidCategory  = "E210" // category unknown or UNKNOWN
	ErrInvalidIssue     = "E211" // issue unknown or missing on structural rule
	ErrInvalidMutation  = "E212" // patch entry op/anchor/kind invalid
	ErrUnknownHeuristic = "E213" // heuristic is not merge or prune
	ErrDuplicateRuleID  = "E214" // rule id reused across sections
	ErrEmptyKeyword     = "E215" // keyword has no tokens
	ErrEmptySection     = "E216" // no trigger/action/classification rules
)

// ValidationError represents one catalogue problem.
type ValidationError struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
	Line    int       `json:"line,omitempty"`
	Pos     token.Pos `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: [%s] %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Field, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// fromCompileError turns a parse failure into a validation entry that keeps
// the CUE position.
func fromCompileError(err error, field string) ValidationError {
	var ce *CompileError
	if errors.As(err, &ce) {
		ve := ValidationError{Field: field, Message: ce.Message, Code: ErrCUE, Pos: ce.Pos}
		if ce.Field != "cue" && ce.Field != "" {
			ve.Field = field + "." + ce.Field
		}
		if ce.Pos.IsValid() {
			ve.Line = ce.Pos.Line()
		}
		return ve
	}
	return ValidationError{Field: field, Message: err.Error(), Code: ErrCUE}
}

// ValidateRule checks the semantic constraints of one compiled rule.
// Returns all errors found (does not fail-fast).
func ValidateRule(r *Rule) []ValidationError {
	var errs []ValidationError
	field := string(r.Kind) + "." + r.ID
	add := func(sub, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + sub, Message: fmt.Sprintf(format, args...), Code: code})
	}

	// E201, E202
	if r.Weight < 0 || r.Weight > 100 {
		add(".weight", ErrWeightRange, "weight %d outside 0-100", r.Weight)
	}
	if strings.TrimSpace(r.Description) == "" {
		add(".description", ErrDescriptionEmpty, "description is required")
	}

	// E203-E207, E215: predicate
	for _, c := range r.When.Contexts {
		if !flow.ValidContexts[c] {
			add(".when.contexts", ErrUnknownContext, "unknown context %q", c)
		}
	}
	for _, s := range r.When.Systems {
		if !flow.SupportedSystems[s] {
			add(".when.systems", ErrUnknownSystem, "unsupported system %q", s)
		}
	}
	for _, s := range r.When.Sources {
		if !flow.SupportedSystems[s] {
			add(".when.sources", ErrUnknownSystem, "unsupported system %q", s)
		}
	}
	for _, p := range r.When.Priorities {
		if !flow.ValidPriorities[p] {
			add(".when.priorities", ErrUnknownPriority, "unknown priority %q", p)
		}
	}
	for _, i := range r.When.Impacts {
		if !flow.ValidImpacts[i] {
			add(".when.impacts", ErrUnknownImpact, "unknown impact %q", i)
		}
	}
	for _, kw := range r.When.Keywords {
		if len(textnorm.Tokens(kw)) == 0 {
			add(".when.keywords", ErrEmptyKeyword, "keyword %q has no letters or digits", kw)
		}
	}
	if r.When.Expr != "" {
		if _, err := compileGuard(r.When.Expr); err != nil {
			add(".when.expr", ErrInvalidGuard, "%v", err)
		}
	}

	switch r.Kind {
	case KindTrigger:
		// E208: exactly one TRIGGER template
		if len(r.Steps) != 1 || r.Steps[0].Kind != flow.KindTrigger {
			add(".steps", ErrStepTemplates, "trigger rule must have exactly one TRIGGER step")
		}
	case KindAction:
		if len(r.Steps) == 0 {
			add(".steps", ErrStepTemplates, "action rule needs at least one step")
		}
		for i, st := range r.Steps {
			switch {
			case !flow.ValidStepKinds[st.Kind]:
				add(fmt.Sprintf(".steps[%d].kind", i), ErrUnknownStepKind, "unknown step kind %q", st.Kind)
			case st.Kind == flow.KindTrigger:
				add(fmt.Sprintf(".steps[%d].kind", i), ErrStepTemplates, "action rule cannot produce a TRIGGER")
			}
		}
	case KindClassification:
		ct := r.Classification
		if ct == nil {
			add("", ErrInvalidCategory, "classification template missing")
			break
		}
		// E210, E211
		if !flow.ValidCategories[ct.Category] || ct.Category == flow.CategoryUnknown {
			add(".category", ErrInvalidCategory, "category %q cannot be produced by a rule", ct.Category)
		}
		if ct.Issue != "" && !flow.ValidIssueTypes[ct.Issue] {
			add(".issue", ErrInvalidIssue, "unknown issue %q", ct.Issue)
		}
		if ct.Structural && ct.Issue == "" {
			add(".issue", ErrInvalidIssue, "structural rule must name an issue")
		}
		errs = append(errs, validatePatch(field+".patch", ct.Patch)...)
	case KindSimplification:
		// E213
		if r.Heuristic == nil || (r.Heuristic.Name != HeuristicMerge && r.Heuristic.Name != HeuristicPrune) {
			name := ""
			if r.Heuristic != nil {
				name = string(r.Heuristic.Name)
			}
			add(".heuristic", ErrUnknownHeuristic, "unknown heuristic %q", name)
		}
	}

	return errs
}

// validatePatch checks every mutation template (E212).
func validatePatch(field string, patch []MutationTemplate) []ValidationError {
	var errs []ValidationError
	for i, m := range patch {
		f := fmt.Sprintf("%s[%d]", field, i)
		if !flow.ValidMutationOps[m.Op] {
			errs = append(errs, ValidationError{Field: f + ".op", Message: fmt.Sprintf("unknown op %q", m.Op), Code: ErrInvalidMutation})
		}
		if !flow.ValidAnchors[m.Anchor] {
			errs = append(errs, ValidationError{Field: f + ".anchor", Message: fmt.Sprintf("unknown anchor %q", m.Anchor), Code: ErrInvalidMutation})
		}
		if m.Op == flow.OpInsert && !flow.ValidStepKinds[m.Kind] {
			errs = append(errs, ValidationError{Field: f + ".kind", Message: "INSERT requires a step kind", Code: ErrInvalidMutation})
		}
		if m.Op == flow.OpInsert && m.Kind == flow.KindTrigger {
			errs = append(errs, ValidationError{Field: f + ".kind", Message: "a patch cannot insert a TRIGGER", Code: ErrInvalidMutation})
		}
		if m.System == "" {
			errs = append(errs, ValidationError{Field: f + ".system", Message: "system is required", Code: ErrInvalidMutation})
		}
	}
	return errs
}

// validateEscalation checks the escalation policy.
func validateEscalation(esc Escalation) []ValidationError {
	var errs []ValidationError
	for _, i := range esc.Impacts {
		if !flow.ValidImpacts[i] {
			errs = append(errs, ValidationError{Field: "escalation.impacts", Message: fmt.Sprintf("unknown impact %q", i), Code: ErrUnknownImpact})
		}
	}
	return append(errs, validatePatch("escalation.patch", esc.Patch)...)
}
