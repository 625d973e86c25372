package rules

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/textnorm"
)

// Base is an immutable, compiled rule catalogue. Safe for concurrent use.
type Base struct {
	rules      map[Kind][]Rule // each slice sorted by weight desc, id asc
	escalation Escalation
	fallback   ClassificationTemplate
	source     string
}

// NoMatchError reports that no rule applies to the criteria.
type NoMatchError struct {
	Kind     Kind
	Criteria Criteria
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no %s rule matches context=%q systems=%v priority=%q source=%q",
		e.Kind, e.Criteria.Context, e.Criteria.Systems, e.Criteria.Priority, e.Criteria.Source)
}

// GuardError reports a CEL guard that failed at evaluation time.
type GuardError struct {
	RuleID string
	Err    error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("rule %s: guard evaluation: %v", e.RuleID, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// Parse compiles catalogue source text. Fails on the first problem.
func Parse(filename, src string) (*Base, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	b, errs := build(v, filename, false)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return b, nil
}

// LoadDir compiles the CUE package in dir. Fails on the first problem.
func LoadDir(dir string) (*Base, error) {
	v, err := loadDirValue(dir)
	if err != nil {
		return nil, err
	}
	b, errs := build(v, dir, false)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return b, nil
}

// ValidateSource reports every problem in catalogue source text.
func ValidateSource(filename, src string) []ValidationError {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	_, errs := build(v, filename, true)
	return errs
}

// ValidateDir reports every problem in the CUE package in dir.
func ValidateDir(dir string) []ValidationError {
	v, err := loadDirValue(dir)
	if err != nil {
		return []ValidationError{fromCompileError(err, dir)}
	}
	_, errs := build(v, dir, true)
	return errs
}

func loadDirValue(dir string) (cue.Value, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return cue.Value{}, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return cue.Value{}, fmt.Errorf("rules directory: not a directory: %s", dir)
	}
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("rules directory %s: no CUE instances loaded", dir)
	}
	if inst := instances[0]; inst.Err != nil {
		return cue.Value{}, formatCUEError(inst.Err)
	}
	v := cuecontext.New().BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}

// build compiles every section of v. In collect mode all problems are
// returned; otherwise build stops at the first one.
func build(v cue.Value, source string, collect bool) (*Base, []ValidationError) {
	var errs []ValidationError
	stop := func() bool { return !collect && len(errs) > 0 }

	if err := v.Err(); err != nil {
		return nil, []ValidationError{fromCompileError(formatCUEError(err), source)}
	}

	b := &Base{rules: make(map[Kind][]Rule), source: source}
	seen := make(map[string]Kind)

	for _, kind := range Kinds {
		section := v.LookupPath(cue.ParsePath(string(kind)))
		if !section.Exists() {
			continue
		}
		iter, err := section.Fields()
		if err != nil {
			errs = append(errs, fromCompileError(formatCUEError(err), string(kind)))
			if stop() {
				return nil, errs
			}
			continue
		}
		for iter.Next() {
			field := string(kind) + "." + iter.Selector().Unquoted()
			rule, err := CompileRule(kind, iter.Value())
			if err != nil {
				errs = append(errs, fromCompileError(err, field))
				if stop() {
					return nil, errs
				}
				continue
			}
			ruleErrs := ValidateRule(rule)
			for i := range ruleErrs {
				ruleErrs[i].Pos = iter.Value().Pos()
				if ruleErrs[i].Pos.IsValid() {
					ruleErrs[i].Line = ruleErrs[i].Pos.Line()
				}
			}
			errs = append(errs, ruleErrs...)
			if prev, dup := seen[rule.ID]; dup {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("rule id %q already defined in %s", rule.ID, prev),
					Code:    ErrDuplicateRuleID,
				})
			}
			seen[rule.ID] = kind
			if stop() {
				return nil, errs
			}
			if len(ruleErrs) > 0 {
				continue
			}
			if rule.When.Expr != "" {
				// Already type-checked by ValidateRule.
				rule.guard, _ = compileGuard(rule.When.Expr)
			}
			b.rules[kind] = append(b.rules[kind], *rule)
		}
	}

	for _, kind := range []Kind{KindTrigger, KindAction, KindClassification} {
		if len(b.rules[kind]) == 0 && !hasErrorsIn(errs, kind) {
			errs = append(errs, ValidationError{
				Field:   string(kind),
				Message: fmt.Sprintf("catalogue defines no %s rules", kind),
				Code:    ErrEmptySection,
			})
			if stop() {
				return nil, errs
			}
		}
	}

	esc, err := parseEscalation(v)
	if err != nil {
		errs = append(errs, fromCompileError(err, "escalation"))
	} else {
		errs = append(errs, validateEscalation(esc)...)
		b.escalation = esc
	}
	if stop() {
		return nil, errs
	}

	fb, err := parseFallback(v)
	if err != nil {
		errs = append(errs, fromCompileError(err, "fallback"))
	} else {
		errs = append(errs, validatePatch("fallback.patch", fb.Patch)...)
		b.fallback = fb
	}
	if len(errs) > 0 {
		return nil, errs
	}

	for kind := range b.rules {
		sortRules(b.rules[kind])
	}
	return b, nil
}

func hasErrorsIn(errs []ValidationError, kind Kind) bool {
	for _, e := range errs {
		if strings.HasPrefix(e.Field, string(kind)+".") {
			return true
		}
	}
	return false
}

// sortRules orders by weight descending, then ID ascending.
func sortRules(rs []Rule) {
	slices.SortStableFunc(rs, func(a, b Rule) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Source names the file or directory the catalogue was compiled from.
func (b *Base) Source() string { return b.source }

// Rules returns a copy of the rules of one kind in match order.
func (b *Base) Rules(kind Kind) []Rule {
	return slices.Clone(b.rules[kind])
}

// Len returns the total number of rules.
func (b *Base) Len() int {
	n := 0
	for _, rs := range b.rules {
		n += len(rs)
	}
	return n
}

// Escalation returns the escalation policy.
func (b *Base) Escalation() Escalation { return b.escalation }

// Fallback returns the template for UNKNOWN classifications.
func (b *Base) Fallback() ClassificationTemplate { return b.fallback }

// Match returns every rule of c.Kind that applies to c, ordered by weight
// descending then ID ascending. Returns *NoMatchError when none applies.
func (b *Base) Match(c Criteria) ([]Rule, error) {
	tokens := textnorm.NewSet(c.Text)
	var input map[string]any

	var out []Rule
	for _, r := range b.rules[c.Kind] {
		if !r.When.static(c, tokens) {
			continue
		}
		if r.guard != nil {
			if input == nil {
				input = activation(c, tokens)
			}
			ok, err := evalGuard(r.guard, input)
			if err != nil {
				return nil, &GuardError{RuleID: r.ID, Err: err}
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, &NoMatchError{Kind: c.Kind, Criteria: c}
	}
	return out, nil
}

// activation builds the CEL input for a guard.
func activation(c Criteria, tokens textnorm.Set) map[string]any {
	systems := make([]string, len(c.Systems))
	for i, s := range c.Systems {
		systems[i] = string(s)
	}
	return map[string]any{
		"context":  string(c.Context),
		"systems":  systems,
		"priority": string(c.Priority),
		"keywords": tokens.Sorted(),
		"source":   string(c.Source),
		"impact":   string(c.Impact),
	}
}

// static evaluates every predicate field except the CEL guard.
func (p Predicate) static(c Criteria, tokens textnorm.Set) bool {
	if len(p.Contexts) > 0 && !slices.Contains(p.Contexts, c.Context) {
		return false
	}
	if len(p.Systems) > 0 && !slices.ContainsFunc(c.Systems, func(s flow.System) bool {
		return slices.Contains(p.Systems, s)
	}) {
		return false
	}
	if len(p.Priorities) > 0 && !slices.Contains(p.Priorities, c.Priority) {
		return false
	}
	if len(p.Impacts) > 0 && !slices.Contains(p.Impacts, c.Impact) {
		return false
	}
	if len(p.Sources) > 0 && !slices.Contains(p.Sources, c.Source) {
		return false
	}
	if len(p.Keywords) > 0 && len(p.KeywordHits(tokens)) == 0 {
		return false
	}
	return true
}

// KeywordHits returns the keyword phrases fully contained in tokens,
// in declaration order.
func (p Predicate) KeywordHits(tokens textnorm.Set) []string {
	var hits []string
	for _, kw := range p.Keywords {
		if tokens.ContainsPhrase(kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// AcceptsSystem reports whether the rule's system predicate admits s.
func (p Predicate) AcceptsSystem(s flow.System) bool {
	return len(p.Systems) == 0 || slices.Contains(p.Systems, s)
}

// Vars holds placeholder values for template expansion.
type Vars map[string]string

// Expand replaces every {name} in s with vars[name]. Unknown placeholders
// are left untouched.
func Expand(s string, vars Vars) string {
	if !strings.Contains(s, "{") || len(vars) == 0 {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// ExpandConfig applies Expand to every value of config.
func ExpandConfig(config map[string]string, vars Vars) map[string]string {
	if config == nil {
		return nil
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = Expand(v, vars)
	}
	return out
}

// Instantiate expands a mutation template into a concrete mutation.
func (m MutationTemplate) Instantiate(vars Vars) flow.Mutation {
	return flow.Mutation{
		Op:     m.Op,
		Anchor: m.Anchor,
		Kind:   m.Kind,
		System: flow.System(Expand(m.System, vars)),
		Config: ExpandConfig(m.Config, vars),
	}
}
