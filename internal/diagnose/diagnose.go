// Package diagnose classifies automation error reports against the
// classification rules of the catalogue.
//
// Diagnosis is total: every report yields a Classification. A report no rule
// explains with enough confidence is classified UNKNOWN and routed to manual
// review through the catalogue's fallback template.
package diagnose

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
	"github.com/dmadigital/autoflow/internal/textnorm"
)

// DefaultMinConfidence is the score below which a match is reported as UNKNOWN.
const DefaultMinConfidence = 0.35

// Candidate is one scored classification rule.
type Candidate struct {
	Rule       rules.Rule
	Hits       []string // Keyword phrases found in the description, declaration order
	Confidence float64
}

// Diagnostician maps error reports to classifications. Safe for concurrent use.
type Diagnostician struct {
	base          *rules.Base
	minConfidence float64
	logger        *slog.Logger
}

// Option configures a Diagnostician.
type Option func(*Diagnostician)

// WithMinConfidence overrides DefaultMinConfidence. Values outside [0,1]
// are clamped.
func WithMinConfidence(c float64) Option {
	return func(d *Diagnostician) {
		d.minConfidence = clamp(c)
	}
}

// WithLogger sets where Diagnose reports catalogue faults.
func WithLogger(l *slog.Logger) Option {
	return func(d *Diagnostician) {
		d.logger = l
	}
}

// New returns a Diagnostician over base.
func New(base *rules.Base, opts ...Option) *Diagnostician {
	d := &Diagnostician{base: base, minConfidence: DefaultMinConfidence, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MinConfidence returns the configured threshold.
func (d *Diagnostician) MinConfidence() float64 { return d.minConfidence }

// Candidates scores every classification rule that applies to report, in
// rule-base order. An empty result with a nil error means nothing matched.
func (d *Diagnostician) Candidates(report flow.ErrorReport) ([]Candidate, error) {
	matched, err := d.base.Match(criteria(report))
	if err != nil {
		var nm *rules.NoMatchError
		if errors.As(err, &nm) {
			return nil, nil
		}
		return nil, fmt.Errorf("match classification rules: %w", err)
	}
	tokens := textnorm.NewSet(report.Description)
	out := make([]Candidate, 0, len(matched))
	for _, r := range matched {
		hits := r.When.KeywordHits(tokens)
		out = append(out, Candidate{
			Rule:       r,
			Hits:       hits,
			Confidence: Confidence(r.Weight, len(hits)),
		})
	}
	return out, nil
}

// Diagnose classifies report. It never fails: a guard evaluation error is
// logged and treated like an absent match.
func (d *Diagnostician) Diagnose(report flow.ErrorReport) flow.Classification {
	c, fault := d.Classify(report)
	if fault != nil {
		d.logger.Error("classification rule failure",
			"source", report.Source,
			"error_id", report.ErrorID,
			"error", fault,
		)
	}
	return c
}

// Classify is Diagnose without logging. The classification is always
// usable; fault is non-nil when a catalogue rule could not be evaluated
// (typically a *rules.GuardError) and the report degraded because of it.
func (d *Diagnostician) Classify(report flow.ErrorReport) (c flow.Classification, fault error) {
	cands, fault := d.Candidates(report)

	var best *Candidate
	for i := range cands {
		if best == nil || cands[i].Confidence > best.Confidence {
			best = &cands[i]
		}
	}

	vars := templateVars(report)
	switch {
	case best != nil && best.Confidence >= d.minConfidence:
		tmpl := best.Rule.Classification
		vars["category"] = string(tmpl.Category)
		c = fromTemplate(*tmpl, vars)
		c.Confidence = best.Confidence
		c.RuleID = best.Rule.ID
		c.MatchedKeywords = best.Hits
	default:
		fb := d.base.Fallback()
		vars["category"] = string(flow.CategoryUnknown)
		c = fromTemplate(fb, vars)
		if best != nil {
			c.Confidence = best.Confidence
			c.MatchedKeywords = best.Hits
		}
	}

	c.Priority = flow.PriorityMedia
	if report.Impact == flow.ImpactAlto {
		c.Priority = flow.PriorityAlta
	}

	esc := d.base.Escalation()
	for _, impact := range esc.Impacts {
		if impact == report.Impact {
			for _, m := range esc.Patch {
				c.Patch = append(c.Patch, m.Instantiate(vars))
			}
			break
		}
	}
	return c, fault
}

// Confidence scores a rule match: (weight/100) * hits/(hits+1), rounded to
// three decimals and clamped to [0,1]. Rules without keywords match on
// their other predicates alone and score as a single hit.
func Confidence(weight, hits int) float64 {
	if hits == 0 {
		hits = 1
	}
	raw := float64(weight) / 100 * float64(hits) / float64(hits+1)
	return clamp(math.Round(raw*1000) / 1000)
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func criteria(report flow.ErrorReport) rules.Criteria {
	return rules.Criteria{
		Kind:    rules.KindClassification,
		Context: report.Context,
		Systems: []flow.System{report.Source},
		Text:    report.Description,
		Source:  report.Source,
		Impact:  report.Impact,
	}
}

// templateVars holds the placeholder values for root cause, fix and patch
// templates. The description loses its trailing period so templates can
// punctuate it themselves.
func templateVars(report flow.ErrorReport) rules.Vars {
	desc := strings.TrimRight(strings.TrimSpace(report.Description), ".")
	return rules.Vars{
		"source":      string(report.Source),
		"impact":      string(report.Impact),
		"context":     string(report.Context),
		"description": desc,
	}
}

func fromTemplate(tmpl rules.ClassificationTemplate, vars rules.Vars) flow.Classification {
	c := flow.Classification{
		Category:     tmpl.Category,
		RootCause:    rules.Expand(tmpl.RootCause, vars),
		SuggestedFix: rules.Expand(tmpl.Fix, vars),
		Structural:   tmpl.Structural,
		Issue:        tmpl.Issue,
		Patch:        make([]flow.Mutation, 0, len(tmpl.Patch)+1),
	}
	for _, m := range tmpl.Patch {
		c.Patch = append(c.Patch, m.Instantiate(vars))
	}
	return c
}
