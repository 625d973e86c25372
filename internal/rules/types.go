package rules

import (
	"github.com/google/cel-go/cel"

	"github.com/dmadigital/autoflow/internal/flow"
)

// Kind is the rule section a rule belongs to.
type Kind string

const (
	KindTrigger        Kind = "trigger"
	KindAction         Kind = "action"
	KindClassification Kind = "classification"
	KindSimplification Kind = "simplification"
)

// Kinds lists the catalogue sections in load order.
var Kinds = []Kind{KindTrigger, KindAction, KindClassification, KindSimplification}

// Rule is one compiled catalogue entry. Exactly one of Steps,
// Classification or Heuristic is set, according to Kind.
type Rule struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Weight      int       `json:"weight"`
	Description string    `json:"description"`
	When        Predicate `json:"when"`

	Steps          []StepTemplate          `json:"steps,omitempty"`
	Classification *ClassificationTemplate `json:"classification,omitempty"`
	Heuristic      *Heuristic              `json:"heuristic,omitempty"`

	guard cel.Program
}

// Predicate decides rule applicability. Empty fields are wildcards.
type Predicate struct {
	Contexts   []flow.Context  `json:"contexts,omitempty"`
	Systems    []flow.System   `json:"systems,omitempty"`
	Priorities []flow.Priority `json:"priorities,omitempty"`
	Keywords   []string        `json:"keywords,omitempty"` // Phrases; one fully contained phrase suffices
	Impacts    []flow.Impact   `json:"impacts,omitempty"`
	Sources    []flow.System   `json:"sources,omitempty"`
	Expr       string          `json:"expr,omitempty"` // CEL boolean guard
}

// StepTemplate produces one step of a designed flow. Label and config
// values may contain {system}, {context}, {priority} and {goal}.
type StepTemplate struct {
	Kind   flow.StepKind     `json:"kind"`
	Label  string            `json:"label"`
	Config map[string]string `json:"config,omitempty"`
}

// ClassificationTemplate produces a Classification. Texts and patch fields
// may contain {source}, {impact}, {category}, {context} and {description}.
type ClassificationTemplate struct {
	Category   flow.Category      `json:"category"`
	RootCause  string             `json:"root_cause"`
	Fix        string             `json:"fix"`
	Structural bool               `json:"structural"`
	Issue      flow.IssueType     `json:"issue,omitempty"`
	Patch      []MutationTemplate `json:"patch"`
}

// MutationTemplate produces one remediation mutation.
type MutationTemplate struct {
	Op     flow.MutationOp   `json:"op"`
	Anchor flow.Anchor       `json:"anchor"`
	Kind   flow.StepKind     `json:"kind,omitempty"`
	System string            `json:"system"` // Usually "{source}"
	Config map[string]string `json:"config,omitempty"`
}

// HeuristicName selects a simplification heuristic.
type HeuristicName string

const (
	HeuristicMerge HeuristicName = "merge"
	HeuristicPrune HeuristicName = "prune"
)

// Heuristic is the action of a simplification rule. The justification
// template may contain {step}, {into}, {system} and {removed}.
type Heuristic struct {
	Name          HeuristicName `json:"name"`
	Justification string        `json:"justification"`
}

// Escalation is appended to every diagnosis whose impact is listed.
type Escalation struct {
	Impacts []flow.Impact      `json:"impacts"`
	Patch   []MutationTemplate `json:"patch"`
}

// Criteria is the input of Match.
type Criteria struct {
	Kind     Kind
	Context  flow.Context
	Systems  []flow.System
	Priority flow.Priority
	Text     string // Goal or error description; tokenized for keyword matching
	Source   flow.System
	Impact   flow.Impact
}
