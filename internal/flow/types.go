package flow

// Context is the business area a flow or error belongs to.
type Context string

const (
	ContextProspect   Context = "PROSPECT"
	ContextComercial  Context = "COMERCIAL"
	ContextEntrega    Context = "ENTREGA"
	ContextOperacao   Context = "OPERACAO"
	ContextSuporte    Context = "SUPORTE"
	ContextFinanceiro Context = "FINANCEIRO"
)

// ValidContexts defines the recognized business contexts.
var ValidContexts = map[Context]bool{
	ContextProspect:   true,
	ContextComercial:  true,
	ContextEntrega:    true,
	ContextOperacao:   true,
	ContextSuporte:    true,
	ContextFinanceiro: true,
}

// Priority is the urgency of an automation request.
type Priority string

const (
	PriorityAlta  Priority = "ALTA"
	PriorityMedia Priority = "MEDIA"
	PriorityBaixa Priority = "BAIXA"
)

// ValidPriorities defines the recognized priorities.
var ValidPriorities = map[Priority]bool{
	PriorityAlta:  true,
	PriorityMedia: true,
	PriorityBaixa: true,
}

// System identifies an external automation platform.
type System string

const (
	SystemGHL    System = "GHL"
	SystemMake   System = "MAKE"
	SystemZapier System = "ZAPIER"
)

// SupportedSystems is the platform set flows may target.
var SupportedSystems = map[System]bool{
	SystemGHL:    true,
	SystemMake:   true,
	SystemZapier: true,
}

// Impact is the reported severity of an automation failure.
type Impact string

const (
	ImpactAlto  Impact = "ALTO"
	ImpactMedio Impact = "MEDIO"
	ImpactBaixo Impact = "BAIXO"
)

// ValidImpacts defines the recognized impact levels.
var ValidImpacts = map[Impact]bool{
	ImpactAlto:  true,
	ImpactMedio: true,
	ImpactBaixo: true,
}

// StepKind is the role a step plays in a flow.
type StepKind string

const (
	KindTrigger   StepKind = "TRIGGER"
	KindAction    StepKind = "ACTION"
	KindCondition StepKind = "CONDITION"
	KindDelay     StepKind = "DELAY"
)

// ValidStepKinds defines the recognized step kinds.
var ValidStepKinds = map[StepKind]bool{
	KindTrigger:   true,
	KindAction:    true,
	KindCondition: true,
	KindDelay:     true,
}

// Category is a diagnosed root-cause category.
type Category string

const (
	CategoryTimeout        Category = "TIMEOUT"
	CategoryAuthFailure    Category = "AUTH_FAILURE"
	CategorySchemaMismatch Category = "SCHEMA_MISMATCH"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryUnknown        Category = "UNKNOWN"
)

// ValidCategories defines the recognized categories.
var ValidCategories = map[Category]bool{
	CategoryTimeout:        true,
	CategoryAuthFailure:    true,
	CategorySchemaMismatch: true,
	CategoryRateLimit:      true,
	CategoryUnknown:        true,
}

// IssueType names the kind of problem a simplification recommendation addresses.
type IssueType string

const (
	IssueExcessoAutomacao IssueType = "EXCESSO_AUTOMACAO"
	IssueFalhaRecorrente  IssueType = "FALHA_RECORRENTE"
)

// ValidIssueTypes defines the recognized issue types.
var ValidIssueTypes = map[IssueType]bool{
	IssueExcessoAutomacao: true,
	IssueFalhaRecorrente:  true,
}

// FlowRequest asks the designer for a new automation flow.
// Immutable once received.
type FlowRequest struct {
	RequestID   string   `json:"request_id,omitempty"`
	Goal        string   `json:"goal"`
	Context     Context  `json:"context"`
	Systems     []System `json:"systems"`
	Priority    Priority `json:"priority"`
	Timestamp   string   `json:"timestamp,omitempty"`
	PreOptimize bool     `json:"pre_optimize,omitempty"`
}

// ErrorReport describes a failure in an existing automation.
// Immutable once received.
type ErrorReport struct {
	ErrorID     string          `json:"error_id,omitempty"`
	Source      System          `json:"source"`
	Description string          `json:"description"`
	Impact      Impact          `json:"impact"`
	Context     Context         `json:"context,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Flow        *FlowDefinition `json:"flow,omitempty"` // Failing automation, if known
}

// Step is one node of a flow.
type Step struct {
	ID     string            `json:"id"`
	Kind   StepKind          `json:"kind"`
	System System            `json:"system"`
	Label  string            `json:"label,omitempty"`
	Config map[string]string `json:"config,omitempty"`
	After  string            `json:"after,omitempty"` // Predecessor step ID; empty only for the trigger
	Rule   string            `json:"rule,omitempty"`  // Rule that produced the step
}

// FlowDefinition is an executable flow: an arena of steps linked by
// predecessor IDs. Steps are stored in execution order.
type FlowDefinition struct {
	ID         string   `json:"id"`
	Steps      []Step   `json:"steps"`
	Systems    []System `json:"systems"`
	Complexity int      `json:"complexity"`
}

// MutationOp is the operation a remediation mutation performs.
type MutationOp string

const (
	OpInsert      MutationOp = "INSERT"
	OpRemove      MutationOp = "REMOVE"
	OpReconfigure MutationOp = "RECONFIGURE"
)

// ValidMutationOps defines the recognized mutation operations.
var ValidMutationOps = map[MutationOp]bool{
	OpInsert:      true,
	OpRemove:      true,
	OpReconfigure: true,
}

// Anchor locates a mutation relative to the failing step.
type Anchor string

const (
	AnchorFailingStep Anchor = "failing_step"
	AnchorBefore      Anchor = "before_failing_step"
	AnchorAfter       Anchor = "after_failing_step"
)

// ValidAnchors defines the recognized anchors.
var ValidAnchors = map[Anchor]bool{
	AnchorFailingStep: true,
	AnchorBefore:      true,
	AnchorAfter:       true,
}

// Mutation is one entry of a remediation patch.
type Mutation struct {
	Op     MutationOp        `json:"op"`
	Anchor Anchor            `json:"anchor"`
	Kind   StepKind          `json:"kind,omitempty"` // INSERT only
	System System            `json:"system"`
	Config map[string]string `json:"config,omitempty"`
}

// Classification is the diagnosed root cause of an error report.
type Classification struct {
	Category        Category   `json:"category"`
	Confidence      float64    `json:"confidence"`
	RuleID          string     `json:"rule_id,omitempty"`
	MatchedKeywords []string   `json:"matched_keywords,omitempty"`
	RootCause       string     `json:"root_cause"`
	SuggestedFix    string     `json:"suggested_fix"`
	Priority        Priority   `json:"priority"`
	Structural      bool       `json:"structural"` // Flow complexity contributed to the failure
	Issue           IssueType  `json:"issue,omitempty"`
	Patch           []Mutation `json:"patch"`
}

// SimplificationProposal is a behavior-preserving reduction of a flow.
type SimplificationProposal struct {
	OriginalID      string         `json:"original_id"`
	Reduced         FlowDefinition `json:"reduced"`
	Justifications  []string       `json:"justifications"`
	ComplexityDelta int            `json:"complexity_delta"`
}
