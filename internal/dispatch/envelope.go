package dispatch

import (
	"github.com/dmadigital/autoflow/internal/flow"
)

// Event names.
const (
	EventAutomationRequest       = "AUTOMATION_REQUEST"
	EventAutomationErrorDetected = "AUTOMATION_ERROR_DETECTED"

	EventFlowDefined               = "AUTOMATION_FLOW_DEFINED"
	EventFixSuggested              = "AUTOMATION_FIX_SUGGESTED"
	EventSimplificationRecommended = "AUTOMATION_SIMPLIFICATION_RECOMMENDED"
)

// Consumes lists the inbound event names, in capability order.
var Consumes = []string{EventAutomationRequest, EventAutomationErrorDetected}

// Produces lists the outbound event names, in capability order.
var Produces = []string{EventFlowDefined, EventFixSuggested, EventSimplificationRecommended}

// Envelope is the event wrapper shared by inbound and outbound events.
//
// Inbound payloads are already decoded: flow.FlowRequest for
// AUTOMATION_REQUEST and flow.ErrorReport for AUTOMATION_ERROR_DETECTED
// (pointers are accepted too). Outbound payloads are the *Payload types of
// this package.
type Envelope struct {
	ID         string `json:"id"`
	TraceID    string `json:"trace_id"`
	Name       string `json:"name"`
	Source     string `json:"source"`
	LocationID string `json:"location_id"`
	ContactID  string `json:"contact_id,omitempty"`
	Payload    any    `json:"payload"`
}

// FlowDefinedPayload answers an AUTOMATION_REQUEST.
type FlowDefinedPayload struct {
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
	flow.Summary
	Flow           flow.FlowDefinition          `json:"flow"`
	Simplification *flow.SimplificationProposal `json:"simplification,omitempty"`
	Timestamp      string                       `json:"timestamp"`
}

// FixSuggestedPayload answers an AUTOMATION_ERROR_DETECTED.
type FixSuggestedPayload struct {
	TraceID string      `json:"trace_id"`
	ErrorID string      `json:"error_id"`
	Source  flow.System `json:"source"`
	Impact  flow.Impact `json:"impact"`
	flow.Classification
	Timestamp string `json:"timestamp"`
}

// SimplificationRecommendedPayload accompanies a fix whose classification
// blames flow structure.
type SimplificationRecommendedPayload struct {
	TraceID        string                       `json:"trace_id"`
	ErrorID        string                       `json:"error_id"`
	Area           flow.Context                 `json:"area"`
	Issue          flow.IssueType               `json:"issue"`
	Recommendation string                       `json:"recommendation"`
	Proposal       *flow.SimplificationProposal `json:"proposal,omitempty"`
	Timestamp      string                       `json:"timestamp"`
}
