// Package dispatch routes inbound automation events to the designer or the
// diagnostician and shapes their results into outbound events.
//
// Each Handle call is independent: the Dispatcher holds only immutable
// collaborators and options, so one instance serves concurrent callers.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmadigital/autoflow/internal/designer"
	"github.com/dmadigital/autoflow/internal/diagnose"
	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
	"github.com/dmadigital/autoflow/internal/simplify"
)

// State is a step of the per-call state machine.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateDesigning  State = "DESIGNING"
	StateDiagnosing State = "DIAGNOSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// DefaultSource is the outbound source name when none is configured.
const DefaultSource = "automation_integrations_ai"

// outboundNamespace seeds the deterministic outbound event IDs.
var outboundNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://dmadigital.com/autoflow/events"))

// Clock supplies outbound timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Result is the outcome of one Handle call.
type Result struct {
	Outputs []Envelope
	States  []State
	Faults  []string // Invariant failures that did not suppress the answer
}

// Dispatcher routes events. Safe for concurrent use.
type Dispatcher struct {
	designer    *designer.Designer
	diagnoser   *diagnose.Diagnostician
	analyzer    *simplify.Analyzer
	source      string
	preOptimize bool
	clock       Clock
	logger      *slog.Logger
	diagOpts    []diagnose.Option
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSource sets the source name stamped on outbound envelopes.
func WithSource(name string) Option {
	return func(d *Dispatcher) { d.source = name }
}

// WithPreOptimize runs the simplification analyzer on every designed flow,
// whatever the request says.
func WithPreOptimize(on bool) Option {
	return func(d *Dispatcher) { d.preOptimize = on }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger used for invariant failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMinConfidence sets the diagnosis threshold.
func WithMinConfidence(c float64) Option {
	return func(d *Dispatcher) { d.diagOpts = append(d.diagOpts, diagnose.WithMinConfidence(c)) }
}

// New builds a Dispatcher over base.
func New(base *rules.Base, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source: DefaultSource,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.designer = designer.New(base)
	d.diagnoser = diagnose.New(base, d.diagOpts...)
	d.analyzer = simplify.New(base)
	return d
}

// Handle processes one inbound event. Caller errors are
// *UnsupportedEventError, *PayloadError and *designer.DesignError; an
// *InternalError means the catalogue or the heuristics are broken. On error
// Result carries no outputs, only the states visited.
func (d *Dispatcher) Handle(in Envelope) (Result, error) {
	res := Result{States: []State{StateReceived}}

	var err error
	switch in.Name {
	case EventAutomationRequest:
		res.States = append(res.States, StateDesigning)
		err = d.handleRequest(in, &res)
	case EventAutomationErrorDetected:
		res.States = append(res.States, StateDiagnosing)
		err = d.handleError(in, &res)
	default:
		err = &UnsupportedEventError{Name: in.Name}
	}

	if err != nil {
		res.Outputs = nil
		res.States = append(res.States, StateFailed)
		if IsInternalError(err) {
			d.logger.Error("decision core invariant failure",
				"event_id", in.ID,
				"trace_id", in.TraceID,
				"name", in.Name,
				"error", err,
			)
		}
		return res, err
	}
	res.States = append(res.States, StateCompleted)
	return res, nil
}

func (d *Dispatcher) handleRequest(in Envelope, res *Result) error {
	var req flow.FlowRequest
	switch p := in.Payload.(type) {
	case flow.FlowRequest:
		req = p
	case *flow.FlowRequest:
		if p == nil {
			return &PayloadError{Name: in.Name, Want: "flow.FlowRequest", Got: "nil"}
		}
		req = *p
	default:
		return &PayloadError{Name: in.Name, Want: "flow.FlowRequest", Got: fmt.Sprintf("%T", in.Payload)}
	}

	def, err := d.designer.Design(req)
	if err != nil {
		if designer.IsDesignError(err) {
			return err
		}
		return &InternalError{Stage: "design", Err: err}
	}

	var proposal *flow.SimplificationProposal
	if req.PreOptimize || d.preOptimize {
		p, err := d.analyzer.Simplify(def)
		switch {
		case err == nil:
			proposal = p
		case errors.Is(err, simplify.ErrNoChange):
		default:
			return &InternalError{Stage: "pre-optimize", Err: err}
		}
	}

	// An optimized flow replaces the designed one. The proposal keeps the
	// designed flow's ID as OriginalID.
	emitted := def
	if proposal != nil {
		emitted = &proposal.Reduced
	}
	res.Outputs = append(res.Outputs, d.outbound(in, EventFlowDefined, FlowDefinedPayload{
		TraceID:        in.TraceID,
		RequestID:      req.RequestID,
		Summary:        flow.Summarize(emitted, req.Goal, req.Context),
		Flow:           *emitted,
		Simplification: proposal,
		Timestamp:      d.timestamp(),
	}))
	return nil
}

func (d *Dispatcher) handleError(in Envelope, res *Result) error {
	var report flow.ErrorReport
	switch p := in.Payload.(type) {
	case flow.ErrorReport:
		report = p
	case *flow.ErrorReport:
		if p == nil {
			return &PayloadError{Name: in.Name, Want: "flow.ErrorReport", Got: "nil"}
		}
		report = *p
	default:
		return &PayloadError{Name: in.Name, Want: "flow.ErrorReport", Got: fmt.Sprintf("%T", in.Payload)}
	}

	c, fault := d.diagnoser.Classify(report)
	if fault != nil {
		res.Faults = append(res.Faults, fault.Error())
		d.logger.Error("classification rule failure",
			"event_id", in.ID,
			"trace_id", in.TraceID,
			"error", fault,
		)
	}
	ts := d.timestamp()
	res.Outputs = append(res.Outputs, d.outbound(in, EventFixSuggested, FixSuggestedPayload{
		TraceID:        in.TraceID,
		ErrorID:        report.ErrorID,
		Source:         report.Source,
		Impact:         report.Impact,
		Classification: c,
		Timestamp:      ts,
	}))
	if !c.Structural {
		return nil
	}

	area := report.Context
	if area == "" {
		area = flow.ContextOperacao
	}
	rec := SimplificationRecommendedPayload{
		TraceID:        in.TraceID,
		ErrorID:        report.ErrorID,
		Area:           area,
		Issue:          c.Issue,
		Recommendation: c.SuggestedFix,
		Timestamp:      ts,
	}
	if report.Flow != nil {
		p, err := d.analyzer.Simplify(report.Flow)
		switch {
		case err == nil:
			rec.Proposal = p
		case errors.Is(err, simplify.ErrNoChange):
		case simplify.IsEquivalenceError(err):
			res.Faults = append(res.Faults, err.Error())
			d.logger.Error("simplification invariant failure",
				"event_id", in.ID,
				"trace_id", in.TraceID,
				"flow_id", report.Flow.ID,
				"error", err,
			)
		default:
			// The reported flow itself is malformed.
			res.Faults = append(res.Faults, err.Error())
			d.logger.Warn("reported flow not simplified",
				"event_id", in.ID,
				"trace_id", in.TraceID,
				"flow_id", report.Flow.ID,
				"error", err,
			)
		}
	}
	res.Outputs = append(res.Outputs, d.outbound(in, EventSimplificationRecommended, rec))
	return nil
}

// outbound wraps payload in an envelope correlated with in.
func (d *Dispatcher) outbound(in Envelope, name string, payload any) Envelope {
	return Envelope{
		ID:         OutboundID(in.ID, in.TraceID, name),
		TraceID:    in.TraceID,
		Name:       name,
		Source:     d.source,
		LocationID: in.LocationID,
		ContactID:  in.ContactID,
		Payload:    payload,
	}
}

func (d *Dispatcher) timestamp() string {
	return d.clock.Now().UTC().Format(time.RFC3339)
}

// OutboundID derives the ID of an outbound event from the inbound event ID,
// its trace ID and the outbound event name. Handling the same event twice
// yields the same IDs.
func OutboundID(inboundID, traceID, name string) string {
	return uuid.NewSHA1(outboundNamespace, []byte(inboundID+"|"+traceID+"|"+name)).String()
}
