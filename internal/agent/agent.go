// Package agent wraps the decision dispatcher with the service concerns of
// the automation agent: idempotency, audit trail, decision reports and
// outbound publishing. Every handled event yields a Result.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dmadigital/autoflow/internal/designer"
	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/store"
	"github.com/dmadigital/autoflow/internal/wire"
)

// Status is the outcome of one handled event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Mode is the agent's operating mode, advertised in its capability.
const (
	ModePropose = "PROPOSE"
	ModeExecute = "EXECUTE"
)

// Result is the per-event answer returned to the caller.
type Result struct {
	TraceID    string              `json:"trace_id"`
	EventID    string              `json:"event_id"`
	Handler    string              `json:"handler"`
	Status     Status              `json:"status"`
	NextEvents []dispatch.Envelope `json:"next_events"`
	Evidence   map[string]any      `json:"evidence"`
	Errors     []string            `json:"errors"`
	DurationMS int64               `json:"duration_ms"`
}

// Capability describes what the agent consumes and produces.
type Capability struct {
	AgentName string   `json:"agent_name"`
	Mode      string   `json:"mode"`
	Consumes  []string `json:"consumes"`
	Produces  []string `json:"produces"`
}

// Publisher delivers outbound events.
type Publisher interface {
	Publish(ctx context.Context, env dispatch.Envelope) error
}

// Recorder persists decisions and answers idempotency lookups.
type Recorder interface {
	IsProcessed(ctx context.Context, actionKey string) (bool, error)
	RecordDecision(ctx context.Context, d store.Decision) (bool, error)
}

// Clock supplies timestamps and durations.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Agent handles inbound events end to end. Safe for concurrent use when its
// Recorder and Publisher are.
type Agent struct {
	name       string
	mode       string
	dispatcher *dispatch.Dispatcher
	codec      *wire.Codec
	recorder   Recorder
	publisher  Publisher
	clock      Clock
	logger     *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder enables idempotency and persistence.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithPublisher sets where outbound events go. Without one, outbound
// events are only returned in Result.NextEvents.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMode sets the advertised mode.
func WithMode(mode string) Option {
	return func(a *Agent) { a.mode = mode }
}

// New creates an agent named name around d.
func New(name string, d *dispatch.Dispatcher, opts ...Option) *Agent {
	a := &Agent{
		name:       name,
		mode:       ModePropose,
		dispatcher: d,
		codec:      wire.MustCodec(),
		clock:      systemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Capability returns the agent's capability document.
func (a *Agent) Capability() Capability {
	return Capability{
		AgentName: a.name,
		Mode:      a.mode,
		Consumes:  slices.Clone(dispatch.Consumes),
		Produces:  slices.Clone(dispatch.Produces),
	}
}

// HandleJSON decodes data and handles it. A *wire.DecodeError is returned
// without a Result.
func (a *Agent) HandleJSON(ctx context.Context, data []byte) (Result, error) {
	in, err := a.codec.Decode(data)
	if err != nil {
		return Result{}, err
	}
	return a.Handle(ctx, in)
}

// Handle processes one decoded event.
//
// Unsupported events and already-processed events are skipped. Caller
// errors (invalid system, wrong payload) fail the event and are returned.
// Publishing or persistence failures fail the event and return the error;
// the action key is not recorded, so the event can be retried.
func (a *Agent) Handle(ctx context.Context, in wire.Inbound) (Result, error) {
	start := a.clock.Now()
	env := in.Envelope
	res := Result{
		TraceID:    env.TraceID,
		EventID:    env.ID,
		Handler:    a.name,
		NextEvents: []dispatch.Envelope{},
		Evidence:   map[string]any{},
		Errors:     []string{},
	}
	finish := func(status Status) Result {
		res.Status = status
		res.DurationMS = a.clock.Now().Sub(start).Milliseconds()
		return res
	}

	if !slices.Contains(dispatch.Consumes, env.Name) {
		res.Evidence["reason"] = "unsupported_event"
		res.Evidence["summary"] = "Evento nao suportado."
		res.Errors = append(res.Errors, (&dispatch.UnsupportedEventError{Name: env.Name}).Error())
		return finish(StatusSkipped), nil
	}

	if a.recorder != nil {
		done, err := a.recorder.IsProcessed(ctx, in.ActionKey)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return finish(StatusFailed), fmt.Errorf("check idempotency: %w", err)
		}
		if done {
			return finish(skippedIdempotent(&res)), nil
		}
	}

	out, err := a.dispatcher.Handle(env)
	res.Evidence["states"] = out.States
	if err != nil {
		res.Evidence["reason"] = failureReason(err)
		res.Errors = append(res.Errors, err.Error())
		return finish(StatusFailed), err
	}
	if len(out.Faults) > 0 {
		res.Evidence["faults"] = out.Faults
	}
	addDecisionEvidence(res.Evidence, out.Outputs)

	if a.publisher != nil {
		for _, ev := range out.Outputs {
			if err := a.publisher.Publish(ctx, ev); err != nil {
				res.Evidence["reason"] = "publish_failed"
				res.Errors = append(res.Errors, err.Error())
				return finish(StatusFailed), fmt.Errorf("publish %s: %w", ev.Name, err)
			}
		}
	}
	res.NextEvents = out.Outputs

	if a.recorder != nil {
		decision, err := a.decision(in, out.Outputs)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return finish(StatusFailed), err
		}
		inserted, err := a.recorder.RecordDecision(ctx, decision)
		if err != nil {
			res.Evidence["reason"] = "persist_failed"
			res.Errors = append(res.Errors, err.Error())
			return finish(StatusFailed), fmt.Errorf("record decision: %w", err)
		}
		if !inserted {
			// A concurrent delivery of the same event won the race.
			return finish(skippedIdempotent(&res)), nil
		}
		res.Evidence["report_id"] = decision.Report.ID
		res.Evidence["action_key"] = in.ActionKey
	}

	a.logger.Info("event handled",
		"event_id", env.ID,
		"trace_id", env.TraceID,
		"name", env.Name,
		"outputs", len(out.Outputs),
	)
	return finish(StatusSuccess), nil
}

func skippedIdempotent(res *Result) Status {
	res.NextEvents = []dispatch.Envelope{}
	res.Evidence = map[string]any{
		"reason":  "idempotent",
		"summary": "Evento ja processado.",
	}
	return StatusSkipped
}

func failureReason(err error) string {
	switch {
	case designer.IsDesignError(err):
		return "design_error"
	case dispatch.IsPayloadError(err):
		return "invalid_payload"
	case dispatch.IsInternalError(err):
		return "internal_error"
	default:
		return "error"
	}
}

// IsCallerError reports whether err was caused by the inbound event rather
// than by the agent or its dependencies.
func IsCallerError(err error) bool {
	return wire.IsDecodeError(err) ||
		designer.IsDesignError(err) ||
		dispatch.IsPayloadError(err) ||
		dispatch.IsUnsupportedEvent(err)
}

// addDecisionEvidence copies the headline of each output into evidence.
func addDecisionEvidence(evidence map[string]any, outputs []dispatch.Envelope) {
	names := make([]string, len(outputs))
	for i, ev := range outputs {
		names[i] = ev.Name
		switch p := ev.Payload.(type) {
		case dispatch.FlowDefinedPayload:
			evidence["flow_id"] = p.Flow.ID
			evidence["workflow_summary"] = p.WorkflowSummary
			evidence["complexity"] = p.Flow.Complexity
			if p.Simplification != nil {
				evidence["reduced_flow_id"] = p.Simplification.Reduced.ID
			}
		case dispatch.FixSuggestedPayload:
			evidence["category"] = p.Category
			evidence["confidence"] = p.Confidence
			evidence["root_cause"] = p.RootCause
			evidence["suggested_fix"] = p.SuggestedFix
			evidence["priority"] = p.Priority
		case dispatch.SimplificationRecommendedPayload:
			evidence["area"] = p.Area
			evidence["issue"] = p.Issue
		}
	}
	evidence["outputs"] = names
}

// decision builds the persisted record of a handled event.
func (a *Agent) decision(in wire.Inbound, outputs []dispatch.Envelope) (store.Decision, error) {
	env := in.Envelope
	now := a.clock.Now().UTC().Format(time.RFC3339)

	action := "automation_fix_suggested"
	if env.Name == dispatch.EventAutomationRequest {
		action = "automation_flow_defined"
	}

	var body any
	switch len(outputs) {
	case 0:
		return store.Decision{}, errors.New("no outputs to record")
	case 1:
		body = outputs[0].Payload
	default:
		m := make(map[string]any, len(outputs))
		for _, ev := range outputs {
			m[ev.Name] = ev.Payload
		}
		body = m
	}
	decisionJSON, err := json.Marshal(body)
	if err != nil {
		return store.Decision{}, fmt.Errorf("encode decision: %w", err)
	}
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return store.Decision{}, fmt.Errorf("encode payload: %w", err)
	}

	return store.Decision{
		Processed: store.ProcessedEvent{
			ActionKey:   in.ActionKey,
			TraceID:     env.TraceID,
			EventID:     env.ID,
			Name:        env.Name,
			ProcessedAt: now,
		},
		Report: &store.Report{
			ID:        store.ReportID(env.TraceID),
			TraceID:   env.TraceID,
			Event:     env.Name,
			Decision:  decisionJSON,
			Payload:   payloadJSON,
			CreatedAt: now,
		},
		Audit: store.AuditRecord{
			TS:      now,
			TraceID: env.TraceID,
			Action:  action,
			Event:   json.RawMessage(in.Raw),
		},
	}, nil
}
