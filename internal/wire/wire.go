// Package wire converts JSON events to and from dispatch envelopes.
//
// Inbound documents are validated against embedded JSON Schemas (draft
// 2020-12) before being decoded into typed payloads. Domain checks such as
// "is this a supported system" stay with the designer; the schemas only
// reject documents the decision core could not interpret at all.
package wire

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/flow"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://dmadigital.com/autoflow/schemas/"

// DecodeError reports an inbound document that cannot be decoded.
// Stage is "json", "envelope" or "payload".
type DecodeError struct {
	Stage string
	Name  string // Event name, when known
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("decode event %s: invalid %s: %v", e.Name, e.Stage, e.Err)
	}
	return fmt.Sprintf("decode event: invalid %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Inbound is a decoded inbound event.
type Inbound struct {
	Envelope  dispatch.Envelope
	Raw       json.RawMessage // The compacted source document
	ActionKey string          // Idempotency key; see ActionKey
}

// Codec validates and decodes events. Safe for concurrent use.
type Codec struct {
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

// NewCodec compiles the embedded schemas.
func NewCodec() (*Codec, error) {
	envelope, err := compileSchema("envelope.schema.json")
	if err != nil {
		return nil, err
	}
	request, err := compileSchema("flow_request.schema.json")
	if err != nil {
		return nil, err
	}
	report, err := compileSchema("error_report.schema.json")
	if err != nil {
		return nil, err
	}
	return &Codec{
		envelope: envelope,
		payloads: map[string]*jsonschema.Schema{
			dispatch.EventAutomationRequest:       request,
			dispatch.EventAutomationErrorDetected: report,
		},
	}, nil
}

// MustCodec is NewCodec that panics on error. The schemas are embedded, so
// an error here is a build defect.
func MustCodec() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}

func compileSchema(file string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + file)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", file, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBase + file
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", file, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", file, err)
	}
	return compiled, nil
}

// wireEnvelope mirrors dispatch.Envelope with a raw payload.
type wireEnvelope struct {
	ID         string          `json:"id"`
	TraceID    string          `json:"trace_id"`
	Name       string          `json:"name"`
	Source     string          `json:"source"`
	LocationID string          `json:"location_id"`
	ContactID  *string         `json:"contact_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode validates data and returns the typed inbound event. The event name
// is trimmed and upper-cased. Payloads of supported events are decoded to
// flow.FlowRequest or flow.ErrorReport; other payloads are left as
// map[string]any for the dispatcher to reject.
func (c *Codec) Decode(data []byte) (Inbound, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Inbound{}, &DecodeError{Stage: "json", Err: err}
	}
	if err := c.envelope.Validate(doc); err != nil {
		return Inbound{}, &DecodeError{Stage: "envelope", Err: err}
	}

	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, &DecodeError{Stage: "envelope", Err: err}
	}
	name := strings.ToUpper(strings.TrimSpace(w.Name))
	env := dispatch.Envelope{
		ID:         w.ID,
		TraceID:    w.TraceID,
		Name:       name,
		Source:     w.Source,
		LocationID: w.LocationID,
	}
	if w.ContactID != nil {
		env.ContactID = *w.ContactID
	}

	rawPayload := doc.(map[string]any)["payload"]
	if schema, ok := c.payloads[name]; ok {
		if err := schema.Validate(rawPayload); err != nil {
			return Inbound{}, &DecodeError{Stage: "payload", Name: name, Err: err}
		}
	}

	var err error
	switch name {
	case dispatch.EventAutomationRequest:
		var req flow.FlowRequest
		err = json.Unmarshal(w.Payload, &req)
		env.Payload = req
	case dispatch.EventAutomationErrorDetected:
		var report flow.ErrorReport
		err = json.Unmarshal(w.Payload, &report)
		env.Payload = report
	default:
		env.Payload = rawPayload
	}
	if err != nil {
		return Inbound{}, &DecodeError{Stage: "payload", Name: name, Err: err}
	}

	key, err := ActionKey(name, w.TraceID, w.Payload)
	if err != nil {
		return Inbound{}, &DecodeError{Stage: "payload", Name: name, Err: err}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return Inbound{}, &DecodeError{Stage: "json", Err: err}
	}
	return Inbound{Envelope: env, Raw: compact.Bytes(), ActionKey: key}, nil
}

// Encode serializes an envelope.
func Encode(env dispatch.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", env.Name, err)
	}
	return data, nil
}

// ActionKey derives the idempotency key of an inbound event: the hex form
// of UUIDv5(URL namespace, "name|trace_id|payload") where payload is the
// RFC 8785 canonical form of the raw payload. Key order and whitespace in
// the source document do not change the key.
func ActionKey(name, traceID string, payload json.RawMessage) (string, error) {
	canonical := []byte("{}")
	if len(bytes.TrimSpace(payload)) > 0 {
		var err error
		if canonical, err = jcs.Transform(payload); err != nil {
			return "", fmt.Errorf("action key: %w", err)
		}
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name+"|"+traceID+"|"+string(canonical)))
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
