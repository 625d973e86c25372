package harness

import (
	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/dispatch"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation held.
	Pass bool `json:"pass"`

	Status  agent.Status        `json:"status"`
	States  []dispatch.State    `json:"states,omitempty"`
	Outputs []dispatch.Envelope `json:"outputs"`

	// Error is the handling error of the last delivery, if any.
	Error string `json:"error,omitempty"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Outputs: []dispatch.Envelope{},
		Errors:  []string{},
	}
}

// AddError records a failed expectation.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Output returns the first output named name, or nil.
func (r *Result) Output(name string) *dispatch.Envelope {
	for i := range r.Outputs {
		if r.Outputs[i].Name == name {
			return &r.Outputs[i]
		}
	}
	return nil
}
