package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/sebdah/goldie/v2"

	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/dispatch"
)

// Snapshot is the golden form of a scenario run.
type Snapshot struct {
	ScenarioName string              `json:"scenario_name"`
	Status       agent.Status        `json:"status"`
	States       []dispatch.State    `json:"states,omitempty"`
	Outputs      []dispatch.Envelope `json:"outputs"`
	Error        string              `json:"error,omitempty"`
}

// MarshalSnapshot renders the golden bytes for a result: RFC 8785 canonical
// JSON plus a trailing newline, so identical runs produce identical files.
func MarshalSnapshot(name string, r *Result) ([]byte, error) {
	raw, err := json.Marshal(Snapshot{
		ScenarioName: name,
		Status:       r.Status,
		States:       r.States,
		Outputs:      r.Outputs,
		Error:        r.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	return append(canonical, '\n'), nil
}

// RunWithGolden executes a scenario, fails t on unmet expectations and
// compares the snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, e)
	}
	return AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares an existing result against its golden file.
// Options override the default fixture directory testdata/golden.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, name, data)
	return nil
}
