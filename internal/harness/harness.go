package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/rules"
	"github.com/dmadigital/autoflow/internal/store"
	"github.com/dmadigital/autoflow/internal/testutil"
)

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	base *rules.Base
}

// WithRules runs scenarios against base instead of the default catalogue.
func WithRules(base *rules.Base) Option {
	return func(c *runConfig) { c.base = base }
}

// Run executes a scenario and evaluates its expectations.
//
// Each run uses a fresh in-memory store, so idempotency only spans the
// deliveries of one scenario. The returned error covers setup failures
// only; handling errors are recorded in Result.Error and checked against
// the scenario's expect clause.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base := cfg.base
	if base == nil {
		b, err := rules.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to load default rules: %w", err)
		}
		base = b
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFixedClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dopts := []dispatch.Option{
		dispatch.WithClock(clock),
		dispatch.WithLogger(logger),
		dispatch.WithPreOptimize(scenario.PreOptimize),
	}
	if scenario.MinConfidence != nil {
		dopts = append(dopts, dispatch.WithMinConfidence(*scenario.MinConfidence))
	}
	a := agent.New(dispatch.DefaultSource, dispatch.New(base, dopts...),
		agent.WithRecorder(st),
		agent.WithClock(clock),
		agent.WithLogger(logger),
	)

	data, err := json.Marshal(scenario.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	ctx := context.Background()
	var (
		res       agent.Result
		handleErr error
	)
	for i, n := 0, max(scenario.Deliveries, 1); i < n; i++ {
		res, handleErr = a.HandleJSON(ctx, data)
	}

	result := NewResult()
	result.Status = res.Status
	if states, ok := res.Evidence["states"].([]dispatch.State); ok {
		result.States = states
	}
	if res.NextEvents != nil {
		result.Outputs = res.NextEvents
	}
	if handleErr != nil {
		result.Error = handleErr.Error()
		if result.Status == "" {
			result.Status = agent.StatusFailed
		}
	}

	evaluate(scenario, result)
	return result, nil
}

// evaluate checks the expect clause, then every assertion.
func evaluate(s *Scenario, r *Result) {
	exp := s.Expect
	if string(r.Status) != exp.Status {
		r.AddError(fmt.Sprintf("status: expected %s, got %s", exp.Status, r.Status))
	}

	switch {
	case exp.Error == "" && r.Error != "":
		r.AddError(fmt.Sprintf("unexpected error: %s", r.Error))
	case exp.Error != "" && !strings.Contains(r.Error, exp.Error):
		r.AddError(fmt.Sprintf("error: expected to contain %q, got %q", exp.Error, r.Error))
	}

	got := make([]string, len(r.Outputs))
	for i, ev := range r.Outputs {
		got[i] = ev.Name
	}
	if !equalNames(got, exp.Outputs) {
		r.AddError(fmt.Sprintf("outputs: expected %v, got %v", exp.Outputs, got))
	}

	traceID, _ := s.Event["trace_id"].(string)
	for _, msg := range EvaluateAssertions(r, exp.Assertions, traceID) {
		r.AddError(msg)
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
