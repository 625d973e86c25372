package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmadigital/autoflow/internal/flow"
	"github.com/dmadigital/autoflow/internal/rules"
)

const (
	timeoutEvent = `{
  "id": "evt-1",
  "trace_id": "trace-1",
  "name": "AUTOMATION_ERROR_DETECTED",
  "payload": {"source": "MAKE", "description": "Webhook nao respondeu", "impact": "ALTO"}
}`
	hubspotEvent = `{
  "id": "evt-2",
  "trace_id": "trace-2",
  "name": "AUTOMATION_REQUEST",
  "payload": {"goal": "g", "context": "COMERCIAL", "systems": ["HUBSPOT"], "priority": "ALTA"}
}`
	unsupportedEvent = `{"id": "evt-3", "trace_id": "trace-3", "name": "LEAD_CREATED", "payload": {}}`
)

var hotLeadFlags = []string{
	"--goal", "follow-up on hot lead",
	"--context", "COMERCIAL",
	"--systems", "GHL,MAKE",
	"--priority", "ALTA",
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// decodeData unmarshals the data field of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
	return resp.CLIResponse
}

func designFlow(t *testing.T) DesignOutput {
	t.Helper()
	out, err := execute(t, append([]string{"design", "--format", "json"}, hotLeadFlags...)...)
	require.NoError(t, err)
	var result DesignOutput
	resp := decodeData(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	return result
}

func TestDesignCommand_JSON(t *testing.T) {
	result := designFlow(t)

	require.NotNil(t, result.Flow)
	assert.True(t, strings.HasPrefix(result.Flow.ID, "flow-"))
	assert.Len(t, result.Flow.Steps, 4)
	assert.Equal(t, 8, result.Flow.Complexity)
	assert.Equal(t, 1, flow.BranchCount(result.Flow))
	assert.Equal(t, []flow.System{flow.SystemGHL, flow.SystemMake}, result.Summary.SystemsUsed)
	assert.Len(t, result.Summary.Triggers, 1)
	assert.Nil(t, result.Simplification)
}

func TestDesignCommand_PreOptimize(t *testing.T) {
	out, err := execute(t, append([]string{"design", "--format", "json", "--pre-optimize"}, hotLeadFlags...)...)
	require.NoError(t, err)

	var result DesignOutput
	decodeData(t, out, &result)
	require.NotNil(t, result.Simplification)
	assert.Equal(t, 2, result.Simplification.ComplexityDelta)
	assert.Equal(t, result.Flow.ID, result.Simplification.OriginalID)
	assert.NotEmpty(t, result.Simplification.Justifications)
}

func TestDesignCommand_TextFromFile(t *testing.T) {
	req := writeFile(t, "request.json", `{
  "goal": "follow-up on hot lead",
  "context": "COMERCIAL",
  "systems": ["GHL", "MAKE"],
  "priority": "ALTA"
}`)
	out, err := execute(t, "design", req)
	require.NoError(t, err)
	assert.Contains(t, out, "Fluxo para follow-up on hot lead no contexto COMERCIAL.")
	assert.Contains(t, out, "complexity=8 systems=GHL,MAKE")
	assert.Contains(t, out, "s01 TRIGGER")
}

func TestDesignCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"no input", []string{"design"}, ExitCommandError, "either a request file"},
		{"bad context", []string{"design", "--goal", "g", "--context", "VENDAS", "--systems", "GHL"}, ExitCommandError, `invalid context "VENDAS"`},
		{"missing file", []string{"design", "nope.json"}, ExitCommandError, "input file not found"},
		{"invalid system", []string{"design", "--goal", "g", "--context", "COMERCIAL", "--systems", "HUBSPOT"}, ExitFailure, "INVALID_SYSTEM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDesignCommand_UnknownFieldRejected(t *testing.T) {
	req := writeFile(t, "request.json", `{"goal": "g", "context": "COMERCIAL", "systems": ["GHL"], "priority": "ALTA", "urgency": 1}`)
	out, err := execute(t, "design", "--format", "json", req)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `"code":"E008"`)
}

func TestDiagnoseCommand_Text(t *testing.T) {
	out, err := execute(t, "diagnose", "--source", "make", "--description", "Webhook nao respondeu", "--impact", "ALTO")
	require.NoError(t, err)
	assert.Contains(t, out, "TIMEOUT (confidence 0.600, priority ALTA)")
	assert.Contains(t, out, "RECONFIGURE")
	assert.Contains(t, out, "send_alert")
}

func TestDiagnoseCommand_ExplainJSON(t *testing.T) {
	report := writeFile(t, "report.json", `{"source": "MAKE", "description": "Webhook nao respondeu", "impact": "ALTO"}`)
	out, err := execute(t, "diagnose", "--format", "json", "--explain", report)
	require.NoError(t, err)

	var result DiagnoseOutput
	decodeData(t, out, &result)
	assert.Equal(t, flow.CategoryTimeout, result.Classification.Category)
	assert.InDelta(t, 0.6, result.Classification.Confidence, 1e-9)
	require.NotEmpty(t, result.Candidates)

	var best CandidateOutput
	for _, c := range result.Candidates {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	assert.Equal(t, result.Classification.RuleID, best.RuleID)
}

func TestDiagnoseCommand_MinConfidence(t *testing.T) {
	out, err := execute(t, "diagnose", "--format", "json", "--min-confidence", "0.99",
		"--source", "MAKE", "--description", "Webhook nao respondeu", "--impact", "ALTO")
	require.NoError(t, err)

	var result DiagnoseOutput
	decodeData(t, out, &result)
	assert.Equal(t, flow.CategoryUnknown, result.Classification.Category)

	_, err = execute(t, "diagnose", "--min-confidence", "1.5", "--source", "MAKE", "--description", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDiagnoseCommand_InvalidSource(t *testing.T) {
	_, err := execute(t, "diagnose", "--source", "HUBSPOT", "--description", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid source "HUBSPOT"`)
}

func TestSimplifyCommand(t *testing.T) {
	designed := designFlow(t)
	data, err := json.Marshal(designed.Flow)
	require.NoError(t, err)
	path := writeFile(t, "flow.json", string(data))

	out, err := execute(t, "simplify", "--format", "json", path)
	require.NoError(t, err)
	var result SimplifyOutput
	decodeData(t, out, &result)
	assert.True(t, result.Changed)
	require.NotNil(t, result.Proposal)
	assert.Equal(t, 2, result.Proposal.ComplexityDelta)

	// The reduced flow is a fixed point.
	reduced, err := json.Marshal(result.Proposal.Reduced)
	require.NoError(t, err)
	out, err = execute(t, "simplify", writeFile(t, "reduced.json", string(reduced)))
	require.NoError(t, err)
	assert.Contains(t, out, "no simplification applies")
}

func TestSimplifyCommand_InvalidFlow(t *testing.T) {
	path := writeFile(t, "flow.json", `{"id": "flow-empty", "steps": []}`)
	_, err := execute(t, "simplify", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid flow")
}

func TestRulesValidate_Embedded(t *testing.T) {
	out, err := execute(t, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ catalogue.cue is valid")

	out, err = execute(t, "--format", "json", "rules", "validate")
	require.NoError(t, err)
	var result ValidationResult
	decodeData(t, out, &result)
	assert.True(t, result.Valid)
}

func TestRulesValidate_Errors(t *testing.T) {
	_, err := execute(t, "rules", "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.cue"), []byte("trigger: {\n"), 0o644))
	out, err := execute(t, "rules", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗")
	assert.Contains(t, err.Error(), "validation failed")
}

func TestRulesList(t *testing.T) {
	out, err := execute(t, "--format", "json", "rules", "list", "--kind", "classification")
	require.NoError(t, err)

	var list []RuleSummary
	decodeData(t, out, &list)
	assert.Len(t, list, len(rules.MustDefault().Rules(rules.KindClassification)))
	for _, r := range list {
		assert.Equal(t, rules.KindClassification, r.Kind)
	}

	_, err = execute(t, "rules", "list", "--kind", "webhook")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRulesShow(t *testing.T) {
	out, err := execute(t, "rules", "show")
	require.NoError(t, err)
	assert.Equal(t, rules.DefaultText(), out)
}

func TestHandleCommand_Success(t *testing.T) {
	path := writeFile(t, "event.json", timeoutEvent)
	out, err := execute(t, "handle", "--no-store", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ success (trace trace-1")
	assert.Contains(t, out, "→ AUTOMATION_FIX_SUGGESTED")
}

func TestHandleCommand_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		status string
		code   int
	}{
		{"unsupported", unsupportedEvent, "skipped", ExitSuccess},
		{"invalid system", hubspotEvent, "failed", ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "handle", "--no-store", "--format", "json", writeFile(t, "event.json", tt.event))
			if tt.code == ExitSuccess {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.code, GetExitCode(err))
			}
			var res struct {
				Status string   `json:"status"`
				Errors []string `json:"errors"`
			}
			decodeData(t, out, &res)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestHandleCommand_RejectsMalformedJSON(t *testing.T) {
	_, err := execute(t, "handle", "--no-store", writeFile(t, "event.json", "{not json"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "event rejected")
}

func TestHandleThenAudit(t *testing.T) {
	db := filepath.Join(t.TempDir(), "autoflow.db")
	event := writeFile(t, "event.json", timeoutEvent)

	_, err := execute(t, "handle", "--db", db, event)
	require.NoError(t, err)

	// A second delivery is skipped by the idempotency ledger.
	out, err := execute(t, "handle", "--db", db, event)
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")

	out, err = execute(t, "--format", "json", "audit", "--db", db, "--trace", "trace-1")
	require.NoError(t, err)
	var result AuditResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "trace-1", resp.TraceID)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "automation_fix_suggested", result.Records[0].Action)
	require.NotNil(t, result.Report)
	assert.Equal(t, "automation_trace-1", result.Report.ID)
	assert.Equal(t, 1, result.Processed)

	out, err = execute(t, "audit", "--db", db, "--action", "automation_flow_defined")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit records found.")
}

func TestAuditCommand_MissingDatabase(t *testing.T) {
	_, err := execute(t, "audit", "--db", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}
