package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDecision creates a decision with a report for one trace.
func createTestDecision(key, traceID string) Decision {
	return Decision{
		Processed: ProcessedEvent{
			ActionKey:   key,
			TraceID:     traceID,
			EventID:     "evt-" + traceID,
			Name:        "AUTOMATION_REQUEST",
			ProcessedAt: "2025-01-15T12:00:00Z",
		},
		Report: &Report{
			ID:        ReportID(traceID),
			TraceID:   traceID,
			Event:     "AUTOMATION_FLOW_DEFINED",
			Decision:  json.RawMessage(`{"flow_id":"flow-1"}`),
			Payload:   json.RawMessage(`{"goal":"follow-up"}`),
			CreatedAt: "2025-01-15T12:00:00Z",
		},
		Audit: AuditRecord{
			TS:      "2025-01-15T12:00:00Z",
			TraceID: traceID,
			Action:  "automation_flow_defined",
			Event:   json.RawMessage(`{"name":"AUTOMATION_REQUEST"}`),
		},
	}
}
