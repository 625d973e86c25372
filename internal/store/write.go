package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ProcessedEvent is one idempotency ledger entry.
type ProcessedEvent struct {
	ActionKey   string `json:"action_key"`
	TraceID     string `json:"trace_id"`
	EventID     string `json:"event_id"`
	Name        string `json:"name"`
	ProcessedAt string `json:"processed_at"`
}

// Report is the persisted decision of one trace.
type Report struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	Event     string          `json:"event"`
	Decision  json.RawMessage `json:"decision"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// AuditRecord is one audit log row. Seq is assigned on insert.
type AuditRecord struct {
	Seq       int64           `json:"seq"`
	TS        string          `json:"ts"`
	TraceID   string          `json:"trace_id"`
	Action    string          `json:"action"`
	ActionKey string          `json:"action_key"`
	ReportID  string          `json:"report_id,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// Decision groups the rows written for one handled event.
type Decision struct {
	Processed ProcessedEvent
	Report    *Report // Optional
	Audit     AuditRecord
}

// ReportID names the report of a trace.
func ReportID(traceID string) string {
	return "automation_" + traceID
}

// RecordDecision writes the idempotency key, the report and the audit row
// in one transaction. If the action key is already recorded nothing is
// written and inserted is false.
//
// The audit row's ActionKey and ReportID are taken from d.Processed and
// d.Report.
func (s *Store) RecordDecision(ctx context.Context, d Decision) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record decision: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events
		(action_key, trace_id, event_id, name, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(action_key) DO NOTHING
	`,
		d.Processed.ActionKey,
		d.Processed.TraceID,
		d.Processed.EventID,
		d.Processed.Name,
		d.Processed.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record decision: insert key: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record decision: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	audit := d.Audit
	audit.ActionKey = d.Processed.ActionKey
	if d.Report != nil {
		if err := upsertReport(ctx, tx, *d.Report); err != nil {
			return false, fmt.Errorf("record decision: %w", err)
		}
		audit.ReportID = d.Report.ID
	}

	eventJSON, err := marshalJSON(audit.Event)
	if err != nil {
		return false, fmt.Errorf("record decision: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log
		(ts, trace_id, action, action_key, report_id, event)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		audit.TS,
		audit.TraceID,
		audit.Action,
		audit.ActionKey,
		audit.ReportID,
		eventJSON,
	)
	if err != nil {
		return false, fmt.Errorf("record decision: insert audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record decision: commit: %w", err)
	}
	return true, nil
}

// upsertReport replaces the report with the same ID. A trace keeps only its
// latest decision.
func upsertReport(ctx context.Context, tx *sql.Tx, r Report) error {
	decisionJSON, err := marshalJSON(r.Decision)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalJSON(r.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports
		(id, trace_id, event, decision, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event = excluded.event,
			decision = excluded.decision,
			payload = excluded.payload,
			created_at = excluded.created_at
	`,
		r.ID,
		r.TraceID,
		r.Event,
		decisionJSON,
		payloadJSON,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}
