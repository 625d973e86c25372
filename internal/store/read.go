package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// IsProcessed reports whether an action key is already recorded.
func (s *Store) IsProcessed(ctx context.Context, actionKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_events WHERE action_key = ?
	`, actionKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return count > 0, nil
}

// ReadAudit returns the audit rows of a trace, or every row when traceID is
// empty. Ordered by seq ASC.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadAudit(ctx context.Context, traceID string) ([]AuditRecord, error) {
	query := `
		SELECT seq, ts, trace_id, action, action_key, report_id, event
		FROM audit_log`
	var args []any
	if traceID != "" {
		query += ` WHERE trace_id = ?`
		args = append(args, traceID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	records := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		var event string
		if err := rows.Scan(&rec.Seq, &rec.TS, &rec.TraceID, &rec.Action, &rec.ActionKey, &rec.ReportID, &event); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Event = json.RawMessage(event)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return records, nil
}

// ReadReport returns the report with the given ID, or ErrNotFound.
func (s *Store) ReadReport(ctx context.Context, id string) (Report, error) {
	var r Report
	var decision, payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, event, decision, payload, created_at
		FROM reports WHERE id = ?
	`, id).Scan(&r.ID, &r.TraceID, &r.Event, &decision, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Report{}, fmt.Errorf("read report: %w", err)
	}
	r.Decision = json.RawMessage(decision)
	r.Payload = json.RawMessage(payload)
	return r, nil
}

// CountProcessed returns the number of recorded action keys.
func (s *Store) CountProcessed(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}
