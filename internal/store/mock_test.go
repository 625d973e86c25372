package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestRecordDecision_RollsBackOnAuditFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("key-1", "trace-1", "evt-trace-1", "AUTOMATION_REQUEST", "2025-01-15T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reports")).
		WithArgs("automation_trace-1", "trace-1", "AUTOMATION_FLOW_DEFINED", `{"flow_id":"flow-1"}`, `{"goal":"follow-up"}`, "2025-01-15T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	inserted, err := s.RecordDecision(context.Background(), createTestDecision("key-1", "trace-1"))
	require.Error(t, err)
	assert.False(t, inserted)
	assert.Contains(t, err.Error(), "record decision: insert audit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDecision_DuplicateSkipsRemainingWrites(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	inserted, err := s.RecordDecision(context.Background(), createTestDecision("key-1", "trace-1"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDecision_CommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	d := createTestDecision("key-1", "trace-1")
	d.Report = nil

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("2025-01-15T12:00:00Z", "trace-1", "automation_flow_defined", "key-1", "", `{"name":"AUTOMATION_REQUEST"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err := s.RecordDecision(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsProcessed_QueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM processed_events")).
		WithArgs("key-1").
		WillReturnError(errors.New("no such table"))

	_, err := s.IsProcessed(context.Background(), "key-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check processed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
