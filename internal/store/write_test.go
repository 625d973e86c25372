package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision_WritesAllRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inserted, err := s.RecordDecision(ctx, createTestDecision("key-1", "trace-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	ok, err := s.IsProcessed(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, ok)

	report, err := s.ReadReport(ctx, "automation_trace-1")
	require.NoError(t, err)
	assert.Equal(t, "trace-1", report.TraceID)
	assert.Equal(t, "AUTOMATION_FLOW_DEFINED", report.Event)
	assert.JSONEq(t, `{"flow_id":"flow-1"}`, string(report.Decision))
	assert.JSONEq(t, `{"goal":"follow-up"}`, string(report.Payload))

	audit, err := s.ReadAudit(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, int64(1), audit[0].Seq)
	assert.Equal(t, "key-1", audit[0].ActionKey)
	assert.Equal(t, "automation_trace-1", audit[0].ReportID)
	assert.Equal(t, "automation_flow_defined", audit[0].Action)
	assert.JSONEq(t, `{"name":"AUTOMATION_REQUEST"}`, string(audit[0].Event))
}

func TestRecordDecision_DuplicateKeyWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := createTestDecision("key-1", "trace-1")
	_, err := s.RecordDecision(ctx, d)
	require.NoError(t, err)

	d.Report.Decision = json.RawMessage(`{"flow_id":"flow-2"}`)
	inserted, err := s.RecordDecision(ctx, d)
	require.NoError(t, err)
	assert.False(t, inserted)

	report, err := s.ReadReport(ctx, "automation_trace-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"flow_id":"flow-1"}`, string(report.Decision))

	audit, err := s.ReadAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestRecordDecision_ReportReplacedPerTrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.RecordDecision(ctx, createTestDecision("key-1", "trace-1"))
	require.NoError(t, err)

	second := createTestDecision("key-2", "trace-1")
	second.Report.Event = "AUTOMATION_FIX_SUGGESTED"
	second.Audit.Action = "automation_fix_suggested"
	_, err = s.RecordDecision(ctx, second)
	require.NoError(t, err)

	report, err := s.ReadReport(ctx, "automation_trace-1")
	require.NoError(t, err)
	assert.Equal(t, "AUTOMATION_FIX_SUGGESTED", report.Event)

	audit, err := s.ReadAudit(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "automation_flow_defined", audit[0].Action)
	assert.Equal(t, "automation_fix_suggested", audit[1].Action)
}

func TestRecordDecision_WithoutReport(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := createTestDecision("key-1", "trace-1")
	d.Report = nil
	_, err := s.RecordDecision(ctx, d)
	require.NoError(t, err)

	audit, err := s.ReadAudit(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Empty(t, audit[0].ReportID)

	_, err = s.ReadReport(ctx, "automation_trace-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordDecision_ConcurrentSameKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.RecordDecision(ctx, createTestDecision("key-1", "trace-1"))
			assert.NoError(t, err)
			if inserted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	n, err := s.CountProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReadAudit_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := createTestDecision(fmt.Sprintf("key-%d", i), fmt.Sprintf("trace-%d", i%2))
		_, err := s.RecordDecision(ctx, d)
		require.NoError(t, err)
	}

	all, err := s.ReadAudit(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.Equal(t, fmt.Sprintf("key-%d", i), rec.ActionKey)
	}

	odd, err := s.ReadAudit(ctx, "trace-1")
	require.NoError(t, err)
	assert.Len(t, odd, 2)

	none, err := s.ReadAudit(ctx, "trace-missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestMarshalJSON(t *testing.T) {
	got, err := marshalJSON(map[string]string{"b": "<x>", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"<x>"}`, got)

	got, err = marshalJSON(json.RawMessage("{ \"a\" : 1 }"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)

	got, err = marshalJSON(json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", got)

	_, err = marshalJSON(json.RawMessage("{broken"))
	assert.Error(t, err)
}
