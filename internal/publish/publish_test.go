package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmadigital/autoflow/internal/dispatch"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvent() dispatch.Envelope {
	return dispatch.Envelope{
		ID:         "out-1",
		TraceID:    "trace-1",
		Name:       dispatch.EventFixSuggested,
		Source:     dispatch.DefaultSource,
		LocationID: "loc-1",
		Payload:    map[string]string{"root_cause": "timeout"},
	}
}

// statusSequence answers with codes in order, repeating the last one.
func statusSequence(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events/publish", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(codes[min(n, len(codes)-1)])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestMaestro(url string, sleeps *[]time.Duration, opts ...Option) *Maestro {
	m := NewMaestro(url, append([]Option{WithLogger(quietLogger())}, opts...)...)
	m.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return m
}

func TestMaestro_PostsEnvelope(t *testing.T) {
	var got dispatch.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		got.ID, _ = raw["id"].(string)
		got.Name, _ = raw["name"].(string)
		got.TraceID, _ = raw["trace_id"].(string)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	m := newTestMaestro(srv.URL+"/", &sleeps)
	assert.Equal(t, srv.URL+"/events/publish", m.URL())

	require.NoError(t, m.Publish(context.Background(), sampleEvent()))
	assert.Equal(t, "out-1", got.ID)
	assert.Equal(t, dispatch.EventFixSuggested, got.Name)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Empty(t, sleeps)
}

func TestMaestro_RetriesWithLinearBackoff(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)

	var sleeps []time.Duration
	m := newTestMaestro(srv.URL, &sleeps)
	require.NoError(t, m.Publish(context.Background(), sampleEvent()))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}, sleeps)
}

func TestMaestro_GivesUpAfterRetries(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusInternalServerError)

	var sleeps []time.Duration
	m := newTestMaestro(srv.URL, &sleeps, WithRetries(1), WithBackoff(10*time.Millisecond))
	err := m.Publish(context.Background(), sampleEvent())
	require.Error(t, err)

	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Attempts)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, sleeps)
}

func TestMaestro_ClientErrorNotRetried(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusBadRequest)

	var sleeps []time.Duration
	err := newTestMaestro(srv.URL, &sleeps).Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeps)
}

func TestMaestro_TooManyRequestsRetried(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusTooManyRequests, http.StatusOK)

	var sleeps []time.Duration
	require.NoError(t, newTestMaestro(srv.URL, &sleeps).Publish(context.Background(), sampleEvent()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMaestro_InvalidDraftNotSent(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusOK)

	ev := sampleEvent()
	ev.Source = ""
	ev.Payload = nil
	var sleeps []time.Duration
	err := newTestMaestro(srv.URL, &sleeps).Publish(context.Background(), ev)

	var de *DraftError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"source", "payload"}, de.Missing)
	assert.Equal(t, int32(0), calls.Load())
}

func TestMaestro_CanceledDuringBackoff(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	m := NewMaestro(srv.URL, WithLogger(quietLogger()))
	m.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	err := m.Publish(ctx, sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMaestro_RateLimitWaitHonorsContext(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusOK)

	var sleeps []time.Duration
	m := newTestMaestro(srv.URL, &sleeps, WithRateLimit(0.001, 1))
	require.NoError(t, m.Publish(context.Background(), sampleEvent()))

	// The burst is spent; the next token is ~1000s away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Publish(ctx, sampleEvent())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Attempts)
}

func TestMaestro_DefaultTimeout(t *testing.T) {
	m := NewMaestro("http://localhost:8000")
	assert.Equal(t, DefaultTimeout, m.client.Timeout)
	m = NewMaestro("http://localhost:8000", WithTimeout(time.Second), WithRetries(-3))
	assert.Equal(t, time.Second, m.client.Timeout)
	assert.Equal(t, 0, m.retries)
}

type recordingPublisher struct {
	got []string
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, env dispatch.Envelope) error {
	r.got = append(r.got, env.ID)
	return r.err
}

func TestFanout(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("nats down")}
	c := &recordingPublisher{}

	err := Fanout{a, b, c}.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
	assert.Equal(t, []string{"out-1"}, a.got)
	assert.Equal(t, []string{"out-1"}, c.got)

	assert.NoError(t, Fanout{}.Publish(context.Background(), sampleEvent()))
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	p := Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), "outbound event")
	assert.Contains(t, buf.String(), "name=AUTOMATION_FIX_SUGGESTED")

	assert.Error(t, p.Publish(context.Background(), dispatch.Envelope{}))
}
