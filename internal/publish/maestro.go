package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/wire"
)

const (
	DefaultTimeout = 8 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 800 * time.Millisecond
)

// StatusError is a non-2xx answer from the orchestrator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("orchestrator answered %d", e.Code)
	}
	return fmt.Sprintf("orchestrator answered %d: %s", e.Code, e.Body)
}

// PublishError reports an event that could not be delivered.
type PublishError struct {
	Event    string
	URL      string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s failed after %d attempt(s): %v", e.Event, e.URL, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Maestro posts events to {base}/events/publish.
//
// Failed attempts are retried with linear backoff (backoff * attempt).
// Client errors other than 429 are not retried. Safe for concurrent use.
type Maestro struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Maestro publisher.
type Option func(*Maestro)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Maestro) { m.client.Timeout = d }
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int) Option {
	return func(m *Maestro) { m.retries = max(n, 0) }
}

// WithBackoff sets the backoff unit.
func WithBackoff(d time.Duration) Option {
	return func(m *Maestro) { m.backoff = d }
}

// WithRateLimit caps outbound attempts per second. Zero disables the cap.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Maestro) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithHTTPClient replaces the HTTP client. The timeout option applies to
// the client set last.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Maestro) { m.client = c }
}

// WithLogger sets the logger used for retries.
func WithLogger(l *slog.Logger) Option {
	return func(m *Maestro) { m.logger = l }
}

// NewMaestro creates a publisher for the orchestrator at baseURL.
func NewMaestro(baseURL string, opts ...Option) *Maestro {
	m := &Maestro{
		url:     strings.TrimRight(baseURL, "/") + "/events/publish",
		client:  &http.Client{Timeout: DefaultTimeout},
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// URL returns the publish endpoint.
func (m *Maestro) URL() string { return m.url }

// Publish delivers env, retrying transient failures.
func (m *Maestro) Publish(ctx context.Context, env dispatch.Envelope) error {
	if err := ValidateDraft(env); err != nil {
		return err
	}
	body, err := wire.Encode(env)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= m.retries; attempt++ {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		lastErr = m.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !retryable(ctx, lastErr) || attempt == m.retries {
			break
		}

		delay := m.backoff * time.Duration(attempt+1)
		m.logger.Warn("publish attempt failed",
			"event", env.Name,
			"trace_id", env.TraceID,
			"attempt", attempts,
			"retry_in", delay,
			"error", lastErr,
		)
		if err := m.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return &PublishError{Event: env.Name, URL: m.url, Attempts: attempts, Err: lastErr}
}

func (m *Maestro) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
