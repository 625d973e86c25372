// Package publish delivers outbound events to the orchestrator.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmadigital/autoflow/internal/dispatch"
)

// Publisher delivers one outbound event.
type Publisher interface {
	Publish(ctx context.Context, env dispatch.Envelope) error
}

// DraftError reports an outbound event missing required fields.
type DraftError struct {
	Missing []string
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("invalid event draft: missing fields %v", e.Missing)
}

// ValidateDraft checks the fields every publisher requires: name, source
// and payload.
func ValidateDraft(env dispatch.Envelope) error {
	var missing []string
	if env.Name == "" {
		missing = append(missing, "name")
	}
	if env.Source == "" {
		missing = append(missing, "source")
	}
	if env.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return &DraftError{Missing: missing}
	}
	return nil
}

// Fanout publishes to every publisher in order and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, env dispatch.Envelope) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes outbound events to a logger instead of delivering them. Used
// when no orchestrator is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(_ context.Context, env dispatch.Envelope) error {
	if err := ValidateDraft(env); err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound event",
		"id", env.ID,
		"trace_id", env.TraceID,
		"name", env.Name,
		"location_id", env.LocationID,
	)
	return nil
}
