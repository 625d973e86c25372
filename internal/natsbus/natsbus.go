// Package natsbus connects the agent to a NATS event bus: inbound events
// arrive on a queue subscription, outbound events are published to one
// subject per event name.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/wire"
)

// Header names set on outbound messages.
const (
	HeaderMsgID   = nats.MsgIdHdr
	HeaderTraceID = "Autoflow-Trace-Id"
)

// Connect dials url with reconnect handling logged through logger.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(
		url,
		nats.Name("autoflow"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher publishes outbound events to "<prefix>.<event name in lower case>".
type Publisher struct {
	conn   MsgPublisher
	prefix string
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn MsgPublisher, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event name is published to.
func (p *Publisher) Subject(name string) string {
	return p.prefix + "." + strings.ToLower(name)
}

// Publish sends env. The message ID header carries the outbound event ID so
// JetStream-backed subjects deduplicate redeliveries.
func (p *Publisher) Publish(ctx context.Context, env dispatch.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(env.Name))
	msg.Data = data
	msg.Header.Set(HeaderMsgID, env.ID)
	msg.Header.Set(HeaderTraceID, env.TraceID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Handler processes raw inbound events.
type Handler interface {
	HandleJSON(ctx context.Context, data []byte) (agent.Result, error)
}

// Reply is the body sent back to request-reply callers.
type Reply struct {
	Result *agent.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// DrainTimeout bounds how long Serve waits for in-flight messages after
// shutdown starts.
const DrainTimeout = 30 * time.Second

// Subscriber feeds inbound messages to a Handler.
type Subscriber struct {
	handler      Handler
	logger       *slog.Logger
	timeout      time.Duration
	drainTimeout time.Duration
}

// NewSubscriber creates a subscriber. timeout bounds each handled message;
// zero means no bound.
func NewSubscriber(h Handler, logger *slog.Logger, timeout time.Duration) *Subscriber {
	return &Subscriber{handler: h, logger: logger, timeout: timeout, drainTimeout: DrainTimeout}
}

// Serve subscribes to subject in queue group queue and handles messages
// until ctx is done. It then drains the subscription and returns once every
// delivered message has been handled, or after DrainTimeout.
func (s *Subscriber) Serve(ctx context.Context, nc *nats.Conn, subject, queue string) error {
	sub, err := nc.QueueSubscribe(subject, queue, s.onMessage(context.WithoutCancel(ctx)))
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.logger.Info("nats subscriber started", "subject", subject, "queue", queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain %s: %w", subject, err)
	}
	if err := waitDrained(sub, s.drainTimeout); err != nil {
		return fmt.Errorf("nats drain %s: %w", subject, err)
	}
	s.logger.Info("nats subscriber drained", "subject", subject)
	return nil
}

// onMessage handles deliveries under ctx. Serve passes a context that
// shutdown does not cancel, so messages handled during the drain can still
// record and publish.
func (s *Subscriber) onMessage(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reply := s.HandleMessage(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Warn("nats reply failed", "subject", msg.Subject, "error", err)
		}
	}
}

// validity is the part of *nats.Subscription waitDrained polls.
type validity interface {
	IsValid() bool
}

// waitDrained blocks until sub is no longer valid, which nats reports once
// a drain has delivered every pending message and unsubscribed.
func waitDrained(sub validity, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return fmt.Errorf("drain not finished after %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// HandleMessage handles one message body and returns the encoded Reply.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) []byte {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var reply Reply
	res, err := s.handler.HandleJSON(ctx, data)
	if err != nil {
		reply.Error = err.Error()
		level := slog.LevelError
		if agent.IsCallerError(err) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "nats event failed", "trace_id", res.TraceID, "error", err)
	}
	if res.Handler != "" {
		reply.Result = &res
	}

	out, err := json.Marshal(reply)
	if err != nil {
		out, _ = json.Marshal(Reply{Error: fmt.Sprintf("encode reply: %v", err)})
	}
	return out
}
