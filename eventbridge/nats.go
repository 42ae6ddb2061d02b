// Package eventbridge forwards fleet events to external messaging
// systems so other services can react to discoveries and health changes.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisperfleet/whisperfleet/core"
)

const defaultSubjectPrefix = "whisperfleet.events"

// NATSSink publishes fleet events to NATS subjects derived from the
// event type. It implements core.EventSink.
type NATSSink struct {
	conn    *nats.Conn
	prefix  string
	logger  core.Logger
	ownConn bool
}

// NATSOption configures a NATSSink.
type NATSOption func(*NATSSink)

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(s *NATSSink) {
		s.prefix = prefix
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger core.Logger) NATSOption {
	return func(s *NATSSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewNATSSink connects to the given NATS URL and returns a sink that owns
// the connection.
func NewNATSSink(url string, opts ...NATSOption) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	sink := newSink(conn, opts...)
	sink.ownConn = true
	return sink, nil
}

// NewNATSSinkWithConn wraps an existing connection. The caller keeps
// ownership of the connection.
func NewNATSSinkWithConn(conn *nats.Conn, opts ...NATSOption) *NATSSink {
	return newSink(conn, opts...)
}

func newSink(conn *nats.Conn, opts ...NATSOption) *NATSSink {
	s := &NATSSink{
		conn:   conn,
		prefix: defaultSubjectPrefix,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish marshals the event and publishes it to <prefix>.<event type>.
func (s *NATSSink) Publish(ctx context.Context, event core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	subject := s.Subject(event.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("Failed to publish event", map[string]interface{}{
			"subject": subject,
			"type":    string(event.Type),
			"error":   err.Error(),
		})
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subject returns the NATS subject used for an event type.
func (s *NATSSink) Subject(eventType core.EventType) string {
	return s.prefix + "." + string(eventType)
}

// Close flushes and closes the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if !s.ownConn || s.conn == nil {
		return nil
	}
	if err := s.conn.Flush(); err != nil {
		s.conn.Close()
		return err
	}
	s.conn.Close()
	return nil
}
