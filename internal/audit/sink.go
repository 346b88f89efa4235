// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package audit

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/convergehq/authgate/internal/logging"
)

// Sink consumes audit events. Implementations must be safe for concurrent
// use; errors are reported to the recorder, which logs and moves on.
type Sink interface {
	Emit(ctx context.Context, event *Event) error
}

// LogSink writes events to the structured log. It is the always-on sink;
// external collectors tail the log stream.
type LogSink struct{}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit writes one event as a structured log line.
func (s *LogSink) Emit(_ context.Context, event *Event) error {
	logging.Info().
		Str("audit_id", event.ID).
		Str("type", string(event.Type)).
		Str("outcome", string(event.Outcome)).
		Str("actor_id", event.Actor.ID).
		Str("actor_email", event.Actor.Email).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("source_ip", event.Source.IPAddress).
		Str("request_id", event.RequestID).
		Msg("audit")
	return nil
}

// NATSSink publishes events as JSON to a NATS subject for external
// collectors.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to NATS and returns the sink. The connection retries
// in the background so a broker outage at startup does not block the
// gateway.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.Name("authgate-audit"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Emit publishes one event.
func (s *NATSSink) Emit(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}
