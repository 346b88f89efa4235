// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/convergehq/authgate/internal/logging"
)

var (
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_audit_events_dropped_total",
		Help: "Audit events dropped because the buffer was full",
	})

	sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_audit_sink_errors_total",
		Help: "Audit sink emission failures",
	}, []string{"sink"})
)

// namedSink pairs a sink with a label for error metrics.
type namedSink struct {
	name string
	sink Sink
}

// Recorder fans audit events out to its sinks through a bounded buffer.
// Record never blocks the request path: a full buffer drops the event and
// counts the drop, and sink failures are logged without ever propagating
// back to the authorization decision.
type Recorder struct {
	sinks   []namedSink
	events  chan *Event
	enabled bool
}

// NewRecorder creates a recorder with the given buffer size. A disabled or
// zero-sink recorder swallows events silently.
func NewRecorder(enabled bool, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Recorder{
		events:  make(chan *Event, bufferSize),
		enabled: enabled,
	}
}

// AddSink registers a sink under a metrics label. Not safe to call after
// Serve has started.
func (r *Recorder) AddSink(name string, sink Sink) {
	r.sinks = append(r.sinks, namedSink{name: name, sink: sink})
}

// Record enqueues an event for emission. Fire-and-forget: the caller's
// decision is already made and nothing here can change it.
func (r *Recorder) Record(event *Event) {
	if !r.enabled || event == nil {
		return
	}
	select {
	case r.events <- event:
	default:
		eventsDropped.Inc()
		logging.Warn().Str("audit_id", event.ID).Msg("Audit buffer full, dropping event")
	}
}

// Serve drains the buffer until ctx is canceled, then flushes what remains.
// It satisfies the supervisor's service contract.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case event := <-r.events:
			r.emit(event)
		}
	}
}

// flush drains buffered events without waiting for new ones.
func (r *Recorder) flush() {
	for {
		select {
		case event := <-r.events:
			r.emit(event)
		default:
			return
		}
	}
}

func (r *Recorder) emit(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ns := range r.sinks {
		if err := ns.sink.Emit(ctx, event); err != nil {
			sinkErrors.WithLabelValues(ns.name).Inc()
			logging.Error().Err(err).
				Str("sink", ns.name).
				Str("audit_id", event.ID).
				Msg("Audit sink emission failed")
		}
	}
}
