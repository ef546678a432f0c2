// Package metrics defines the OpenTelemetry instruments recorded by the worker.
//
// A nil *Metrics is valid and records nothing, which keeps the instruments
// optional for callers and tests.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/eventworker"

// Metrics holds OpenTelemetry metric instruments for the worker.
type Metrics struct {
	meter metric.Meter

	connectAttempts  metric.Int64Counter
	connectFailures  metric.Int64Counter
	reconnects       metric.Int64Counter
	stateTransitions metric.Int64Counter

	deliveries     metric.Int64Counter
	acks           metric.Int64Counter
	droppedAcks    metric.Int64Counter
	decodeFailures metric.Int64Counter
	routeOutcomes  metric.Int64Counter
	publishes      metric.Int64Counter

	inFlight        metric.Int64UpDownCounter
	processDuration metric.Float64Histogram
}

// New creates a Metrics instance on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates a Metrics instance on the given meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.connectAttempts, err = m.meter.Int64Counter(
		"eventworker.connect.attempts.total",
		metric.WithDescription("Total broker dial attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectAttempts counter: %w", err)
	}

	m.connectFailures, err = m.meter.Int64Counter(
		"eventworker.connect.failures.total",
		metric.WithDescription("Total failed broker dial attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectFailures counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"eventworker.reconnects.total",
		metric.WithDescription("Total reconnects scheduled after losing the session"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.stateTransitions, err = m.meter.Int64Counter(
		"eventworker.state.transitions.total",
		metric.WithDescription("Consumer lifecycle transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateTransitions counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Counter(
		"eventworker.deliveries.total",
		metric.WithDescription("Total deliveries received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.acks, err = m.meter.Int64Counter(
		"eventworker.acks.total",
		metric.WithDescription("Total acknowledgments sent to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acks counter: %w", err)
	}

	m.droppedAcks, err = m.meter.Int64Counter(
		"eventworker.acks.dropped.total",
		metric.WithDescription("Ack requests discarded by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create droppedAcks counter: %w", err)
	}

	m.decodeFailures, err = m.meter.Int64Counter(
		"eventworker.decode.failures.total",
		metric.WithDescription("Message bodies that could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decodeFailures counter: %w", err)
	}

	m.routeOutcomes, err = m.meter.Int64Counter(
		"eventworker.route.outcomes.total",
		metric.WithDescription("Router outcomes by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routeOutcomes counter: %w", err)
	}

	m.publishes, err = m.meter.Int64Counter(
		"eventworker.publishes.total",
		metric.WithDescription("Publish attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishes counter: %w", err)
	}

	m.inFlight, err = m.meter.Int64UpDownCounter(
		"eventworker.messages.in_flight",
		metric.WithDescription("Messages currently being processed by workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlight gauge: %w", err)
	}

	m.processDuration, err = m.meter.Float64Histogram(
		"eventworker.process.duration.seconds",
		metric.WithDescription("Time from dispatch to router completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectAttempts.Add(ctx, 1)
	if !ok {
		m.connectFailures.Add(ctx, 1)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

func (m *Metrics) RecordStateTransition(to string) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", to),
	))
}

func (m *Metrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.deliveries.Add(context.Background(), 1)
}

func (m *Metrics) RecordAck() {
	if m == nil {
		return
	}
	m.acks.Add(context.Background(), 1)
}

func (m *Metrics) RecordDroppedAck(reason string) {
	if m == nil {
		return
	}
	m.droppedAcks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Add(context.Background(), 1)
}

func (m *Metrics) RecordRouteOutcome(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.routeOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	m.processDuration.Record(ctx, elapsed.Seconds())
}

func (m *Metrics) RecordPublish(ok bool) {
	if m == nil {
		return
	}
	result := "confirmed"
	if !ok {
		result = "failed"
	}
	m.publishes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordWorkerStarted() {
	if m == nil {
		return
	}
	m.inFlight.Add(context.Background(), 1)
}

func (m *Metrics) RecordWorkerFinished() {
	if m == nil {
		return
	}
	m.inFlight.Add(context.Background(), -1)
}
