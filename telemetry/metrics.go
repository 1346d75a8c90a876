package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func otelMeter(name string) metric.Meter { return otel.Meter(name) }

func consumerAttr(name string) attribute.KeyValue  { return attribute.String("consumer", name) }
func breakerAttr(name string) attribute.KeyValue   { return attribute.String("breaker", name) }
func bulkheadAttr(name string) attribute.KeyValue  { return attribute.String("bulkhead", name) }

// Metrics bundles the node-level OTel instruments: consumer lag (recorded
// by Flow-Balance through Options.RecordLag), circuit breaker state, and
// bulkhead occupancy (spec §4.7, §4.8). The resilience package does not
// record into the latter two itself.
type Metrics struct {
	ConsumerLag     metric.Int64Gauge
	CircuitState    metric.Int64Gauge
	BulkheadInUse   metric.Int64Gauge
	BulkheadQueued  metric.Int64Gauge
}

// NewMetrics creates the instrument set off meter. meterName is used
// purely for the meter's own instrumentation-scope name.
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otelMeter(meterName)

	lag, err := meter.Int64Gauge("happen.consumer.lag", metric.WithDescription("delivered - ack_floor for a JetStream consumer"))
	if err != nil {
		return nil, err
	}
	cbState, err := meter.Int64Gauge("happen.circuit_breaker.state", metric.WithDescription("0=closed 1=half-open 2=open"))
	if err != nil {
		return nil, err
	}
	bhInUse, err := meter.Int64Gauge("happen.bulkhead.in_use", metric.WithDescription("occupied bulkhead slots"))
	if err != nil {
		return nil, err
	}
	bhQueued, err := meter.Int64Gauge("happen.bulkhead.queued", metric.WithDescription("tasks waiting for a bulkhead slot"))
	if err != nil {
		return nil, err
	}

	return &Metrics{ConsumerLag: lag, CircuitState: cbState, BulkheadInUse: bhInUse, BulkheadQueued: bhQueued}, nil
}

// RecordConsumerLag records a tick's lag reading for a named consumer.
func (m *Metrics) RecordConsumerLag(ctx context.Context, consumer string, lag int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.Record(ctx, lag, metric.WithAttributes(consumerAttr(consumer)))
}

// RecordCircuitState records a circuit breaker's current numeric state
// for a named breaker.
func (m *Metrics) RecordCircuitState(ctx context.Context, breaker string, state int64) {
	if m == nil {
		return
	}
	m.CircuitState.Record(ctx, state, metric.WithAttributes(breakerAttr(breaker)))
}

// RecordBulkheadOccupancy records a bulkhead's in-use and queued counts.
func (m *Metrics) RecordBulkheadOccupancy(ctx context.Context, name string, inUse, queued int64) {
	if m == nil {
		return
	}
	attr := metric.WithAttributes(bulkheadAttr(name))
	m.BulkheadInUse.Record(ctx, inUse, attr)
	m.BulkheadQueued.Record(ctx, queued, attr)
}
