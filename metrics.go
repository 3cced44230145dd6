package replica

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/jakecoffman/replica"

// Metrics exports connection counters and round trip times. With no meter
// provider installed the global no-op provider swallows everything.
type Metrics struct {
	counters    metric.Int64Counter
	rtt         metric.Float64Histogram
	loss        metric.Float64Gauge
	connections metric.Int64UpDownCounter
	attrs       [CounterMax]metric.AddOption
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.counters, err = meter.Int64Counter("replica.connection.events",
		metric.WithDescription("Packet and message events per connection counter")); err != nil {
		return nil, err
	}
	if m.rtt, err = meter.Float64Histogram("replica.connection.rtt",
		metric.WithDescription("Smoothed round trip time"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.loss, err = meter.Float64Gauge("replica.connection.packet_loss",
		metric.WithDescription("Smoothed packet loss"), metric.WithUnit("%")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("replica.connections",
		metric.WithDescription("Connections currently held by the server")); err != nil {
		return nil, err
	}
	for i := range m.attrs {
		m.attrs[i] = metric.WithAttributes(attribute.String("counter", counterNames[i]))
	}
	return m, nil
}

// record exports what the connection counted since the previous call.
func (m *Metrics) record(ctx context.Context, c *Connection) {
	counters := c.Counters()
	for i := range counters {
		if d := counters[i] - c.exported[i]; d > 0 {
			m.counters.Add(ctx, int64(d), m.attrs[i])
		}
	}
	c.exported = counters
	if c.State() != StateConnected {
		return
	}
	if rtt := c.Rtt(); rtt > 0 {
		m.rtt.Record(ctx, rtt)
	}
	m.loss.Record(ctx, c.PacketLoss())
}

func (m *Metrics) opened(ctx context.Context) {
	m.connections.Add(ctx, 1)
}

func (m *Metrics) closed(ctx context.Context) {
	m.connections.Add(ctx, -1)
}
