package replica

import (
	"context"
	"testing"

	"github.com/jakecoffman/replica/transport"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}

	c := newTestCluster(t, transport.Conditions{Latency: .02}, namedConfig("server"), ServerOptions{Metrics: metrics})
	c.dial(namedConfig("a"), nil)
	c.dial(namedConfig("b"), nil)
	c.until(20, "connect", c.connected)
	// the server's first heartbeat draws the ack that yields an rtt sample
	c.run(int(1.5 * NewDefaultConfig().HeartbeatInterval.Seconds() / c.dt))

	data := collect(t, reader)
	conns, ok := data["replica.connections"].(metricdata.Sum[int64])
	if !ok || len(conns.DataPoints) != 1 || conns.DataPoints[0].Value != 2 {
		t.Fatal("Expected two open connections", data["replica.connections"])
	}
	events, ok := data["replica.connection.events"].(metricdata.Sum[int64])
	if !ok {
		t.Fatal("Missing event counters")
	}
	var sent int64
	for _, dp := range events.DataPoints {
		if v, _ := dp.Attributes.Value(attribute.Key("counter")); v.AsString() == "packets.sent" {
			sent = dp.Value
		}
	}
	if sent == 0 {
		t.Error("Sent packets should be exported")
	}
	if rtt, ok := data["replica.connection.rtt"].(metricdata.Histogram[float64]); !ok || rtt.DataPoints[0].Count == 0 {
		t.Error("Round trip times should be recorded")
	}

	c.clients[0].Disconnect()
	c.run(3)
	data = collect(t, reader)
	if conns := data["replica.connections"].(metricdata.Sum[int64]); conns.DataPoints[0].Value != 1 {
		t.Error("A closed connection should be subtracted", conns.DataPoints[0].Value)
	}
}
