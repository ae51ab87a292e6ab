package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds the core's metric instruments.
type Metrics struct {
	HandshakeDuration metric.Float64Histogram
	DispatchDuration  metric.Float64Histogram
	DroppedTotal      metric.Int64Counter
	AccessDeniedTotal metric.Int64Counter
	ActiveMappings    metric.Int64UpDownCounter
	ActiveConnections metric.Int64UpDownCounter
	BlockingTimeouts  metric.Int64Counter
}

// NewMetrics creates all metric instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HandshakeDuration, err = meter.Float64Histogram("mw.handshake.duration",
		metric.WithDescription("Connection handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("mw.dispatch.duration",
		metric.WithDescription("Dispatch-table call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedTotal, err = meter.Int64Counter("mw.router.dropped",
		metric.WithDescription("Messages dropped by the router (filter mismatch, no route, queue full)"),
	)
	if err != nil {
		return nil, err
	}

	m.AccessDeniedTotal, err = meter.Int64Counter("mw.router.access_denied",
		metric.WithDescription("Messages dropped by access-subject enforcement"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveMappings, err = meter.Int64UpDownCounter("mw.mappings.active",
		metric.WithDescription("Currently live endpoint-to-peer mappings"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("mw.connections.active",
		metric.WithDescription("Currently open transport connections"),
	)
	if err != nil {
		return nil, err
	}

	m.BlockingTimeouts, err = meter.Int64Counter("mw.syncwait.timeouts",
		metric.WithDescription("Blocking calls that timed out waiting for a reply"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
