package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's OTel instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	DistributionDuration metric.Float64Histogram
	PublishDuration      metric.Float64Histogram
	PublishOutcomes      metric.Int64Counter
	MessagesSent         metric.Int64Counter
	MessagesCompleted    metric.Int64Counter
	CycleDuration        metric.Float64Histogram
	AlertsRaised         metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goagency.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DistributionDuration, err = meter.Float64Histogram("goagency.distribution.duration",
		metric.WithDescription("Time to fan one content item out to all of its platforms"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram("goagency.publish.duration",
		metric.WithDescription("Single platform publish call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishOutcomes, err = meter.Int64Counter("goagency.publish.outcomes",
		metric.WithDescription("Platform publish attempts by platform and result"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("goagency.messages.sent",
		metric.WithDescription("Inter-agent messages enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesCompleted, err = meter.Int64Counter("goagency.messages.completed",
		metric.WithDescription("Inter-agent messages processed or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("goagency.metrics_cycle.duration",
		metric.WithDescription("Metrics collection and alert evaluation cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsRaised, err = meter.Int64Counter("goagency.alerts.raised",
		metric.WithDescription("Alerts raised by type and severity"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter, for components
// constructed without telemetry.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
