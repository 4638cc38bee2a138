package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/persistence"
)

const namespace = "goagency"

// Exporter exposes the latest snapshot and bus-derived counters on a
// dedicated Prometheus registry.
type Exporter struct {
	agg      *Aggregator
	registry *prometheus.Registry

	outcomes *prometheus.CounterVec
	alerts   *prometheus.CounterVec
	messages *prometheus.CounterVec

	agentsDesc    *prometheus.Desc
	contentDesc   *prometheus.Desc
	messagesDesc  *prometheus.Desc
	recentDesc    *prometheus.Desc
	collectedDesc *prometheus.Desc
	breakerDesc   *prometheus.Desc

	breakers func() map[persistence.Platform]string
}

// NewExporter registers the snapshot collector and event counters. breakers
// may be nil; otherwise it reports a state name per platform.
func NewExporter(agg *Aggregator, breakers func() map[persistence.Platform]string) *Exporter {
	x := &Exporter{
		agg:      agg,
		registry: prometheus.NewRegistry(),
		breakers: breakers,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_outcomes_total",
			Help:      "Platform publish outcomes by platform and result",
		}, []string{"platform", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"alert_type", "severity"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inter-agent message events by status",
		}, []string{"status"}),
		agentsDesc: prometheus.NewDesc(namespace+"_agents",
			"Registered agents by status at the last collection", []string{"status"}, nil),
		contentDesc: prometheus.NewDesc(namespace+"_content_items",
			"Content items by status at the last collection", []string{"status"}, nil),
		messagesDesc: prometheus.NewDesc(namespace+"_messages",
			"Messages by status at the last collection", []string{"status"}, nil),
		recentDesc: prometheus.NewDesc(namespace+"_recent_activity",
			"Messages created in the 24 hours before the last collection", nil, nil),
		collectedDesc: prometheus.NewDesc(namespace+"_last_collection_timestamp_seconds",
			"Unix time of the last successful collection", nil, nil),
		breakerDesc: prometheus.NewDesc(namespace+"_circuit_breaker_state",
			"Platform circuit breaker state (0=closed, 1=half-open, 2=open)", []string{"platform"}, nil),
	}
	x.registry.MustRegister(
		x,
		x.outcomes,
		x.alerts,
		x.messages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return x
}

// Registry returns the registry to serve with promhttp.
func (x *Exporter) Registry() *prometheus.Registry {
	return x.registry
}

// Describe implements prometheus.Collector.
func (x *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- x.agentsDesc
	ch <- x.contentDesc
	ch <- x.messagesDesc
	ch <- x.recentDesc
	ch <- x.collectedDesc
	ch <- x.breakerDesc
}

// Collect implements prometheus.Collector.
func (x *Exporter) Collect(ch chan<- prometheus.Metric) {
	if x.breakers != nil {
		for platform, state := range x.breakers() {
			ch <- prometheus.MustNewConstMetric(x.breakerDesc, prometheus.GaugeValue, breakerValue(state), string(platform))
		}
	}

	snap, ok := x.agg.Latest()
	if !ok {
		return
	}
	c := snap.Counts
	gauge := func(desc *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(x.agentsDesc, c.Agents.Active, "active")
	gauge(x.agentsDesc, c.Agents.Inactive, "inactive")
	gauge(x.contentDesc, c.Content.Draft, "draft")
	gauge(x.contentDesc, c.Content.Scheduled, "scheduled")
	gauge(x.contentDesc, c.Content.Distributing, "distributing")
	gauge(x.contentDesc, c.Content.Published, "published")
	gauge(x.contentDesc, c.Content.Failed, "failed")
	gauge(x.messagesDesc, c.Messages.Pending, "pending")
	gauge(x.messagesDesc, c.Messages.Processed, "processed")
	gauge(x.messagesDesc, c.Messages.Failed, "failed")
	gauge(x.recentDesc, c.Messages.RecentActivity)
	ch <- prometheus.MustNewConstMetric(x.collectedDesc, prometheus.GaugeValue, float64(snap.CollectedAt.Unix()))
}

func breakerValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	}
	return 0
}

// Run feeds the event counters from the bus until ctx is done.
func (x *Exporter) Run(ctx context.Context, eventBus *bus.Bus) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			x.observe(ev)
		}
	}
}

func (x *Exporter) observe(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.ContentEvent:
		if ev.Topic != bus.TopicContentPublished && ev.Topic != bus.TopicContentFailed {
			return
		}
		for _, platform := range p.Succeeded {
			x.outcomes.WithLabelValues(platform, "success").Inc()
		}
		for _, platform := range p.Failed {
			x.outcomes.WithLabelValues(platform, "failure").Inc()
		}
	case bus.AlertEvent:
		if ev.Topic == bus.TopicAlertRaised {
			x.alerts.WithLabelValues(p.Type, p.Severity).Inc()
		}
	case bus.MessageEvent:
		x.messages.WithLabelValues(p.Status).Inc()
	}
}
