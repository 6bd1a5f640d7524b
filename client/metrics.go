package client

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

const (
	metricCallsIssued      = "webui.calls.issued"
	metricCallsFailed      = "webui.calls.failed"
	metricCallsTimeout     = "webui.calls.timeout"
	metricCallsOutstanding = "webui.calls.outstanding"
	metricCallLatency      = "webui.calls.latency"
	metricEventsReceived   = "webui.events.received"
)

type clientMetrics struct {
	registry    metrics.Registry
	issued      metrics.Counter
	failed      metrics.Counter
	timeouts    metrics.Counter
	outstanding metrics.Gauge
	latency     metrics.Timer
	events      metrics.Counter
}

func newClientMetrics(registry metrics.Registry) *clientMetrics {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &clientMetrics{
		registry:    registry,
		issued:      metrics.GetOrRegisterCounter(metricCallsIssued, registry),
		failed:      metrics.GetOrRegisterCounter(metricCallsFailed, registry),
		timeouts:    metrics.GetOrRegisterCounter(metricCallsTimeout, registry),
		outstanding: metrics.GetOrRegisterGauge(metricCallsOutstanding, registry),
		latency:     metrics.GetOrRegisterTimer(metricCallLatency, registry),
		events:      metrics.GetOrRegisterCounter(metricEventsReceived, registry),
	}
}

func (m *clientMetrics) callFinished(started time.Time, err error) {
	m.latency.UpdateSince(started)
	if err != nil {
		m.failed.Inc(1)
	}
}
