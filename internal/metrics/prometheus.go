package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	connected        prometheus.Gauge
	requests         *prometheus.CounterVec
	requestsInflight prometheus.Gauge
	watchdogEvicted  prometheus.Counter
	eventsDelivered  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connected",
			Help: "Whether the gateway currently has a transport connection",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "The total number of RPC requests by outcome",
		}, []string{"outcome"}),
		requestsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_requests_inflight",
			Help: "The number of RPC requests awaiting a response",
		}),
		watchdogEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_watchdog_evicted_total",
			Help: "The total number of pending calls evicted by the watchdog",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_delivered_total",
			Help: "The total number of event callbacks invoked per event key",
		}, []string{"event"}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.connected)
	prometheus.MustRegister(m.requests)
	prometheus.MustRegister(m.requestsInflight)
	prometheus.MustRegister(m.watchdogEvicted)
	prometheus.MustRegister(m.eventsDelivered)
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) IncrementRequests(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementInflight() {
	m.requestsInflight.Inc()
}

func (m *Metrics) DecrementInflight() {
	m.requestsInflight.Dec()
}

func (m *Metrics) AddWatchdogEvicted(count int) {
	m.watchdogEvicted.Add(float64(count))
}

func (m *Metrics) AddEventsDelivered(event string, count int) {
	m.eventsDelivered.WithLabelValues(event).Add(float64(count))
}
