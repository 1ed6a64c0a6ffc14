package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements dispatch.Metrics and feeds the /metrics endpoint.
type Metrics struct {
	requests  *prometheus.CounterVec
	dispatch  *prometheus.CounterVec
	failovers *prometheus.CounterVec
	available *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maki",
			Name:      "http_requests_total",
			Help:      "Client requests by protocol and route.",
		}, []string{"protocol", "route"}),
		dispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maki",
			Name:      "dispatch_results_total",
			Help:      "Dispatch outcomes by provider type.",
		}, []string{"provider_type", "outcome"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maki",
			Name:      "dispatch_failovers_total",
			Help:      "Credential fail-overs by provider type.",
		}, []string{"provider_type"}),
		available: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maki",
			Name:      "pool_available_credentials",
			Help:      "Credentials passing the availability predicate.",
		}, []string{"provider_type"}),
	}
}

func (m *Metrics) Request(protocol, route string) {
	m.requests.WithLabelValues(protocol, route).Inc()
}

func (m *Metrics) DispatchResult(providerType, outcome string) {
	m.dispatch.WithLabelValues(providerType, outcome).Inc()
}

func (m *Metrics) Failover(providerType string) {
	m.failovers.WithLabelValues(providerType).Inc()
}

func (m *Metrics) SetAvailable(providerType string, n int) {
	m.available.WithLabelValues(providerType).Set(float64(n))
}
