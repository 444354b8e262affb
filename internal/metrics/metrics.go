package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry and every collector the services export.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	queueDepth       prometheus.Gauge
	deliveries       *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	riskScores       prometheus.Histogram
	visits           prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "somatic_queue_depth",
			Help: "Envelopes currently held in the submission queue",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somatic_queue_deliveries_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somatic_queue_dropped_total",
			Help: "Envelopes removed without successful delivery",
		}, []string{"reason"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somatic_ipintel_provider_requests_total",
			Help: "IP intelligence provider lookups by provider and outcome",
		}, []string{"provider", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somatic_ipintel_cache_lookups_total",
			Help: "IP intelligence cache lookups by result",
		}, []string{"result"}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "somatic_ipintel_risk_score",
			Help:    "Distribution of composite risk scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		visits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "somatic_visits_ingested_total",
			Help: "Visits accepted by the ingestion endpoint",
		}),
	}
	reg.MustRegister(m.queueDepth, m.deliveries, m.dropped, m.providerRequests, m.cacheLookups, m.riskScores, m.visits)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveDelivery records one delivery outcome: success, retryable or fatal.
func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// ObserveDrop records an envelope removed for reason max_retries, fatal or expired.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveProvider(provider, outcome string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveScore(score float64) {
	if m == nil {
		return
	}
	m.riskScores.Observe(score)
}

func (m *Metrics) IncVisits() {
	if m == nil {
		return
	}
	m.visits.Inc()
}
