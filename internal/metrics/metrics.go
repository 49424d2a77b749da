// Package metrics defines the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers can coexist in one
// process (tests, benchmarks).
type Metrics struct {
	Registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	ReplayRejections   prometheus.Counter
	RequestBytes       prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtfhe",
			Name:      "requests_total",
			Help:      "Inference requests by final stage reached and outcome kind.",
		}, []string{"stage", "kind"}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dtfhe",
			Name:      "evaluation_duration_seconds",
			Help:      "Homomorphic evaluation time per request.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ReplayRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dtfhe",
			Name:      "replay_rejections_total",
			Help:      "Requests rejected for a reused nonce.",
		}),
		RequestBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dtfhe",
			Name:      "request_bytes",
			Help:      "Size of the sealed payload.",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 2, 10),
		}),
	}
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
