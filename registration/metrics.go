package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nameserver",
		Subsystem: "registration",
		Name:      "requests_total",
		Help:      "Number of registrations by result",
	}, []string{"result"})

	durationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nameserver",
		Subsystem: "registration",
		Name:      "duration_seconds",
		Help:      "Latency of registrations",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	nodesMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nameserver",
		Subsystem: "registry",
		Name:      "nodes",
		Help:      "Number of registered nodes",
	})
)

const (
	resultCreated  = "created"
	resultExisting = "existing"
	resultFailed   = "failed"
)
