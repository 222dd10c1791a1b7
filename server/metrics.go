package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nameserver",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests by route and status code",
	}, []string{"route", "code"})

	httpDurationMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nameserver",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of HTTP requests",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"route"})
)
