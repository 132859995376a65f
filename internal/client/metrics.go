package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_client_requests_total",
		Help: "Ledger Service attempts, labeled by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_client_request_duration_seconds",
		Help:    "Latency of individual Ledger Service attempts",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"endpoint"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_client_retries_total",
		Help: "Retries issued, labeled by endpoint and the class of the failure that triggered them",
	}, []string{"endpoint", "class"})
)
