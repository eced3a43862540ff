package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchgate_polls_total",
		Help: "The total number of coordinator polls",
	}, []string{"status"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	EarningsRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchgate_earnings_rate",
		Help: "Current earnings rate per protocol (account currency per hour)",
	}, []string{"protocol"})

	AllocationFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchgate_allocation_fraction",
		Help: "Current allocation fraction per protocol",
	}, []string{"protocol"})

	ReallocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchgate_reallocations_total",
		Help: "Total reallocation executions",
	}, []string{"outcome"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchgate_alerts_total",
		Help: "Total alerts raised by the monitor",
	}, []string{"kind"})

	AuthRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchgate_auth_rejects_total",
		Help: "Total authentication and rate-limit rejections",
	}, []string{"reason"})
)
