package workload

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for summation results.
const (
	resultOK     = "ok"
	resultFailed = "failed"
)

var (
	summationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_parallel_summations_total",
			Help: "Total number of parallel summations, by result.",
		},
		[]string{"result"},
	)

	summationChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_parallel_summation_chunks",
			Help:    "Number of sub-workers per successful parallel summation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	summationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_parallel_summation_seconds",
			Help:    "Wall-clock duration of successful parallel summations, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(summationsTotal)
	prometheus.MustRegister(summationChunks)
	prometheus.MustRegister(summationDuration)

	summationsTotal.WithLabelValues(resultOK)
	summationsTotal.WithLabelValues(resultFailed)
}
