package engine

import "github.com/prometheus/client_golang/prometheus"

// Dispatch mode label values.
const (
	modeForeground = "foreground"
	modeBackground = "background"
)

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_dispatches_total",
			Help: "Total number of dispatched commands.",
		},
		[]string{"command", "mode"},
	)

	activeInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_active_instances",
			Help: "Number of command instances currently running or sleeping.",
		},
	)

	iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_iterations_total",
			Help: "Total number of completed workload iterations.",
		},
		[]string{"command"},
	)

	workloadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_workload_errors_total",
			Help: "Total number of instances terminated by a workload error.",
		},
		[]string{"command"},
	)

	iterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_iteration_duration_seconds",
			Help:    "Duration of a single workload iteration, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

var metricCommands = []string{"gcd", "prime", "sum", "echo", "unknown"}

func init() {
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(activeInstances)
	prometheus.MustRegister(iterationsTotal)
	prometheus.MustRegister(workloadErrorsTotal)
	prometheus.MustRegister(iterationDuration)

	for _, c := range metricCommands {
		dispatchesTotal.WithLabelValues(c, modeForeground)
		dispatchesTotal.WithLabelValues(c, modeBackground)
		iterationsTotal.WithLabelValues(c)
		workloadErrorsTotal.WithLabelValues(c)
	}
}
