package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/modelrun/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrun_runs_total",
			Help: "Total number of finished evaluation runs.",
		},
		[]string{"mode", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrun_run_duration_seconds",
			Help:    "Wall-clock duration of evaluation runs, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"mode"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelrun_batch_duration_seconds",
			Help:    "Time for one worker to evaluate its batch, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	samplesEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelrun_samples_evaluated_total",
			Help: "Total number of samples evaluated by successful runs.",
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrun_active_workers",
			Help: "Number of workers currently evaluating a batch.",
		},
	)

	logLinesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelrun_log_lines_dropped_total",
			Help: "Stage output lines not delivered to slow live subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(batchDuration)
	prometheus.MustRegister(samplesEvaluated)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(logLinesDropped)

	// Pre-initialize label combinations so they are exported from startup.
	for _, mode := range []string{model.ModeSerial, model.ModeParallel} {
		runsTotal.WithLabelValues(mode, model.StatusCompleted)
		runsTotal.WithLabelValues(mode, model.StatusFailed)
	}
}
