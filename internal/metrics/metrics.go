package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Number of task status transitions.",
		}, []string{"name", "from", "to"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Number of task processes started.",
		}, []string{"name"},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "kills_total",
			Help:      "Number of task processes terminated on request.",
		}, []string{"name"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished task processes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"name"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "running",
			Help:      "Number of task processes currently tracked.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "log_lines_total",
			Help:      "Number of entries written to the board log table.",
		}, []string{"level"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "rss_bytes",
			Help:      "Resident memory of a running task process.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskboard",
			Subsystem: "task",
			Name:      "cpu_percent",
			Help:      "CPU usage of a running task process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{transitions, runs, kills, runDuration, running, logLines, rssBytes, cpuPercent}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func RecordTransition(name, from, to string) {
	if regOK.Load() {
		transitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncRun(name string) {
	if regOK.Load() {
		runs.WithLabelValues(name).Inc()
	}
}

func IncKill(name string) {
	if regOK.Load() {
		kills.WithLabelValues(name).Inc()
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}

func IncLogLine(level string) {
	if regOK.Load() {
		logLines.WithLabelValues(level).Inc()
	}
}
