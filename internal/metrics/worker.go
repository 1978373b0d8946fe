// Package metrics provides Prometheus metrics for the supervised worker.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stayopen"

var (
	commandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "submitted_total",
		Help:      "Commands accepted for dispatch",
	}, []string{"action"})

	commandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "rejected_total",
		Help:      "Submissions refused because the worker was unavailable or the arguments were empty",
	}, []string{"action"})

	commandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "completed_total",
		Help:      "Commands that reached a terminal status",
	}, []string{"action", "status"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "duration_seconds",
		Help:      "Time from dispatch to completion",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"action"})

	waitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "wait_timeouts_total",
		Help:      "Synchronous waits abandoned before the result arrived",
	})

	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "queue_length",
		Help:      "Commands waiting for dispatch",
	})

	workerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "state",
		Help:      "1 for the current worker state, 0 otherwise",
	}, []string{"state"})

	workerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Worker restarts, requested or automatic",
	})

	// Local cache for SSE exporter and API access.
	stats   Stats
	statsMu sync.RWMutex
)

// Stats holds current counter values.
type Stats struct {
	Submitted   uint64
	Rejected    uint64
	Completed   uint64
	Failed      uint64
	WaitTimeout uint64
	Restarts    uint64
	QueueLength int
	State       string
}

// WorkerStates lists the label values exported for the state gauge.
var WorkerStates = []string{"not_running", "starting", "running"}

// RecordSubmitted counts an accepted command.
func RecordSubmitted(action string) {
	commandsSubmitted.WithLabelValues(action).Inc()
	updateStats(func(s *Stats) { s.Submitted++ })
}

// RecordRejected counts a refused submission.
func RecordRejected(action string) {
	commandsRejected.WithLabelValues(action).Inc()
	updateStats(func(s *Stats) { s.Rejected++ })
}

// RecordCompleted counts a terminal result and observes its latency.
// Only successful results count as completed in Stats.
func RecordCompleted(action, status string, elapsed time.Duration) {
	commandsCompleted.WithLabelValues(action, status).Inc()
	if elapsed > 0 {
		commandDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	}
	updateStats(func(s *Stats) {
		if status == "command" {
			s.Completed++
		} else {
			s.Failed++
		}
	})
}

// RecordWaitTimeout counts an abandoned synchronous wait.
func RecordWaitTimeout() {
	waitTimeouts.Inc()
	updateStats(func(s *Stats) { s.WaitTimeout++ })
}

// RecordRestart counts a worker restart.
func RecordRestart() {
	workerRestarts.Inc()
	updateStats(func(s *Stats) { s.Restarts++ })
}

// SetQueueLength sets the current queue depth.
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
	updateStats(func(s *Stats) { s.QueueLength = n })
}

// SetWorkerState marks state as current.
func SetWorkerState(state string) {
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(s).Set(v)
	}
	updateStats(func(s *Stats) { s.State = state })
}

// GetStats returns a copy of the current values.
func GetStats() Stats {
	statsMu.RLock()
	defer statsMu.RUnlock()
	return stats
}

func updateStats(update func(*Stats)) {
	statsMu.Lock()
	defer statsMu.Unlock()
	update(&stats)
}
