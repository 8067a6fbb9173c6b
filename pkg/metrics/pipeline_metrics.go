// Package metrics provides Prometheus metrics for monitoring the translation pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline execution metrics
var (
	// taskFinishedTotal records the number of tasks reaching a terminal state.
	// Labels:
	//   - status: Terminal status ("completed", "failed")
	taskFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_finished_total",
			Help: "Total number of translation tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	// stageDuration records the wall-clock duration of each pipeline stage.
	// Labels:
	//   - stage: Stage name (e.g., "extract_audio", "transcribe", "merge_voice")
	// Buckets: 0.5s, 1s, 5s, 10s, 30s, 60s, 300s, 900s (15 minutes)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"stage"},
	)

	// activeTasks tracks the number of tasks currently owned by an executor.
	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_active_tasks",
			Help: "Number of tasks currently being processed",
		},
	)

	// engineCallTotal records engine invocations.
	// Labels:
	//   - engine: Engine name (e.g., "transcriber", "translator", "voice_cloner")
	//   - status: Call outcome ("success", "failed", "timeout")
	engineCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_engine_calls_total",
			Help: "Total number of engine invocations",
		},
		[]string{"engine", "status"},
	)
)

func init() {
	prometheus.MustRegister(taskFinishedTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(activeTasks)
	prometheus.MustRegister(engineCallTotal)
}

// RecordTaskFinished records a task reaching a terminal state.
func RecordTaskFinished(status string) {
	taskFinishedTotal.WithLabelValues(status).Inc()
}

// RecordStageDuration records the duration of a completed pipeline stage.
func RecordStageDuration(stage string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// IncActiveTasks increments the active task gauge when an executor starts.
func IncActiveTasks() {
	activeTasks.Inc()
}

// DecActiveTasks decrements the active task gauge when an executor finishes.
func DecActiveTasks() {
	activeTasks.Dec()
}

// RecordEngineCall records an engine invocation outcome.
// Parameters:
//   - engine: Engine name (e.g., "transcriber", "translator", "voice_cloner")
//   - status: Call outcome ("success", "failed", "timeout")
func RecordEngineCall(engine, status string) {
	engineCallTotal.WithLabelValues(engine, status).Inc()
}
