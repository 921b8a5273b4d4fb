package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentloop"

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	requestTotal    *prometheus.CounterVec
	requestDuration prometheus.Histogram
	busyRejections  prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec
	toolInFlight          prometheus.Gauge

	workerSpawnTotal prometheus.Counter
	workerExitTotal  *prometheus.CounterVec
	liveWorkers      prometheus.Gauge

	llmCallTotal    *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "mailbox_depth",
					Help:      "Queued plus active tasks by mailbox lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "mailbox_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "mailbox_dequeue_total",
					Help:      "Total completed tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "mailbox_task_duration_seconds",
					Help:      "Mailbox task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current number of open sessions.",
				},
			),
			requestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "request_total",
					Help:      "Total finished requests by termination reason.",
				},
				[]string{"termination"},
			),
			requestDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "request_duration_seconds",
					Help:      "Request duration from start to terminal event.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			busyRejections: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "busy_rejections_total",
					Help:      "Start commands rejected because a request was active.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_retries_total",
					Help:      "Total tool retry attempts by tool.",
				},
				[]string{"tool"},
			),
			toolInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "tool_in_flight",
					Help:      "Tool invocations currently holding a concurrency slot.",
				},
			),
			workerSpawnTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "worker_spawn_total",
					Help:      "Total worker processes spawned.",
				},
			),
			workerExitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "worker_exit_total",
					Help:      "Total worker exits by whether a request was active.",
				},
				[]string{"during_request"},
			),
			liveWorkers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "live_workers",
					Help:      "Current number of live worker processes.",
				},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_call_total",
					Help:      "Total LLM calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_call_duration_seconds",
					Help:      "LLM call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_tokens_total",
					Help:      "Total LLM tokens by model and direction.",
				},
				[]string{"model", "direction"},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.requestTotal,
			m.requestDuration,
			m.busyRejections,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.toolInFlight,
			m.workerSpawnTotal,
			m.workerExitTotal,
			m.liveWorkers,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmTokensTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetQueueSize(lane string, depth int) {
	m := getMetrics()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// ForgetLane drops the per-lane series of a closed session.
func ForgetLane(lane string) {
	m := getMetrics()
	m.laneDepth.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeletePartialMatch(prometheus.Labels{"lane": lane})
}

func SessionOpened() {
	getMetrics().activeSessions.Inc()
}

func SessionClosed() {
	getMetrics().activeSessions.Dec()
}

func RecordRequest(termination string, duration time.Duration) {
	m := getMetrics()
	m.requestTotal.WithLabelValues(termination).Inc()
	if duration > 0 {
		m.requestDuration.Observe(duration.Seconds())
	}
}

func RecordBusyRejection() {
	getMetrics().busyRejections.Inc()
}

// RecordToolExecution counts one finished tool call. outcome is "ok" or the
// error envelope type.
func RecordToolExecution(tool string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, outcome).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

func ToolSlotAcquired() {
	getMetrics().toolInFlight.Inc()
}

func ToolSlotReleased() {
	getMetrics().toolInFlight.Dec()
}

func RecordWorkerSpawn() {
	m := getMetrics()
	m.workerSpawnTotal.Inc()
	m.liveWorkers.Inc()
}

func RecordWorkerExit(duringRequest bool) {
	m := getMetrics()
	label := "false"
	if duringRequest {
		label = "true"
	}
	m.workerExitTotal.WithLabelValues(label).Inc()
	m.liveWorkers.Dec()
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTokenUsage(model string, input, output int) {
	m := getMetrics()
	if input > 0 {
		m.llmTokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.llmTokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
}
