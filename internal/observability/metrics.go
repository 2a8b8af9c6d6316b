package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemo"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sessionReadDuration   *prometheus.HistogramVec
	sessionUpsertDuration *prometheus.HistogramVec
	sessionsPrunedTotal   prometheus.Counter

	memoryUpdateTotal    *prometheus.CounterVec
	memoryUpdateDuration prometheus.Histogram
	memoriesLoaded       prometheus.Gauge
	summaryTotal         *prometheus.CounterVec
	summaryDuration      prometheus.Histogram

	knowledgeSearchDuration prometheus.Histogram
	knowledgeSyncDuration   prometheus.Histogram
	knowledgeChunksTotal    prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	maintenanceRunTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			sessionReadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_read_duration_seconds",
					Help:      "Session read duration in seconds by storage backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionUpsertDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_upsert_duration_seconds",
					Help:      "Session upsert duration in seconds by storage backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionsPrunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_pruned_total",
					Help:      "Total sessions deleted by the pruner.",
				},
			),
			memoryUpdateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "memory_update_total",
					Help:      "User memory update attempts by outcome (updated, skipped, error).",
				},
				[]string{"outcome"},
			),
			memoryUpdateDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_update_duration_seconds",
					Help:      "User memory update duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			memoriesLoaded: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "memories_loaded",
					Help:      "Number of user memories loaded by the most recent read.",
				},
			),
			summaryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_summary_total",
					Help:      "Session summary generations by status.",
				},
				[]string{"status"},
			),
			summaryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_summary_duration_seconds",
					Help:      "Session summary generation duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "knowledge_search_duration_seconds",
					Help:      "Knowledge search duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			knowledgeSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "knowledge_sync_duration_seconds",
					Help:      "Knowledge index sync duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			knowledgeChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "knowledge_chunks_total",
					Help:      "Total knowledge chunks indexed.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
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
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by provider, tool calls included.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_errors_total",
					Help:      "Total failed agent runs by provider.",
				},
				[]string{"provider"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_call_total",
					Help:      "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_call_duration_seconds",
					Help:      "Model call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			maintenanceRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "maintenance_run_total",
					Help:      "Total maintenance job runs by job and status.",
				},
				[]string{"job", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sessionReadDuration,
			m.sessionUpsertDuration,
			m.sessionsPrunedTotal,
			m.memoryUpdateTotal,
			m.memoryUpdateDuration,
			m.memoriesLoaded,
			m.summaryTotal,
			m.summaryDuration,
			m.knowledgeSearchDuration,
			m.knowledgeSyncDuration,
			m.knowledgeChunksTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.llmCallTotal,
			m.llmCallDuration,
			m.providerCooldown,
			m.maintenanceRunTotal,
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

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordSessionRead(backend string, duration time.Duration) {
	getMetrics().sessionReadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionUpsert(backend string, duration time.Duration) {
	getMetrics().sessionUpsertDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionsPruned(count int) {
	getMetrics().sessionsPrunedTotal.Add(float64(count))
}

// RecordMemoryUpdate records a user memory update attempt. outcome is one of
// "updated", "skipped" or "error".
func RecordMemoryUpdate(outcome string, duration time.Duration) {
	m := getMetrics()
	m.memoryUpdateTotal.WithLabelValues(outcome).Inc()
	m.memoryUpdateDuration.Observe(duration.Seconds())
}

func SetMemoriesLoaded(count int) {
	getMetrics().memoriesLoaded.Set(float64(count))
}

func RecordSummary(duration time.Duration, success bool) {
	m := getMetrics()
	m.summaryTotal.WithLabelValues(statusLabel(success)).Inc()
	m.summaryDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSync(duration time.Duration) {
	getMetrics().knowledgeSyncDuration.Observe(duration.Seconds())
}

func SetKnowledgeChunks(total int) {
	getMetrics().knowledgeChunksTotal.Set(float64(total))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordAgentRun counts one agent run, however many model calls it made.
func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// RecordLLMCall counts one model call, retries included.
func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

// RecordMaintenanceRun counts a scheduled job run. status is "ok", "error"
// or "skipped".
func RecordMaintenanceRun(job, status string) {
	getMetrics().maintenanceRunTotal.WithLabelValues(job, status).Inc()
}
