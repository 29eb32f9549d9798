package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shopassist"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeConversations   prometheus.Gauge
	transcriptSave        prometheus.Histogram
	transcriptLoad        prometheus.Histogram
	transcriptPrunedTotal prometheus.Counter

	turnTotal     *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	toolRounds    prometheus.Histogram
	rejectedTurns prometheus.Counter

	fragmentsTotal       *prometheus.CounterVec
	providerErrorsTotal  *prometheus.CounterVec
	providerOpenDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	gatewayConnections prometheus.Gauge
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
					Name:      "turn_queue_size",
					Help:      "Queued turns by conversation lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_enqueue_total",
					Help:      "Total turns enqueued by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_dequeue_total",
					Help:      "Total queued turns completed by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_queue_task_duration_seconds",
					Help:      "Queued turn execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_conversations",
					Help:      "Currently open conversations.",
				},
			),
			transcriptSave: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "transcript_save_duration_seconds",
					Help:      "Transcript save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			transcriptLoad: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "transcript_load_duration_seconds",
					Help:      "Transcript load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			transcriptPrunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "transcript_pruned_total",
					Help:      "Transcripts removed by retention.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Total turns by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds by provider.",
					Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
				},
				[]string{"provider"},
			),
			toolRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_tool_rounds",
					Help:      "Tool round-trips per turn.",
					Buckets:   []float64{0, 1, 2, 3, 4, 5},
				},
			),
			rejectedTurns: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_rejected_total",
					Help:      "Turns rejected because another turn was in flight.",
				},
			),
			fragmentsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_fragments_total",
					Help:      "Stream fragments received by kind.",
				},
				[]string{"kind"},
			),
			providerErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_errors_total",
					Help:      "Provider errors by provider and operation.",
				},
				[]string{"provider", "op"},
			),
			providerOpenDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_open_duration_seconds",
					Help:      "Provider session open duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
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
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_connections",
					Help:      "Open chat gateway websocket connections.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeConversations,
			m.transcriptSave,
			m.transcriptLoad,
			m.transcriptPrunedTotal,
			m.turnTotal,
			m.turnDuration,
			m.toolRounds,
			m.rejectedTurns,
			m.fragmentsTotal,
			m.providerErrorsTotal,
			m.providerOpenDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.gatewayConnections,
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
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetLane drops per-lane series once a conversation lane is gone.
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeletePartialMatch(prometheus.Labels{"lane": lane})
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

func RecordTranscriptSave(duration time.Duration) {
	getMetrics().transcriptSave.Observe(duration.Seconds())
}

func RecordTranscriptLoad(duration time.Duration) {
	getMetrics().transcriptLoad.Observe(duration.Seconds())
}

func RecordTranscriptsPruned(n int) {
	getMetrics().transcriptPrunedTotal.Add(float64(n))
}

// RecordTurn records a finished turn. outcome is one of committed, failed or cancelled.
func RecordTurn(provider, outcome string, duration time.Duration, toolRounds int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(provider, outcome).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.toolRounds.Observe(float64(toolRounds))
}

func RecordTurnRejected() {
	getMetrics().rejectedTurns.Inc()
}

func RecordFragment(kind string) {
	getMetrics().fragmentsTotal.WithLabelValues(kind).Inc()
}

func RecordProviderError(provider, op string) {
	getMetrics().providerErrorsTotal.WithLabelValues(provider, op).Inc()
}

func RecordProviderOpen(provider string, duration time.Duration) {
	getMetrics().providerOpenDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetGatewayConnections(count int) {
	getMetrics().gatewayConnections.Set(float64(count))
}
