package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"kind"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"kind", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewqueue_task_duration_seconds",
			Help:    "Task execution duration in seconds, from claim to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~50min
		},
		[]string{"kind"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_task_retries_total",
			Help: "Total number of task retries scheduled",
		},
		[]string{"kind"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reviewqueue_queue_depth",
			Help: "Current number of tasks by state",
		},
		[]string{"state"},
	)

	QueueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewqueue_queue_latency_seconds",
			Help:    "Time a task spent queued before being claimed",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"kind"},
	)

	// Worker metrics
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewqueue_active_workers",
			Help: "Current number of workers in state active",
		},
	)

	WorkerBusyTime = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_worker_busy_seconds_total",
			Help: "Total time workers spent processing tasks",
		},
		[]string{"worker_id"},
	)

	WorkerIdleTime = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_worker_idle_seconds_total",
			Help: "Total time workers spent idle between claims",
		},
		[]string{"worker_id"},
	)

	// LeaseExpirySweeps counts tasks the Lease Manager reclaimed from a
	// crashed or stalled worker.
	LeaseExpirySweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewqueue_lease_expiry_sweeps_total",
			Help: "Total number of tasks reclaimed by the lease expiry sweep",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewqueue_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Redis metrics — registry liveness cache and event pub/sub only; the
	// queue's source of truth is Postgres (see internal/registry).
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewqueue_redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		},
		[]string{"operation"},
	)

	RedisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_redis_errors_total",
			Help: "Total number of Redis errors",
		},
		[]string{"operation"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewqueue_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewqueue_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)
)

// RecordTaskSubmission records a task submission.
func RecordTaskSubmission(kind string) {
	TasksSubmitted.WithLabelValues(kind).Inc()
}

// RecordTaskCompletion records a task completion.
func RecordTaskCompletion(kind, status string, duration float64) {
	TasksCompleted.WithLabelValues(kind, status).Inc()
	TaskDuration.WithLabelValues(kind).Observe(duration)
}

// RecordTaskRetry records a task retry.
func RecordTaskRetry(kind string) {
	TaskRetries.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth updates the per-state queue depth gauge.
func UpdateQueueDepth(state string, depth float64) {
	QueueDepth.WithLabelValues(state).Set(depth)
}

// RecordQueueLatency records the time a task spent queued before claim.
func RecordQueueLatency(kind string, latency float64) {
	QueueLatency.WithLabelValues(kind).Observe(latency)
}

// SetActiveWorkers sets the active workers gauge.
func SetActiveWorkers(count float64) {
	ActiveWorkers.Set(count)
}

// RecordWorkerBusyTime records time spent processing.
func RecordWorkerBusyTime(workerID string, duration float64) {
	WorkerBusyTime.WithLabelValues(workerID).Add(duration)
}

// RecordWorkerIdleTime records time spent idle between claims.
func RecordWorkerIdleTime(workerID string, duration float64) {
	WorkerIdleTime.WithLabelValues(workerID).Add(duration)
}

// RecordLeaseExpirySweep records a task reclaimed by the expiry sweep.
func RecordLeaseExpirySweep() {
	LeaseExpirySweeps.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRedisOperation records a Redis operation.
func RecordRedisOperation(operation string, duration float64) {
	RedisOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordRedisError records a Redis error.
func RecordRedisError(operation string) {
	RedisErrors.WithLabelValues(operation).Inc()
}

// SetWebSocketConnections sets the WebSocket connections gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records a WebSocket message.
func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}
