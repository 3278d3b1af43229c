package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coach_gateway_active_sessions",
		Help: "Number of active call sessions",
	}, []string{"transport"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coach_gateway_session_duration_seconds",
		Help:    "Duration of call sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Transport metrics
	framesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_frames_ingested_total",
		Help: "Audio frames accepted from the network",
	}, []string{"transport"})

	framesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_frames_malformed_total",
		Help: "Packets or events dropped because they could not be parsed",
	}, []string{"transport"})

	backpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_backpressure_drops_total",
		Help: "Items dropped because a pipeline stage queue was full",
	}, []string{"stage"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// External stage metrics
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_gateway_stage_latency_seconds",
		Help:    "Latency of external pipeline stages in seconds",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_stage_requests_total",
		Help: "External stage calls by outcome",
	}, []string{"stage", "status"})

	// Coaching metrics
	triggerActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_trigger_activations_total",
		Help: "Coaching trigger activations",
	}, []string{"rule", "severity"})

	advisorySignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_advisory_signals_total",
		Help: "Conversation health signals emitted by the periodic check",
	}, []string{"kind"})

	coachModeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_coach_mode_changes_total",
		Help: "Coach leg mode transitions",
	}, []string{"mode"})

	activeConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_gateway_active_conferences",
		Help: "Conferences currently tracked",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coach_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionStart marks a call session as active.
func RecordSessionStart(transport string) {
	activeSessions.WithLabelValues(transport).Inc()
}

// RecordSessionEnd marks a call session as ended and observes its duration.
func RecordSessionEnd(transport string, seconds float64) {
	activeSessions.WithLabelValues(transport).Dec()
	sessionDuration.Observe(seconds)
}

// RecordFrame counts a frame accepted from the given transport.
func RecordFrame(transport string, bytes int) {
	framesIngested.WithLabelValues(transport).Inc()
	audioBytesProcessed.WithLabelValues("in").Add(float64(bytes))
}

// RecordMalformed counts a dropped packet or event.
func RecordMalformed(transport string) {
	framesMalformed.WithLabelValues(transport).Inc()
}

// RecordBackpressure counts an item dropped at a full stage queue.
func RecordBackpressure(stage string) {
	backpressureDrops.WithLabelValues(stage).Inc()
}

// RecordAudioOut counts bytes written back to the network.
func RecordAudioOut(bytes int) {
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
}

// RecordStage observes the latency and outcome of an external stage call.
func RecordStage(stage string, seconds float64, success bool) {
	stageLatency.WithLabelValues(stage).Observe(seconds)
	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordActivation counts a coaching trigger activation.
func RecordActivation(rule, severity string) {
	triggerActivations.WithLabelValues(rule, severity).Inc()
}

// RecordAdvisory counts a periodic health signal.
func RecordAdvisory(kind string) {
	advisorySignals.WithLabelValues(kind).Inc()
}

// RecordCoachMode counts a coach mode transition.
func RecordCoachMode(mode string) {
	coachModeChanges.WithLabelValues(mode).Inc()
}

// SetActiveConferences sets the tracked conference gauge.
func SetActiveConferences(n int) {
	activeConferences.Set(float64(n))
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
