// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_stream"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Pipeline invocation metrics
	InvocationsTotal    prometheus.Counter
	InvocationsActive   prometheus.Gauge
	InvocationsOutcome  *prometheus.CounterVec
	InvocationDuration  prometheus.Histogram
	ConcurrencyWaitTime prometheus.Histogram

	// Normalization metrics
	NormalizeDuration prometheus.Histogram
	NormalizeFailures *prometheus.CounterVec
	UploadBytes       prometheus.Counter
	AudioSeconds      prometheus.Histogram

	// Transcript metrics
	SegmentsEmitted prometheus.Counter
	SegmentsDropped *prometheus.CounterVec
	SpeakerTurns    prometheus.Counter

	// Engine metrics
	EngineLatency *prometheus.HistogramVec
	EngineErrors  *prometheus.CounterVec
	EngineRetries *prometheus.CounterVec

	// Cleanup metrics
	CleanupErrors prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Transport metrics
	HTTPRequests *prometheus.CounterVec
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics on the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InvocationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of pipeline invocations started",
		}),
		InvocationsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_active",
			Help:      "Number of pipeline invocations currently running",
		}),
		InvocationsOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_finished_total",
			Help:      "Finished pipeline invocations by terminal state and last active stage",
		}, []string{"state", "stage"}),
		InvocationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of pipeline invocations in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		ConcurrencyWaitTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "concurrency_wait_seconds",
			Help:      "Time spent waiting for a free transcription slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),

		NormalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "normalize_duration_seconds",
			Help:      "Time spent decoding and normalizing uploads",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		NormalizeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_failures_total",
			Help:      "Normalization failures by reason",
		}, []string{"reason"}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total uploaded audio bytes",
		}),
		AudioSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_duration_seconds",
			Help:      "Duration of normalized audio",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),

		SegmentsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_emitted_total",
			Help:      "Total number of attributed segments streamed",
		}),
		SegmentsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total number of engine segments not streamed",
		}, []string{"reason"}),
		SpeakerTurns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_turns_total",
			Help:      "Total number of speaker flips made by the pause heuristic",
		}),

		EngineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_latency_seconds",
			Help:      "Speech-to-text latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		}, []string{"engine", "type"}),
		EngineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total number of engine errors",
		}, []string{"engine", "error_type"}),
		EngineRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_retries_total",
			Help:      "Total number of engine request retries",
		}, []string{"engine"}),

		CleanupErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Temporary files that could not be removed",
		}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC calls by method and code",
		}, []string{"method", "code"}),
	}
}

// RecordInvocationStart records a new invocation starting.
func (m *Metrics) RecordInvocationStart() {
	m.InvocationsTotal.Inc()
	m.InvocationsActive.Inc()
}

// RecordInvocationEnd records an invocation reaching a terminal state.
func (m *Metrics) RecordInvocationEnd(state, stage string, durationSeconds float64) {
	m.InvocationsActive.Dec()
	m.InvocationDuration.Observe(durationSeconds)
	m.InvocationsOutcome.WithLabelValues(state, stage).Inc()
}

// RecordConcurrencyWait records time spent waiting for a slot.
func (m *Metrics) RecordConcurrencyWait(seconds float64) {
	m.ConcurrencyWaitTime.Observe(seconds)
}

// RecordNormalize records a successful normalization.
func (m *Metrics) RecordNormalize(uploadBytes int64, audioSeconds, latencySeconds float64) {
	m.UploadBytes.Add(float64(uploadBytes))
	m.AudioSeconds.Observe(audioSeconds)
	m.NormalizeDuration.Observe(latencySeconds)
}

// RecordNormalizeFailure records a failed normalization.
func (m *Metrics) RecordNormalizeFailure(reason string) {
	m.NormalizeFailures.WithLabelValues(reason).Inc()
}

// RecordSegmentEmitted records a segment written to the stream.
func (m *Metrics) RecordSegmentEmitted() {
	m.SegmentsEmitted.Inc()
}

// RecordSegmentDropped records a segment that was not streamed.
func (m *Metrics) RecordSegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// RecordSpeakerTurn records a speaker flip.
func (m *Metrics) RecordSpeakerTurn() {
	m.SpeakerTurns.Inc()
}

// RecordEngineLatency records engine latency for a call type (first_byte, recognize).
func (m *Metrics) RecordEngineLatency(engine, callType string, seconds float64) {
	m.EngineLatency.WithLabelValues(engine, callType).Observe(seconds)
}

// RecordEngineError records an engine error.
func (m *Metrics) RecordEngineError(engine, errorType string) {
	m.EngineErrors.WithLabelValues(engine, errorType).Inc()
}

// RecordEngineRetry records a retried engine request.
func (m *Metrics) RecordEngineRetry(engine string) {
	m.EngineRetries.WithLabelValues(engine).Inc()
}

// RecordCleanupError records a temporary file that could not be removed.
func (m *Metrics) RecordCleanupError() {
	m.CleanupErrors.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, code string) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}

// RecordGRPCRequest records a served gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}
