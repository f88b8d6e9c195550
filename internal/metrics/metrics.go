package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing, which keeps components usable in tests.
type Metrics struct {
	// Discovery metrics
	DiscoveryDatagrams *prometheus.CounterVec
	DiscoveryErrors    prometheus.Counter

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsStarted    *prometheus.CounterVec
	SessionsEnded      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	HandshakesRejected prometheus.Counter
	MessagesReceived   *prometheus.CounterVec
	BytesReceived      prometheus.Counter

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FrameSize      prometheus.Histogram
	QueueDepth     prometheus.Gauge

	// Decoder metrics
	DecoderInitializations prometheus.Counter
	DecoderReleases        prometheus.Counter
	DecoderFailures        *prometheus.CounterVec
	DecoderInputs          *prometheus.CounterVec
	FramesRendered         prometheus.Counter
	FormatChanges          prometheus.Counter

	// Recorder metrics
	SegmentsWritten prometheus.Counter
	SegmentsDeleted prometheus.Counter
	SegmentSize     prometheus.Histogram
	RecorderErrors  prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Status emitter metrics
	StatusPublished prometheus.Counter
	StatusErrors    prometheus.Counter
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		// Discovery metrics
		DiscoveryDatagrams: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_discovery_datagrams_total",
				Help: "Discovery datagrams received",
			},
			[]string{"result"}, // result: responded or ignored
		),
		DiscoveryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_discovery_errors_total",
			Help: "Discovery socket errors",
		}),

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "castreceiver_active_sessions",
			Help: "Number of cast sessions past their handshake",
		}),
		SessionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_sessions_started_total",
				Help: "Cast sessions started",
			},
			[]string{"transport"},
		),
		SessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_sessions_ended_total",
				Help: "Cast sessions ended",
			},
			[]string{"transport", "reason"}, // reason: disconnect, error, shutdown
		),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "castreceiver_session_duration_seconds",
			Help:    "Duration of cast sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),
		HandshakesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_handshakes_rejected_total",
			Help: "Handshakes answered with an error reply",
		}),
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_messages_received_total",
				Help: "Protocol messages received",
			},
			[]string{"type"},
		),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_bytes_received_total",
			Help: "Payload bytes received from senders",
		}),

		// Frame metrics
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_frames_received_total",
				Help: "Video frames received",
			},
			[]string{"kind"}, // kind: key or delta
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_frames_dropped_total",
				Help: "Video frames dropped before decode",
			},
			[]string{"reason"},
		),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "castreceiver_frame_size_bytes",
			Help:    "Size of received video frames in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~2MB
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "castreceiver_frame_queue_depth",
			Help: "Frames waiting for decode",
		}),

		// Decoder metrics
		DecoderInitializations: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_decoder_initializations_total",
			Help: "Successful decoder initializations",
		}),
		DecoderReleases: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_decoder_releases_total",
			Help: "Decoder releases",
		}),
		DecoderFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_decoder_failures_total",
				Help: "Decoder failures",
			},
			[]string{"stage"}, // stage: initialize, submit, output, release
		),
		DecoderInputs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_decoder_inputs_total",
				Help: "Inputs submitted to the decoder",
			},
			[]string{"kind"}, // kind: frame or empty
		),
		FramesRendered: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_frames_rendered_total",
			Help: "Decoder output buffers rendered",
		}),
		FormatChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_decoder_format_changes_total",
			Help: "Decoder output format changes",
		}),

		// Recorder metrics
		SegmentsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_recorder_segments_written_total",
			Help: "Recording segments written",
		}),
		SegmentsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_recorder_segments_deleted_total",
			Help: "Recording segments removed from the sliding window",
		}),
		SegmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "castreceiver_recorder_segment_size_bytes",
			Help:    "Size of recording segments in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		RecorderErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_recorder_errors_total",
			Help: "Recording storage errors",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castreceiver_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "castreceiver_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Status emitter metrics
		StatusPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_status_published_total",
			Help: "Connection states published to MQTT",
		}),
		StatusErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "castreceiver_status_errors_total",
			Help: "Connection states that failed to publish to MQTT",
		}),
	}

	return m
}

// RecordDiscovery records a discovery datagram
func (m *Metrics) RecordDiscovery(responded bool) {
	if m == nil {
		return
	}
	result := "ignored"
	if responded {
		result = "responded"
	}
	m.DiscoveryDatagrams.WithLabelValues(result).Inc()
}

// RecordDiscoveryError records a discovery socket error
func (m *Metrics) RecordDiscoveryError() {
	if m == nil {
		return
	}
	m.DiscoveryErrors.Inc()
}

// RecordSessionStart records a session passing its handshake
func (m *Metrics) RecordSessionStart(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsStarted.WithLabelValues(transport).Inc()
}

// RecordSessionEnd records a session ending
func (m *Metrics) RecordSessionEnd(transport, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(transport, reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordHandshakeRejected records a handshake answered with an error reply
func (m *Metrics) RecordHandshakeRejected() {
	if m == nil {
		return
	}
	m.HandshakesRejected.Inc()
}

// RecordMessage records a protocol message
func (m *Metrics) RecordMessage(msgType string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordFrame records a received video frame
func (m *Metrics) RecordFrame(isKeyFrame bool, size int) {
	if m == nil {
		return
	}
	kind := "delta"
	if isKeyFrame {
		kind = "key"
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
	m.FrameSize.Observe(float64(size))
}

// RecordFrameDropped records a frame dropped before decode
func (m *Metrics) RecordFrameDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Add(float64(count))
}

// SetQueueDepth records the number of queued frames
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordDecoderInit records a successful decoder initialization
func (m *Metrics) RecordDecoderInit() {
	if m == nil {
		return
	}
	m.DecoderInitializations.Inc()
}

// RecordDecoderRelease records a decoder release
func (m *Metrics) RecordDecoderRelease() {
	if m == nil {
		return
	}
	m.DecoderReleases.Inc()
}

// RecordDecoderFailure records a decoder failure at the given stage
func (m *Metrics) RecordDecoderFailure(stage string) {
	if m == nil {
		return
	}
	m.DecoderFailures.WithLabelValues(stage).Inc()
}

// RecordDecoderInput records an input submitted to the decoder
func (m *Metrics) RecordDecoderInput(empty bool) {
	if m == nil {
		return
	}
	kind := "frame"
	if empty {
		kind = "empty"
	}
	m.DecoderInputs.WithLabelValues(kind).Inc()
}

// RecordFrameRendered records a rendered output buffer
func (m *Metrics) RecordFrameRendered() {
	if m == nil {
		return
	}
	m.FramesRendered.Inc()
}

// RecordFormatChange records a decoder output format change
func (m *Metrics) RecordFormatChange() {
	if m == nil {
		return
	}
	m.FormatChanges.Inc()
}

// RecordSegment records a recording segment written
func (m *Metrics) RecordSegment(sizeBytes int64) {
	if m == nil {
		return
	}
	m.SegmentsWritten.Inc()
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordSegmentDeleted records a segment leaving the sliding window
func (m *Metrics) RecordSegmentDeleted() {
	if m == nil {
		return
	}
	m.SegmentsDeleted.Inc()
}

// RecordRecorderError records a recording storage error
func (m *Metrics) RecordRecorderError() {
	if m == nil {
		return
	}
	m.RecorderErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordStatusPublished records the outcome of publishing a state to MQTT
func (m *Metrics) RecordStatusPublished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StatusErrors.Inc()
		return
	}
	m.StatusPublished.Inc()
}

// statusClass converts an HTTP status code to its class label
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
