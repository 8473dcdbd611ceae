package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speechstream_active_sessions",
		Help: "Number of active recognition sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechstream_sessions_total",
		Help: "Total number of recognition sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speechstream_session_duration_seconds",
		Help:    "Duration of recognition sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Frame metrics
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechstream_frames_sent_total",
		Help: "Total frames sent to the speech service",
	}, []string{"kind"}) // kind: "control" or "audio"

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechstream_frames_received_total",
		Help: "Total frames received from the speech service",
	}, []string{"path"})

	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechstream_audio_bytes_sent_total",
		Help: "Total audio payload bytes sent",
	})

	// Token metrics
	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechstream_token_refreshes_total",
		Help: "Total credential refresh attempts against the auth endpoint",
	}, []string{"status"})

	// Resilience metrics
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechstream_reconnects_total",
		Help: "Total mid-stream reconnect attempts",
	})

	protocolAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechstream_protocol_anomalies_total",
		Help: "Total out-of-order or unrecognized control frames ignored",
	})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechstream_dropped_events_total",
		Help: "Total recognition events dropped by dispatcher backpressure",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechstream_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSessionStart records the start of a recognition session
func RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a recognition session
func RecordSessionEnd(seconds float64) {
	activeSessions.Dec()
	sessionDuration.Observe(seconds)
}

// RecordFrameSent records an outbound frame
func RecordFrameSent(kind string) {
	framesSent.WithLabelValues(kind).Inc()
}

// RecordFrameReceived records an inbound control frame by path
func RecordFrameReceived(path string) {
	framesReceived.WithLabelValues(path).Inc()
}

// RecordAudioBytes records audio payload bytes sent
func RecordAudioBytes(n int) {
	audioBytesSent.Add(float64(n))
}

// RecordTokenRefresh records a credential refresh attempt
func RecordTokenRefresh(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	tokenRefreshes.WithLabelValues(status).Inc()
}

// RecordReconnect records a mid-stream reconnect attempt
func RecordReconnect() {
	reconnects.Inc()
}

// RecordProtocolAnomaly records an ignored out-of-order or unknown frame
func RecordProtocolAnomaly() {
	protocolAnomalies.Inc()
}

// RecordDroppedEvent records an event dropped under backpressure
func RecordDroppedEvent() {
	droppedEvents.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
