// Package metrics provides Prometheus metrics for the clipboard sync agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "toss"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Connection metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	KeepalivesSent   prometheus.Counter
	KeepalivesRecv   prometheus.Counter
	KeepaliveRTT     prometheus.Histogram

	// Clipboard sync metrics
	ClipboardSyncsTotal   *prometheus.CounterVec
	ClipboardSyncLatency  prometheus.Histogram
	ClipboardBytesSynced  *prometheus.CounterVec
	ClipboardSyncErrors   *prometheus.CounterVec

	// Pairing metrics
	PairingAttempts prometheus.Counter
	PairingSuccess  prometheus.Counter
	PairingFailures *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected paired devices",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport type",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		// Stream metrics
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),

		// Protocol metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of peer handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive messages sent",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive messages received",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		// Clipboard sync metrics
		ClipboardSyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_syncs_total",
			Help:      "Total clipboard updates sent or received, by direction and content type",
		}, []string{"direction", "content_type"}),
		ClipboardSyncLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clipboard_sync_latency_seconds",
			Help:      "Histogram of time from local clipboard change to broadcast",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ClipboardBytesSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_bytes_synced_total",
			Help:      "Total clipboard payload bytes synced, by direction",
		}, []string{"direction"}),
		ClipboardSyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_sync_errors_total",
			Help:      "Total clipboard sync errors by type",
		}, []string{"error_type"}),

		// Pairing metrics
		PairingAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Total pairing exchanges attempted, either role",
		}),
		PairingSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_success_total",
			Help:      "Total pairing exchanges completed successfully",
		}),
		PairingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_failures_total",
			Help:      "Total pairing exchanges that failed, by reason",
		}, []string{"reason"}),
	}

	return m
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordKeepaliveSent records a keepalive sent.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a keepalive received with RTT.
func (m *Metrics) RecordKeepaliveRecv(rttSeconds float64) {
	m.KeepalivesRecv.Inc()
	m.KeepaliveRTT.Observe(rttSeconds)
}

// RecordClipboardSync records a clipboard update sent or received.
// direction is "sent" or "received".
func (m *Metrics) RecordClipboardSync(direction, contentType string, bytes int) {
	m.ClipboardSyncsTotal.WithLabelValues(direction, contentType).Inc()
	m.ClipboardBytesSynced.WithLabelValues(direction).Add(float64(bytes))
}

// RecordClipboardSyncLatency records the delay between a local clipboard
// change and its broadcast.
func (m *Metrics) RecordClipboardSyncLatency(latencySeconds float64) {
	m.ClipboardSyncLatency.Observe(latencySeconds)
}

// RecordClipboardSyncError records a clipboard sync error.
func (m *Metrics) RecordClipboardSyncError(errorType string) {
	m.ClipboardSyncErrors.WithLabelValues(errorType).Inc()
}

// RecordPairingAttempt records a pairing exchange starting, either role.
func (m *Metrics) RecordPairingAttempt() {
	m.PairingAttempts.Inc()
}

// RecordPairingSuccess records a pairing exchange completing successfully.
func (m *Metrics) RecordPairingSuccess() {
	m.PairingSuccess.Inc()
}

// RecordPairingFailure records a pairing exchange failing.
func (m *Metrics) RecordPairingFailure(reason string) {
	m.PairingFailures.WithLabelValues(reason).Inc()
}
