package monitoring

import (
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay, link and frame metrics
type PrometheusCollector struct {
	// Relay
	clientsConnected   prometheus.Gauge
	connectionsTotal   prometheus.Counter
	envelopesForwarded prometheus.Counter
	envelopesDropped   *prometheus.CounterVec

	// Peer links
	linkStateTransitions *prometheus.CounterVec

	// Frame pipeline
	framesDelivered *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	frameBytes      *prometheus.HistogramVec
	publishDuration prometheus.Histogram
}

// NewPrometheusCollector registers the collector's metrics on reg. A nil
// reg means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dronelink_relay_clients_connected",
			Help: "Number of clients currently registered with the relay",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dronelink_relay_connections_total",
			Help: "Total number of relay connections accepted",
		}),

		envelopesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "dronelink_relay_envelopes_forwarded_total",
			Help: "Handshake envelopes delivered to their target",
		}),

		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dronelink_relay_envelopes_dropped_total",
			Help: "Envelopes discarded by the relay",
		}, []string{"reason"}),

		linkStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dronelink_peer_link_state_transitions_total",
			Help: "Peer link state transitions observed",
		}, []string{"state"}),

		framesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dronelink_frames_delivered_total",
			Help: "Frames sent by the producer or published by the consumer",
		}, []string{"stage"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dronelink_frames_dropped_total",
			Help: "Frames dropped by pacing, congestion or busy checks",
		}, []string{"stage", "reason"}),

		frameBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dronelink_frame_size_bytes",
			Help:    "Compressed frame size",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}, []string{"stage"}),

		publishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dronelink_publish_duration_seconds",
			Help:    "Time spent handing one frame to the sink",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordEnvelopeForwarded() {
	p.envelopesForwarded.Inc()
}

func (p *PrometheusCollector) RecordEnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordClientConnected() {
	p.clientsConnected.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordClientDisconnected() {
	p.clientsConnected.Dec()
}

func (p *PrometheusCollector) RecordLinkState(state domain.LinkState) {
	p.linkStateTransitions.WithLabelValues(state.String()).Inc()
}

func (p *PrometheusCollector) RecordFrameDropped(stage string, reason domain.DropReason) {
	p.framesDropped.WithLabelValues(stage, string(reason)).Inc()
}

func (p *PrometheusCollector) RecordFrameDelivered(stage string, bytes int) {
	p.framesDelivered.WithLabelValues(stage).Inc()
	p.frameBytes.WithLabelValues(stage).Observe(float64(bytes))
}

func (p *PrometheusCollector) RecordPublishDuration(d time.Duration) {
	p.publishDuration.Observe(d.Seconds())
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)
