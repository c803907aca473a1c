package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pdfcast/internal/core/domain"
)

type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	streamsActive     prometheus.Gauge
	chatMessagesTotal prometheus.Counter
	relayedTotal      *prometheus.CounterVec
	rejectedTotal     *prometheus.CounterVec

	handshakeDuration prometheus.Histogram

	streamViewerCount *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pdfcast_connections_active",
			Help: "Number of open WebSocket connections",
		}),

		streamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pdfcast_streams_active",
			Help: "Number of registered live streams",
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pdfcast_chat_messages_total",
			Help: "Total chat messages fanned out",
		}),

		relayedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfcast_relayed_messages_total",
			Help: "Signaling messages relayed between peers",
		}, []string{"kind"}),

		rejectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfcast_rejected_messages_total",
			Help: "Messages rejected before relay",
		}, []string{"reason"}),

		handshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfcast_handshake_duration_seconds",
			Help:    "Time between a viewer joining and the answer relay",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		streamViewerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pdfcast_stream_viewer_count",
			Help: "Number of viewers per stream",
		}, []string{"stream_id"}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordStreamStarted(streamID domain.StreamID) {
	p.streamsActive.Inc()
}

func (p *PrometheusCollector) RecordStreamEnded(streamID domain.StreamID) {
	p.streamsActive.Dec()
	p.streamViewerCount.DeleteLabelValues(string(streamID))
}

func (p *PrometheusCollector) RecordViewerCount(streamID domain.StreamID, count int) {
	p.streamViewerCount.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) RecordChatMessage() {
	p.chatMessagesTotal.Inc()
}

func (p *PrometheusCollector) RecordRelay(kind string) {
	p.relayedTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordRejected(reason string) {
	p.rejectedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordHandshakeDuration(d time.Duration) {
	p.handshakeDuration.Observe(d.Seconds())
}
