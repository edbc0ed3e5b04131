package monitoring

import (
	"time"

	"camrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports core events. It satisfies ports.MetricsRecorder.
type PrometheusCollector struct {
	connectionsCreated prometheus.Counter
	connectionsActive  prometheus.Gauge
	transitions        *prometheus.CounterVec
	connectionsEnded   *prometheus.CounterVec
	connectionLifetime prometheus.Histogram

	messagesRelayed  *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec

	networkLatency prometheus.Histogram
	packetLoss     prometheus.Histogram
	qualityScale   prometheus.Histogram

	cryptoOps         *prometheus.CounterVec
	encryptionEnabled prometheus.Gauge
}

// NewPrometheusCollector registers the collectors on reg. A nil reg means
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_connections_created_total",
			Help: "Total number of signaling connections created",
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_connections_active",
			Help: "Connections that have not reached a terminal state",
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_state_transitions_total",
			Help: "Connection state transitions",
		}, []string{"from", "to"}),

		connectionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_connections_ended_total",
			Help: "Connections that reached a terminal state",
		}, []string{"status"}),

		connectionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_connection_lifetime_seconds",
			Help:    "Time from creation to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_messages_relayed_total",
			Help: "Signaling messages accepted for relay",
		}, []string{"type"}),

		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_delivery_failures_total",
			Help: "Messages that could not be delivered to the peer",
		}, []string{"kind"}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_network_latency_seconds",
			Help:    "Reported round trip latency between peers",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.3, 0.5, 1, 2},
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_packet_loss_percent",
			Help:    "Reported packet loss",
			Buckets: []float64{0, 0.5, 1, 2, 5, 10, 25, 50},
		}),

		qualityScale: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_quality_scale",
			Help:    "Resolution scale decided for a connection",
			Buckets: []float64{0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),

		cryptoOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_crypto_operations_total",
			Help: "Key exchange and encryption operations",
		}, []string{"operation", "result"}),

		encryptionEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_encryption_enabled",
			Help: "1 when payload encryption is enabled",
		}),
	}
}

func (p *PrometheusCollector) ConnectionCreated() {
	p.connectionsCreated.Inc()
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) StatusChanged(from, to domain.ConnectionStatus) {
	p.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) ConnectionEnded(final domain.ConnectionStatus, lifetime time.Duration) {
	p.connectionsActive.Dec()
	p.connectionsEnded.WithLabelValues(string(final)).Inc()
	p.connectionLifetime.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) MessageRelayed(t domain.MessageType) {
	p.messagesRelayed.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) DeliveryFailed(kind string) {
	p.deliveryFailures.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) NetworkSample(latencyMs int, lossPct float64) {
	p.networkLatency.Observe((time.Duration(latencyMs) * time.Millisecond).Seconds())
	p.packetLoss.Observe(lossPct)
}

func (p *PrometheusCollector) QualityScale(scale float64) {
	p.qualityScale.Observe(scale)
}

func (p *PrometheusCollector) CryptoOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.cryptoOps.WithLabelValues(op, result).Inc()
}

func (p *PrometheusCollector) SetEncryptionEnabled(enabled bool) {
	if enabled {
		p.encryptionEnabled.Set(1)
		return
	}
	p.encryptionEnabled.Set(0)
}
