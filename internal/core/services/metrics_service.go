package services

import (
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) ConnectionCreated()                                     {}
func (NopMetrics) StatusChanged(_, _ domain.ConnectionStatus)             {}
func (NopMetrics) ConnectionEnded(domain.ConnectionStatus, time.Duration) {}
func (NopMetrics) MessageRelayed(domain.MessageType)                      {}
func (NopMetrics) DeliveryFailed(string)                                  {}
func (NopMetrics) NetworkSample(int, float64)                             {}
func (NopMetrics) QualityScale(float64)                                   {}
func (NopMetrics) CryptoOperation(string, error)                          {}
func (NopMetrics) SetEncryptionEnabled(bool)                              {}

// MetricsSnapshot is a point-in-time copy of the in-process counters.
type MetricsSnapshot struct {
	ConnectionsCreated int
	Relayed            map[domain.MessageType]int
	Transitions        map[domain.ConnectionStatus]int
	Ended              map[domain.ConnectionStatus]int
	DeliveryFailures   map[string]int
	CryptoFailures     map[string]int
	Samples            int
	EncryptionEnabled  bool
}

// MetricsService counts core events in process and forwards them to an
// optional exporter.
type MetricsService struct {
	mu sync.RWMutex

	connectionsCreated int
	relayed            map[domain.MessageType]int
	transitions        map[domain.ConnectionStatus]int
	ended              map[domain.ConnectionStatus]int
	deliveryFailures   map[string]int
	cryptoFailures     map[string]int
	samples            int
	encryptionEnabled  bool

	exporter ports.MetricsRecorder
}

func NewMetricsService(exporter ports.MetricsRecorder) *MetricsService {
	if exporter == nil {
		exporter = NopMetrics{}
	}
	return &MetricsService{
		relayed:          make(map[domain.MessageType]int),
		transitions:      make(map[domain.ConnectionStatus]int),
		ended:            make(map[domain.ConnectionStatus]int),
		deliveryFailures: make(map[string]int),
		cryptoFailures:   make(map[string]int),
		exporter:         exporter,
	}
}

func (m *MetricsService) ConnectionCreated() {
	m.mu.Lock()
	m.connectionsCreated++
	m.mu.Unlock()
	m.exporter.ConnectionCreated()
}

func (m *MetricsService) StatusChanged(from, to domain.ConnectionStatus) {
	m.mu.Lock()
	m.transitions[to]++
	m.mu.Unlock()
	m.exporter.StatusChanged(from, to)
}

func (m *MetricsService) ConnectionEnded(final domain.ConnectionStatus, lifetime time.Duration) {
	m.mu.Lock()
	m.ended[final]++
	m.mu.Unlock()
	m.exporter.ConnectionEnded(final, lifetime)
}

func (m *MetricsService) MessageRelayed(t domain.MessageType) {
	m.mu.Lock()
	m.relayed[t]++
	m.mu.Unlock()
	m.exporter.MessageRelayed(t)
}

func (m *MetricsService) DeliveryFailed(kind string) {
	m.mu.Lock()
	m.deliveryFailures[kind]++
	m.mu.Unlock()
	m.exporter.DeliveryFailed(kind)
}

func (m *MetricsService) NetworkSample(latencyMs int, lossPct float64) {
	m.mu.Lock()
	m.samples++
	m.mu.Unlock()
	m.exporter.NetworkSample(latencyMs, lossPct)
}

func (m *MetricsService) QualityScale(scale float64) {
	m.exporter.QualityScale(scale)
}

func (m *MetricsService) CryptoOperation(op string, err error) {
	if err != nil {
		m.mu.Lock()
		m.cryptoFailures[op]++
		m.mu.Unlock()
	}
	m.exporter.CryptoOperation(op, err)
}

func (m *MetricsService) SetEncryptionEnabled(enabled bool) {
	m.mu.Lock()
	m.encryptionEnabled = enabled
	m.mu.Unlock()
	m.exporter.SetEncryptionEnabled(enabled)
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		ConnectionsCreated: m.connectionsCreated,
		Relayed:            copyCounts(m.relayed),
		Transitions:        copyCounts(m.transitions),
		Ended:              copyCounts(m.ended),
		DeliveryFailures:   copyCounts(m.deliveryFailures),
		CryptoFailures:     copyCounts(m.cryptoFailures),
		Samples:            m.samples,
		EncryptionEnabled:  m.encryptionEnabled,
	}
}

func copyCounts[K comparable](in map[K]int) map[K]int {
	out := make(map[K]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	_ ports.MetricsRecorder = NopMetrics{}
	_ ports.MetricsRecorder = (*MetricsService)(nil)
)
