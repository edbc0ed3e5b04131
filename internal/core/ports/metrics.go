package ports

import (
	"time"

	"camrelay/internal/core/domain"
)

// MetricsRecorder receives core events for export.
type MetricsRecorder interface {
	ConnectionCreated()
	StatusChanged(from, to domain.ConnectionStatus)
	ConnectionEnded(final domain.ConnectionStatus, lifetime time.Duration)
	MessageRelayed(t domain.MessageType)
	DeliveryFailed(kind string)
	NetworkSample(latencyMs int, lossPct float64)
	QualityScale(scale float64)
	CryptoOperation(op string, err error)
	SetEncryptionEnabled(enabled bool)
}
