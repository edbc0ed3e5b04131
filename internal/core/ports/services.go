package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

// Deliverer pushes messages to a participant's live transport. Delivery is at
// most once; an error means the message was dropped.
type Deliverer interface {
	Deliver(ctx context.Context, recipient domain.UserID, msg domain.SignalingMessage) error
	PushQualityUpdate(ctx context.Context, connID domain.ConnectionID, recipient domain.UserID, decision domain.QualityDecision) error
}

type SignalingService interface {
	InitializeConnection(ctx context.Context, id domain.ConnectionID, initiator, receiver domain.UserID, opts domain.ConnectionOptions) (domain.ConnectionID, domain.ICEConfiguration, error)
	Relay(ctx context.Context, msg domain.SignalingMessage) error
	EndConnection(ctx context.Context, id domain.ConnectionID, by domain.UserID) error
	GetStatus(ctx context.Context, id domain.ConnectionID) (domain.ConnectionStatus, error)
	GetConnection(ctx context.Context, id domain.ConnectionID) (*domain.Connection, error)
	ListConnections(ctx context.Context) ([]*domain.Connection, error)
	GetActiveConnection(ctx context.Context, user domain.UserID) (domain.ConnectionID, error)
	HasActiveConnection(ctx context.Context, user domain.UserID) (bool, error)
	ReportNetworkSample(ctx context.Context, id domain.ConnectionID, reporter domain.UserID, latencyMs int, lossPct float64) (domain.QualityDecision, error)
	Statistics(ctx context.Context) (domain.SignalingStatistics, error)
	ICEConfiguration(opts domain.ConnectionOptions) domain.ICEConfiguration
}

// QualityService owns telemetry and the scale state of every connection.
type QualityService interface {
	RecordSample(id domain.ConnectionID, latencyMs int, lossPct float64) domain.NetworkStats
	ComputeScale(id domain.ConnectionID) float64
	Decide(id domain.ConnectionID) domain.QualityDecision
	CurrentScale(id domain.ConnectionID) float64
	Stats(id domain.ConnectionID) domain.QualityStats
	Reset(id domain.ConnectionID)
}

type KeyExchangeService interface {
	GenerateKeyPair(ctx context.Context, user domain.UserID) (string, error)
	EstablishSharedSecret(ctx context.Context, session domain.SessionID, user1, user2 domain.UserID) error
	EstablishSharedSecretWithPublicKey(ctx context.Context, session domain.SessionID, user domain.UserID, peerPublicKey string) error
	GenerateOneTimeKey(ctx context.Context, session domain.SessionID) (string, error)
	SetSessionKey(ctx context.Context, session domain.SessionID, keyB64 string) error
	Encrypt(ctx context.Context, session domain.SessionID, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, session domain.SessionID, envelope string) ([]byte, error)
	HasSessionKey(session domain.SessionID) bool
	RemoveSessionKey(session domain.SessionID)
	RemoveUserKeyPair(user domain.UserID)
	Capabilities() domain.EncryptionCapabilities
}

// SessionKeyRemover is the part of the key engine signaling needs.
type SessionKeyRemover interface {
	RemoveSessionKey(session domain.SessionID)
}
