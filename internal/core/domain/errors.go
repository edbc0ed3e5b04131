package domain

import "errors"

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrConnectionExists    = errors.New("connection already exists")
	ErrNotParticipant      = errors.New("user is not a participant of the connection")
	ErrInvalidParticipants = errors.New("connection needs two distinct participants")
	ErrInvalidMessageType  = errors.New("invalid signaling message type")
	ErrInvalidPayload      = errors.New("invalid signaling payload")
	ErrSignalingDisabled   = errors.New("signaling is disabled")

	ErrEncryptionDisabled = errors.New("encryption is disabled")
	ErrInvalidKey         = errors.New("invalid key")
	ErrMissingKeyPair     = errors.New("key pair not found")
	ErrNoSessionKey       = errors.New("session key not found")
	ErrCryptoFailure      = errors.New("cryptographic operation failed")

	ErrRecipientOffline = errors.New("recipient is not connected")
)
