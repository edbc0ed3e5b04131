package domain

// EncryptionCapabilities describes the key exchange configuration.
type EncryptionCapabilities struct {
	Enabled      bool   `json:"enabled"`
	Algorithm    string `json:"algorithm"`
	KeyExchange  string `json:"key_exchange"`
	Curve        string `json:"curve"`
	KeySize      int    `json:"key_size"`
	GCMTagLength int    `json:"gcm_tag_length"`
	IVLength     int    `json:"iv_length"`
}

// SessionID keys a session key. Signaling uses the connection id.
type SessionID string
