package domain

import "encoding/json"

// NetworkStats holds exponentially weighted averages for one connection.
type NetworkStats struct {
	AvgLatencyMs     int     `json:"avg_latency_ms"`
	AvgPacketLossPct float64 `json:"avg_packet_loss_pct"`
	SampleCount      int     `json:"sample_count"`
}

// QualityDecision is what the publishing side should encode at.
type QualityDecision struct {
	Scale       float64 `json:"scale"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	BitrateKbps int     `json:"bitrate_kbps"`
}

// QualityStats combines telemetry and the current scale of a connection.
type QualityStats struct {
	NetworkStats
	CurrentScale float64 `json:"current_scale"`
	HasTelemetry bool    `json:"has_telemetry"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfiguration is handed to both participants when a connection is
// created.
type ICEConfiguration struct {
	ICEServers         []ICEServer     `json:"iceServers"`
	ICETransportPolicy string          `json:"iceTransportPolicy"`
	BundlePolicy       string          `json:"bundlePolicy"`
	VideoConstraints   json.RawMessage `json:"videoConstraints,omitempty"`
	AudioConstraints   json.RawMessage `json:"audioConstraints,omitempty"`
}
