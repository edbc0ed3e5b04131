package signal

import (
	"encoding/json"

	"camrelay/internal/core/domain"
)

// Frame types that are not signaling message types.
const (
	FrameCreateConnection  = "create-connection"
	FrameEndConnection     = "end-connection"
	FrameNetworkSample     = "network-sample"
	FrameRTCPReport        = "rtcp-report"
	FrameConnectionCreated = "connection-created"
	FrameQualityUpdate     = "quality-update"
	FrameError             = "error"
)

// ClientFrame is what a participant sends over the socket.
type ClientFrame struct {
	Type         string              `json:"type"`
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
	Data         json.RawMessage     `json:"data,omitempty"`
}

// ServerFrame is what the server pushes to a participant.
type ServerFrame struct {
	Type         string              `json:"type"`
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
	Sender       domain.UserID       `json:"sender,omitempty"`
	Data         json.RawMessage     `json:"data,omitempty"`
	Error        string              `json:"error,omitempty"`
	Message      string              `json:"message,omitempty"`
}

type createConnectionData struct {
	ConnectionID domain.ConnectionID      `json:"connection_id"`
	Peer         domain.UserID            `json:"peer"`
	Options      domain.ConnectionOptions `json:"options"`
}

type connectionCreatedData struct {
	Role             string                  `json:"role"`
	Initiator        domain.UserID           `json:"initiator"`
	Receiver         domain.UserID           `json:"receiver"`
	ICEConfiguration domain.ICEConfiguration `json:"ice_configuration"`
}

type networkSampleData struct {
	LatencyMs     int     `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

type rtcpReportData struct {
	// Packet is a base64 encoded compound RTCP packet.
	Packet []byte `json:"packet"`
	// LatencyMs is used when the report carries no round trip reference.
	LatencyMs *int `json:"latency_ms,omitempty"`
}

// EncodeSignaling renders a relayed message as the frame the recipient sees.
func EncodeSignaling(msg domain.SignalingMessage) ([]byte, error) {
	return json.Marshal(ServerFrame{
		Type:         string(msg.Type),
		ConnectionID: msg.ConnectionID,
		Sender:       msg.Sender,
		Data:         msg.Data,
	})
}

func EncodeQuality(id domain.ConnectionID, decision domain.QualityDecision) ([]byte, error) {
	data, err := json.Marshal(decision)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerFrame{Type: FrameQualityUpdate, ConnectionID: id, Data: data})
}

func encodeError(id domain.ConnectionID, code, message string) []byte {
	b, _ := json.Marshal(ServerFrame{Type: FrameError, ConnectionID: id, Error: code, Message: message})
	return b
}
