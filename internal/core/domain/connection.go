package domain

import (
	"encoding/json"
	"time"
)

type ConnectionID string

type ConnectionStatus string

const (
	StatusInitializing  ConnectionStatus = "INITIALIZING"
	StatusICEGathering  ConnectionStatus = "ICE_GATHERING"
	StatusOfferCreated  ConnectionStatus = "OFFER_CREATED"
	StatusAnswerCreated ConnectionStatus = "ANSWER_CREATED"
	StatusConnected     ConnectionStatus = "CONNECTED"
	StatusFailed        ConnectionStatus = "FAILED"
	StatusClosed        ConnectionStatus = "CLOSED"
)

// AllStatuses lists every status in negotiation order.
var AllStatuses = []ConnectionStatus{
	StatusInitializing,
	StatusICEGathering,
	StatusOfferCreated,
	StatusAnswerCreated,
	StatusConnected,
	StatusFailed,
	StatusClosed,
}

// IsTerminal reports whether no further transitions are possible.
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusClosed
}

func (s ConnectionStatus) rank() int {
	switch s {
	case StatusInitializing:
		return 0
	case StatusICEGathering:
		return 1
	case StatusOfferCreated:
		return 2
	case StatusAnswerCreated:
		return 3
	case StatusConnected:
		return 4
	default:
		return 5
	}
}

// Next returns the status a connection in s moves to after a message of type
// t, and whether that is a change. Terminal statuses never change, FAILED and
// CLOSED are reachable from any other status, and the remaining statuses only
// move forward.
func (s ConnectionStatus) Next(t MessageType) (ConnectionStatus, bool) {
	if s.IsTerminal() {
		return s, false
	}

	var target ConnectionStatus
	switch t {
	case MessageICECandidate:
		if s != StatusInitializing {
			return s, false
		}
		target = StatusICEGathering
	case MessageOffer:
		target = StatusOfferCreated
	case MessageAnswer:
		target = StatusAnswerCreated
	case MessageConnectionEstablished:
		target = StatusConnected
	case MessageConnectionFailed:
		return StatusFailed, true
	case MessageConnectionClosed:
		return StatusClosed, true
	default:
		return s, false
	}

	if target.rank() <= s.rank() {
		return s, false
	}
	return target, true
}

// Connection is one viewer/publisher negotiation brokered by the server.
type Connection struct {
	ID        ConnectionID           `json:"id"`
	Initiator UserID                 `json:"initiator"`
	Receiver  UserID                 `json:"receiver"`
	Status    ConnectionStatus       `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IsParticipant reports whether u is the initiator or the receiver.
func (c *Connection) IsParticipant(u UserID) bool {
	return u != "" && (u == c.Initiator || u == c.Receiver)
}

// Peer returns the other participant of the connection.
func (c *Connection) Peer(u UserID) (UserID, bool) {
	switch u {
	case c.Initiator:
		return c.Receiver, true
	case c.Receiver:
		return c.Initiator, true
	default:
		return "", false
	}
}

// Clone returns a copy safe to hand out of the registry. Metadata values are
// shared.
func (c *Connection) Clone() *Connection {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

type MessageType string

const (
	MessageOffer                 MessageType = "offer"
	MessageAnswer                MessageType = "answer"
	MessageICECandidate          MessageType = "ice-candidate"
	MessageConnectionEstablished MessageType = "connection-established"
	MessageConnectionFailed      MessageType = "connection-failed"
	MessageConnectionClosed      MessageType = "connection-closed"
)

func (t MessageType) IsValid() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICECandidate,
		MessageConnectionEstablished, MessageConnectionFailed, MessageConnectionClosed:
		return true
	}
	return false
}

// SignalingMessage is relayed verbatim to the other participant. Data is
// opaque to the server.
type SignalingMessage struct {
	ConnectionID ConnectionID    `json:"connection_id"`
	Sender       UserID          `json:"sender"`
	Type         MessageType     `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ConnectionOptions are caller overrides merged into the returned ICE
// configuration.
type ConnectionOptions struct {
	ICETransportPolicy string                 `json:"iceTransportPolicy,omitempty"`
	VideoConstraints   json.RawMessage        `json:"videoConstraints,omitempty"`
	AudioConstraints   json.RawMessage        `json:"audioConstraints,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// SignalingStatistics summarizes the registry.
type SignalingStatistics struct {
	TotalConnections   int                      `json:"total_connections"`
	ByStatus           map[ConnectionStatus]int `json:"by_status"`
	ActiveParticipants int                      `json:"active_participants"`
	STUNServers        int                      `json:"stun_servers"`
	TURNServers        int                      `json:"turn_servers"`
	TURNConfigured     bool                     `json:"turn_configured"`
	Enabled            bool                     `json:"enabled"`
}
