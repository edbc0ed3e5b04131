package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/errors"
	"camrelay/pkg/tracing"
	"camrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	MessagesPerSecond float64 // 0 disables per-socket limiting
	Burst             int
	MaxConnections    int // 0 means unlimited
	MaxMessageSize    int64
	SendBuffer        int

	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     32,
	}
}

// FrameSender queues an encoded frame for a participant wherever their
// socket lives.
type FrameSender interface {
	Send(user domain.UserID, frame []byte) error
}

// WebSocketServer terminates participant sockets and feeds their frames to
// the signaling service.
type WebSocketServer struct {
	cfg       Config
	hub       *Hub
	sender    FrameSender
	signaling ports.SignalingService
	auth      middleware.TokenValidator
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewWebSocketServer wires sockets registered on hub to signaling. sender
// reaches peers for notifications that are not relayed messages; nil means
// the hub itself.
func NewWebSocketServer(cfg Config, hub *Hub, sender FrameSender, signaling ports.SignalingService, auth middleware.TokenValidator, logger *zap.SugaredLogger) *WebSocketServer {
	if sender == nil {
		sender = hub
	}
	s := &WebSocketServer{
		cfg:       cfg,
		hub:       hub,
		sender:    sender,
		signaling: signaling,
		auth:      auth,
		logger:    logger,
		now:       time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) authenticate(r *http.Request) (domain.UserID, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var ok bool
		if token, ok = middleware.BearerToken(r.Header.Get("Authorization")); !ok {
			return "", services.ErrUnauthorized
		}
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.MaxConnections > 0 && s.hub.Count() >= s.cfg.MaxConnections && !s.hub.IsConnected(user) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", user, "error", err)
		return
	}

	c := newClient(user, conn, s.cfg.SendBuffer)
	if old := s.hub.Register(c); old != nil {
		old.close()
		s.logger.Infow("replaced existing socket for participant", "user_id", user)
	}
	s.logger.Infow("participant connected", "user_id", user, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	s.logger.Infow("participant disconnected", "user_id", user)
}

func (s *WebSocketServer) readPump(c *Client) {
	defer func() {
		s.hub.Unregister(c)
		c.close()
	}()

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("socket read failed", "user_id", c.user, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			s.reply(c, encodeError("", string(errors.ErrCodeRateLimit), "message rate limit exceeded"))
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			s.reply(c, encodeError("", string(errors.ErrCodeInvalidInput), "malformed frame"))
			continue
		}

		ctx, span := tracing.TraceWebSocketMessage(context.Background(), frame.Type, string(c.user))
		if err := s.handleFrame(ctx, c, frame); err != nil {
			tracing.RecordError(ctx, err)
			appErr := middleware.MapError(err)
			s.logger.Debugw("frame rejected",
				"user_id", c.user,
				"type", frame.Type,
				"connection_id", frame.ConnectionID,
				"error", err,
			)
			s.reply(c, encodeError(frame.ConnectionID, string(appErr.Code), appErr.Message))
		}
		span.End()
	}
}

func (s *WebSocketServer) writePump(c *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugw("socket write failed", "user_id", c.user, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WebSocketServer) reply(c *Client, frame []byte) {
	if err := c.enqueue(frame); err != nil {
		s.logger.Debugw("reply dropped", "user_id", c.user, "error", err)
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, c *Client, frame ClientFrame) error {
	switch frame.Type {
	case FrameCreateConnection:
		return s.createConnection(ctx, c, frame)

	case FrameEndConnection:
		return s.signaling.EndConnection(ctx, frame.ConnectionID, c.user)

	case FrameNetworkSample:
		var d networkSampleData
		if err := decodeData(frame.Data, &d); err != nil {
			return err
		}
		_, err := s.signaling.ReportNetworkSample(ctx, frame.ConnectionID, c.user, d.LatencyMs, d.PacketLossPct)
		return err

	case FrameRTCPReport:
		return s.rtcpReport(ctx, c, frame)
	}

	t := domain.MessageType(frame.Type)
	if !t.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidMessageType, frame.Type)
	}
	if err := services.ValidateSignalingPayload(t, frame.Data); err != nil {
		return err
	}
	return s.signaling.Relay(ctx, domain.SignalingMessage{
		ConnectionID: frame.ConnectionID,
		Sender:       c.user,
		Type:         t,
		Data:         frame.Data,
	})
}

func (s *WebSocketServer) createConnection(ctx context.Context, c *Client, frame ClientFrame) error {
	var d createConnectionData
	if err := decodeData(frame.Data, &d); err != nil {
		return err
	}
	if d.ConnectionID == "" {
		d.ConnectionID = frame.ConnectionID
	}
	for _, err := range []error{
		validation.ValidateConnectionID(string(d.ConnectionID)),
		validation.ValidateParticipantID(string(d.Peer)),
		validation.ValidateMetadata(d.Options.Metadata),
	} {
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}

	id, iceCfg, err := s.signaling.InitializeConnection(ctx, d.ConnectionID, c.user, d.Peer, d.Options)
	if err != nil {
		return err
	}

	for _, n := range []struct {
		to   domain.UserID
		role string
	}{
		{c.user, "initiator"},
		{d.Peer, "receiver"},
	} {
		data, err := json.Marshal(connectionCreatedData{
			Role:             n.role,
			Initiator:        c.user,
			Receiver:         d.Peer,
			ICEConfiguration: iceCfg,
		})
		if err != nil {
			return err
		}
		out, err := json.Marshal(ServerFrame{Type: FrameConnectionCreated, ConnectionID: id, Data: data})
		if err != nil {
			return err
		}
		if n.to == c.user {
			s.reply(c, out)
			continue
		}
		if err := s.sender.Send(n.to, out); err != nil {
			s.logger.Infow("receiver not notified of new connection", "connection_id", id, "receiver", n.to, "error", err)
		}
	}
	return nil
}

func (s *WebSocketServer) rtcpReport(ctx context.Context, c *Client, frame ClientFrame) error {
	var d rtcpReportData
	if err := decodeData(frame.Data, &d); err != nil {
		return err
	}
	sample, err := services.SampleFromRTCP(d.Packet, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	latency := sample.LatencyMs
	if !sample.HasRTT {
		if d.LatencyMs == nil {
			return fmt.Errorf("%w: report has no round trip reference and no latency_ms", domain.ErrInvalidPayload)
		}
		latency = *d.LatencyMs
	}

	_, err = s.signaling.ReportNetworkSample(ctx, frame.ConnectionID, c.user, latency, sample.LossPct)
	return err
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", domain.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
