package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// closedByPeerData is the payload of the connection-closed notice sent when a
// participant ends a connection.
var closedByPeerData = json.RawMessage(`{"reason":"Peer closed connection"}`)

type signalingService struct {
	enabled   bool
	repo      ports.ConnectionRepository
	deliverer ports.Deliverer
	quality   ports.QualityService
	keys      ports.SessionKeyRemover
	ice       *ICEConfigProvider
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type SignalingDeps struct {
	Repository ports.ConnectionRepository
	Deliverer  ports.Deliverer
	Quality    ports.QualityService
	Keys       ports.SessionKeyRemover
	ICE        *ICEConfigProvider
	Metrics    ports.MetricsRecorder
	Logger     *zap.SugaredLogger
}

func NewSignalingService(enabled bool, deps SignalingDeps) ports.SignalingService {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &signalingService{
		enabled:   enabled,
		repo:      deps.Repository,
		deliverer: deps.Deliverer,
		quality:   deps.Quality,
		keys:      deps.Keys,
		ice:       deps.ICE,
		metrics:   metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

func (s *signalingService) InitializeConnection(ctx context.Context, id domain.ConnectionID, initiator, receiver domain.UserID, opts domain.ConnectionOptions) (domain.ConnectionID, domain.ICEConfiguration, error) {
	if !s.enabled {
		s.logger.Warnw("signaling disabled, rejecting connection", "initiator", initiator, "receiver", receiver)
		return "", domain.ICEConfiguration{}, domain.ErrSignalingDisabled
	}
	if initiator == "" || receiver == "" || initiator == receiver {
		return "", domain.ICEConfiguration{}, domain.ErrInvalidParticipants
	}
	if id == "" {
		id = domain.ConnectionID(uuid.NewString())
	}

	ctx, span := tracing.TraceSignaling(ctx, "initialize", string(id), string(initiator))
	defer span.End()

	now := s.now()
	conn := &domain.Connection{
		ID:        id,
		Initiator: initiator,
		Receiver:  receiver,
		Status:    domain.StatusInitializing,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  connectionMetadata(opts),
	}
	if err := s.repo.Create(ctx, conn); err != nil {
		tracing.RecordError(ctx, err)
		return "", domain.ICEConfiguration{}, err
	}

	for _, user := range []domain.UserID{initiator, receiver} {
		if prev, ok, _ := s.repo.ActiveConnection(ctx, user); ok && prev != id {
			s.logger.Infow("participant moved to a new connection",
				"user_id", user,
				"previous_connection_id", prev,
				"connection_id", id,
			)
		}
		if err := s.repo.BindParticipant(ctx, user, id); err != nil {
			return "", domain.ICEConfiguration{}, err
		}
	}

	s.metrics.ConnectionCreated()
	s.logger.Infow("connection initialized",
		"connection_id", id,
		"initiator", initiator,
		"receiver", receiver,
	)
	return id, s.ice.Build(opts), nil
}

func connectionMetadata(opts domain.ConnectionOptions) map[string]interface{} {
	md := make(map[string]interface{}, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		md[k] = v
	}
	if opts.ICETransportPolicy != "" {
		md["iceTransportPolicy"] = opts.ICETransportPolicy
	}
	if len(opts.VideoConstraints) > 0 {
		md["videoConstraints"] = opts.VideoConstraints
	}
	if len(opts.AudioConstraints) > 0 {
		md["audioConstraints"] = opts.AudioConstraints
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func (s *signalingService) Relay(ctx context.Context, msg domain.SignalingMessage) error {
	if !s.enabled {
		return domain.ErrSignalingDisabled
	}
	if !msg.Type.IsValid() {
		return domain.ErrInvalidMessageType
	}

	ctx, span := tracing.TraceSignaling(ctx, string(msg.Type), string(msg.ConnectionID), string(msg.Sender))
	defer span.End()

	var (
		prev    domain.ConnectionStatus
		changed bool
	)
	conn, err := s.repo.Update(ctx, msg.ConnectionID, func(c *domain.Connection) error {
		if !c.IsParticipant(msg.Sender) {
			return domain.ErrNotParticipant
		}
		prev = c.Status
		next, ok := c.Status.Next(msg.Type)
		if ok {
			c.Status = next
			c.UpdatedAt = s.now()
		}
		changed = ok
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotParticipant) {
			s.logger.Warnw("rejected message from non-participant",
				"connection_id", msg.ConnectionID,
				"sender", msg.Sender,
				"type", msg.Type,
			)
		}
		tracing.RecordError(ctx, err)
		return err
	}

	if prev.IsTerminal() {
		s.logger.Debugw("ignoring message for finished connection",
			"connection_id", msg.ConnectionID,
			"status", prev,
			"type", msg.Type,
		)
		return nil
	}

	if changed {
		s.metrics.StatusChanged(prev, conn.Status)
		s.logger.Infow("connection status changed",
			"connection_id", conn.ID,
			"from", prev,
			"to", conn.Status,
			"type", msg.Type,
		)
	}

	peer, _ := conn.Peer(msg.Sender)
	s.deliver(ctx, peer, msg)
	s.metrics.MessageRelayed(msg.Type)

	if changed && conn.Status.IsTerminal() {
		s.release(ctx, conn)
	}
	return nil
}

func (s *signalingService) EndConnection(ctx context.Context, id domain.ConnectionID, by domain.UserID) error {
	ctx, span := tracing.TraceSignaling(ctx, "end", string(id), string(by))
	defer span.End()

	var prev domain.ConnectionStatus
	conn, err := s.repo.Update(ctx, id, func(c *domain.Connection) error {
		if !c.IsParticipant(by) {
			return domain.ErrNotParticipant
		}
		prev = c.Status
		if !prev.IsTerminal() {
			c.Status = domain.StatusClosed
			c.UpdatedAt = s.now()
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if prev.IsTerminal() {
		s.logger.Debugw("connection already finished", "connection_id", id, "status", prev)
		return nil
	}

	s.metrics.StatusChanged(prev, domain.StatusClosed)
	s.logger.Infow("connection closed", "connection_id", id, "by", by, "from", prev)

	peer, _ := conn.Peer(by)
	s.deliver(ctx, peer, domain.SignalingMessage{
		ConnectionID: id,
		Sender:       by,
		Type:         domain.MessageConnectionClosed,
		Data:         closedByPeerData,
	})

	s.release(ctx, conn)
	return nil
}

// release drops everything a finished connection holds except its record.
func (s *signalingService) release(ctx context.Context, conn *domain.Connection) {
	for _, user := range []domain.UserID{conn.Initiator, conn.Receiver} {
		if _, err := s.repo.UnbindParticipant(ctx, user, conn.ID); err != nil {
			s.logger.Warnw("failed to unbind participant", "connection_id", conn.ID, "user_id", user, "error", err)
		}
	}
	s.quality.Reset(conn.ID)
	s.keys.RemoveSessionKey(domain.SessionID(conn.ID))
	s.metrics.ConnectionEnded(conn.Status, s.now().Sub(conn.CreatedAt))
}

func (s *signalingService) deliver(ctx context.Context, to domain.UserID, msg domain.SignalingMessage) {
	if err := s.deliverer.Deliver(ctx, to, msg); err != nil {
		s.metrics.DeliveryFailed("signaling")
		s.logger.Warnw("signaling message not delivered",
			"connection_id", msg.ConnectionID,
			"recipient", to,
			"type", msg.Type,
			"error", err,
		)
	}
}

func (s *signalingService) GetStatus(ctx context.Context, id domain.ConnectionID) (domain.ConnectionStatus, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return conn.Status, nil
}

func (s *signalingService) GetConnection(ctx context.Context, id domain.ConnectionID) (*domain.Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *signalingService) ListConnections(ctx context.Context) ([]*domain.Connection, error) {
	return s.repo.List(ctx)
}

func (s *signalingService) GetActiveConnection(ctx context.Context, user domain.UserID) (domain.ConnectionID, error) {
	id, ok, err := s.repo.ActiveConnection(ctx, user)
	if err != nil || !ok {
		return "", err
	}
	return id, nil
}

func (s *signalingService) HasActiveConnection(ctx context.Context, user domain.UserID) (bool, error) {
	id, err := s.GetActiveConnection(ctx, user)
	if err != nil || id == "" {
		return false, err
	}
	status, err := s.GetStatus(ctx, id)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == domain.StatusConnected, nil
}

// ReportNetworkSample folds a sample from reporter into the connection's
// telemetry and pushes the resulting decision to the other participant, which
// is the side encoding media toward the reporter.
func (s *signalingService) ReportNetworkSample(ctx context.Context, id domain.ConnectionID, reporter domain.UserID, latencyMs int, lossPct float64) (domain.QualityDecision, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.QualityDecision{}, err
	}
	if !conn.IsParticipant(reporter) {
		return domain.QualityDecision{}, domain.ErrNotParticipant
	}
	if conn.Status.IsTerminal() {
		return s.quality.Decide(id), nil
	}

	s.quality.RecordSample(id, latencyMs, lossPct)
	s.quality.ComputeScale(id)
	decision := s.quality.Decide(id)

	// a close racing this sample must not leave state behind
	if current, err := s.repo.GetByID(ctx, id); err == nil && current.Status.IsTerminal() {
		s.quality.Reset(id)
		return decision, nil
	}

	peer, _ := conn.Peer(reporter)
	if err := s.deliverer.PushQualityUpdate(ctx, id, peer, decision); err != nil {
		s.metrics.DeliveryFailed("quality")
		s.logger.Debugw("quality update not delivered", "connection_id", id, "recipient", peer, "error", err)
	}

	s.logger.Debugw("network sample recorded",
		"connection_id", id,
		"reporter", reporter,
		"latency_ms", latencyMs,
		"loss_pct", lossPct,
		"scale", decision.Scale,
	)
	return decision, nil
}

func (s *signalingService) Statistics(ctx context.Context) (domain.SignalingStatistics, error) {
	conns, err := s.repo.List(ctx)
	if err != nil {
		return domain.SignalingStatistics{}, err
	}
	active, err := s.repo.ActiveParticipants(ctx)
	if err != nil {
		return domain.SignalingStatistics{}, err
	}

	stats := domain.SignalingStatistics{
		TotalConnections:   len(conns),
		ByStatus:           make(map[domain.ConnectionStatus]int, len(domain.AllStatuses)),
		ActiveParticipants: active,
		STUNServers:        s.ice.STUNCount(),
		TURNServers:        s.ice.TURNCount(),
		TURNConfigured:     s.ice.TURNCount() > 0,
		Enabled:            s.enabled,
	}
	for _, st := range domain.AllStatuses {
		stats.ByStatus[st] = 0
	}
	for _, c := range conns {
		stats.ByStatus[c.Status]++
	}
	return stats, nil
}

func (s *signalingService) ICEConfiguration(opts domain.ConnectionOptions) domain.ICEConfiguration {
	return s.ice.Build(opts)
}
