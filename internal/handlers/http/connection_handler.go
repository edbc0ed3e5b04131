package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ConnectionHandler exposes the signaling registry over REST for clients
// that cannot hold a socket open.
type ConnectionHandler struct {
	signaling ports.SignalingService
	quality   ports.QualityService
}

func NewConnectionHandler(signaling ports.SignalingService, quality ports.QualityService) *ConnectionHandler {
	return &ConnectionHandler{
		signaling: signaling,
		quality:   quality,
	}
}

func (h *ConnectionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/connections", h.CreateConnection)
	api.GET("/connections/:id", h.GetConnection)
	api.POST("/connections/:id/messages", h.RelayMessage)
	api.POST("/connections/:id/end", h.EndConnection)
	api.POST("/connections/:id/samples", h.ReportSample)
	api.GET("/connections/:id/quality", h.GetQuality)
	api.GET("/users/me/connection", h.GetMyConnection)
	api.GET("/ice-config", h.GetICEConfig)
	api.GET("/signaling/stats", h.GetStatistics)
}

type createConnectionRequest struct {
	ConnectionID domain.ConnectionID      `json:"connection_id" binding:"max=128"`
	Peer         domain.UserID            `json:"peer" binding:"required,max=128"`
	Options      domain.ConnectionOptions `json:"options"`
}

type relayRequest struct {
	Type domain.MessageType `json:"type" binding:"required"`
	Data json.RawMessage    `json:"data"`
}

type sampleRequest struct {
	LatencyMs     int     `json:"latency_ms" binding:"min=0"`
	PacketLossPct float64 `json:"packet_loss_pct" binding:"min=0,max=100"`
}

func validateCreate(id domain.ConnectionID, peer domain.UserID, opts domain.ConnectionOptions) error {
	if err := validation.ValidateConnectionID(string(id)); err != nil {
		return err
	}
	if err := validation.ValidateParticipantID(string(peer)); err != nil {
		return err
	}
	return validation.ValidateMetadata(opts.Metadata)
}

func currentUser(c *gin.Context) (domain.UserID, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		_ = c.Error(services.ErrUnauthorized)
	}
	return user, ok
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return false
	}
	return true
}

// participantConnection loads the connection and checks that the caller is
// one of its two participants.
func (h *ConnectionHandler) participantConnection(c *gin.Context, user domain.UserID) (*domain.Connection, bool) {
	conn, err := h.signaling.GetConnection(c.Request.Context(), domain.ConnectionID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !conn.IsParticipant(user) {
		_ = c.Error(domain.ErrNotParticipant)
		return nil, false
	}
	return conn, true
}

func (h *ConnectionHandler) CreateConnection(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req createConnectionRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateCreate(req.ConnectionID, req.Peer, req.Options); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	id, iceCfg, err := h.signaling.InitializeConnection(c.Request.Context(), req.ConnectionID, user, req.Peer, req.Options)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection_id":     id,
		"initiator":         user,
		"receiver":          req.Peer,
		"ice_configuration": iceCfg,
	})
}

func (h *ConnectionHandler) GetConnection(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	conn, ok := h.participantConnection(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": conn})
}

func (h *ConnectionHandler) RelayMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req relayRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Type.IsValid() {
		_ = c.Error(fmt.Errorf("%w: %q", domain.ErrInvalidMessageType, req.Type))
		return
	}
	if err := services.ValidateSignalingPayload(req.Type, req.Data); err != nil {
		_ = c.Error(err)
		return
	}

	id := domain.ConnectionID(c.Param("id"))
	err := h.signaling.Relay(c.Request.Context(), domain.SignalingMessage{
		ConnectionID: id,
		Sender:       user,
		Type:         req.Type,
		Data:         req.Data,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status, err := h.signaling.GetStatus(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"connection_id": id, "status": status})
}

func (h *ConnectionHandler) EndConnection(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.signaling.EndConnection(c.Request.Context(), domain.ConnectionID(c.Param("id")), user); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectionHandler) ReportSample(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req sampleRequest
	if !bindJSON(c, &req) {
		return
	}

	decision, err := h.signaling.ReportNetworkSample(c.Request.Context(), domain.ConnectionID(c.Param("id")), user, req.LatencyMs, req.PacketLossPct)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

func (h *ConnectionHandler) GetQuality(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	conn, ok := h.participantConnection(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":    h.quality.Stats(conn.ID),
		"decision": h.quality.Decide(conn.ID),
	})
}

func (h *ConnectionHandler) GetMyConnection(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	id, err := h.signaling.GetActiveConnection(c.Request.Context(), user)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if id == "" {
		c.JSON(http.StatusOK, gin.H{"connection_id": nil, "active": false})
		return
	}
	status, err := h.signaling.GetStatus(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": id, "status": status, "active": true})
}

func (h *ConnectionHandler) GetICEConfig(c *gin.Context) {
	opts := domain.ConnectionOptions{ICETransportPolicy: c.Query("policy")}
	c.JSON(http.StatusOK, h.signaling.ICEConfiguration(opts))
}

func (h *ConnectionHandler) GetStatistics(c *gin.Context) {
	stats, err := h.signaling.Statistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
