package http

import (
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// KeyHandler exposes the key exchange engine. A session id is the id of
// the connection it protects, and only that connection's participants may
// act on it.
type KeyHandler struct {
	keys      ports.KeyExchangeService
	signaling ports.SignalingService
}

func NewKeyHandler(keys ports.KeyExchangeService, signaling ports.SignalingService) *KeyHandler {
	return &KeyHandler{
		keys:      keys,
		signaling: signaling,
	}
}

const sessionConnectionKey = "session_connection"

func (h *KeyHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/keys/pair", h.GenerateKeyPair)
	api.DELETE("/keys/pair", h.RemoveKeyPair)
	api.GET("/encryption/capabilities", h.Capabilities)

	sessions := api.Group("/sessions/:id")
	sessions.Use(validSession, h.sessionParticipant)
	sessions.POST("/key/exchange", h.Exchange)
	sessions.POST("/key/one-time", h.OneTimeKey)
	sessions.PUT("/key", h.SetKey)
	sessions.DELETE("/key", h.RemoveKey)
	sessions.POST("/encrypt", h.Encrypt)
	sessions.POST("/decrypt", h.Decrypt)
}

// exchangeRequest names either the peer's raw public key or a peer whose
// pair is held by this server.
type exchangeRequest struct {
	PeerPublicKey string        `json:"peer_public_key" binding:"max=1024"`
	Peer          domain.UserID `json:"peer" binding:"max=128"`
}

type setKeyRequest struct {
	Key string `json:"key" binding:"required,max=256"`
}

type encryptRequest struct {
	Plaintext []byte `json:"plaintext"`
}

type decryptRequest struct {
	Envelope string `json:"envelope" binding:"required"`
}

func validSession(c *gin.Context) {
	if err := validation.ValidateSessionID(c.Param("id")); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		c.Abort()
		return
	}
	c.Next()
}

// sessionParticipant resolves the session to its connection and rejects
// callers that are not one of its two participants.
func (h *KeyHandler) sessionParticipant(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.Abort()
		return
	}
	conn, err := h.signaling.GetConnection(c.Request.Context(), domain.ConnectionID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	if !conn.IsParticipant(user) {
		_ = c.Error(domain.ErrNotParticipant)
		c.Abort()
		return
	}
	c.Set(sessionConnectionKey, conn)
	c.Next()
}

func sessionConnection(c *gin.Context) *domain.Connection {
	conn, _ := c.MustGet(sessionConnectionKey).(*domain.Connection)
	return conn
}

func session(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func (h *KeyHandler) GenerateKeyPair(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	pub, err := h.keys.GenerateKeyPair(c.Request.Context(), user)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"public_key": pub})
}

func (h *KeyHandler) RemoveKeyPair(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	h.keys.RemoveUserKeyPair(user)
	c.Status(http.StatusNoContent)
}

func (h *KeyHandler) Exchange(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req exchangeRequest
	if !bindJSON(c, &req) {
		return
	}

	var err error
	switch {
	case req.PeerPublicKey != "":
		err = h.keys.EstablishSharedSecretWithPublicKey(c.Request.Context(), session(c), user, req.PeerPublicKey)
	case req.Peer != "":
		if peer, _ := sessionConnection(c).Peer(user); peer != req.Peer {
			err = domain.ErrNotParticipant
			break
		}
		err = h.keys.EstablishSharedSecret(c.Request.Context(), session(c), user, req.Peer)
	default:
		err = domain.ErrInvalidKey
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": session(c), "established": true})
}

func (h *KeyHandler) OneTimeKey(c *gin.Context) {
	key, err := h.keys.GenerateOneTimeKey(c.Request.Context(), session(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": session(c), "key": key})
}

func (h *KeyHandler) SetKey(c *gin.Context) {
	var req setKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.keys.SetSessionKey(c.Request.Context(), session(c), req.Key); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *KeyHandler) RemoveKey(c *gin.Context) {
	h.keys.RemoveSessionKey(session(c))
	c.Status(http.StatusNoContent)
}

func (h *KeyHandler) Encrypt(c *gin.Context) {
	var req encryptRequest
	if !bindJSON(c, &req) {
		return
	}
	envelope, err := h.keys.Encrypt(c.Request.Context(), session(c), req.Plaintext)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelope": envelope})
}

func (h *KeyHandler) Decrypt(c *gin.Context) {
	var req decryptRequest
	if !bindJSON(c, &req) {
		return
	}
	plaintext, err := h.keys.Decrypt(c.Request.Context(), session(c), req.Envelope)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plaintext": plaintext})
}

func (h *KeyHandler) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.keys.Capabilities())
}
