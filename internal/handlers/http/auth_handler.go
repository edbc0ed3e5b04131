package http

import (
	"net/http"
	"strings"

	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	devLogin    bool
}

// NewAuthHandler serves token refresh. Login issues tokens for any
// username and is only mounted when devLogin is set; production
// deployments mint tokens elsewhere with the shared secret.
func NewAuthHandler(authService services.AuthService, devLogin bool) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		devLogin:    devLogin,
	}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	auth := api.Group("/auth")
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.RefreshToken)
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=128"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	if !h.devLogin {
		_ = c.Error(errors.NewDisabledError("login"))
		return
	}

	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateParticipantID(req.Username); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	accessToken, err := h.authService.GenerateToken(req.Username)
	if err != nil {
		_ = c.Error(err)
		return
	}
	refreshToken, err := h.authService.GenerateRefreshToken(req.Username)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       req.Username,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.authService.AccessTokenTTL().Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		_ = c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.Username)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.authService.AccessTokenTTL().Seconds()),
	})
}
