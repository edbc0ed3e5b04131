package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"camrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type AuthService interface {
	GenerateToken(username string) (string, error)
	GenerateRefreshToken(username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	AccessTokenTTL() time.Duration
}

// Claims carries the participant identity. The username claim is the
// identifier peers use to address each other.
type Claims struct {
	Username  string `json:"username"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() domain.UserID {
	return domain.UserID(c.Username)
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL, refreshTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

func (s *authService) AccessTokenTTL() time.Duration { return s.accessTokenTTL }

func (s *authService) GenerateToken(username string) (string, error) {
	return s.sign(username, tokenTypeAccess, s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(username string) (string, error) {
	return s.sign(username, tokenTypeRefresh, s.refreshTokenTTL)
}

func (s *authService) sign(username, tokenType string, ttl time.Duration) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrInvalidToken
	}
	now := s.now()
	claims := &Claims{
		Username:  username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ValidateToken accepts access tokens only.
func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, tokenTypeAccess)
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, tokenTypeRefresh)
}

func (s *authService) parse(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" || claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type userCtxKey struct{}

// ContextWithUser stores the authenticated participant on ctx.
func ContextWithUser(ctx context.Context, user domain.UserID) context.Context {
	return context.WithValue(ctx, userCtxKey{}, user)
}

func UserFromContext(ctx context.Context) (domain.UserID, error) {
	user, ok := ctx.Value(userCtxKey{}).(domain.UserID)
	if !ok || user == "" {
		return "", ErrUnauthorized
	}
	return user, nil
}
