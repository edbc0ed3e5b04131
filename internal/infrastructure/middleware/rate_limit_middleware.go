package middleware

import (
	"net"
	"net/http"
	"strings"

	"camrelay/pkg/config"
	"camrelay/pkg/errors"
	"camrelay/pkg/shardmap"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterStore hands out one token bucket per client key.
type limiterStore struct {
	limiters *shardmap.Map[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: shardmap.New[string, *rate.Limiter](16),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	return s.limiters.Update(key, func(cur *rate.Limiter, ok bool) (*rate.Limiter, bool) {
		if ok {
			return cur, true
		}
		return rate.NewLimiter(s.rate, s.burst), true
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP token buckets and an optional
// cap on concurrent requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	store := newLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var sem chan struct{}
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		sem = make(chan struct{}, n)
	}

	return func(c *gin.Context) {
		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.get(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWith(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
