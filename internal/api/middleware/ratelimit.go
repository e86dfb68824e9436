package middleware

import (
	"math"
	"strconv"
	"time"

	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/ratelimit"
	"transport-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RateLimitMiddleware limits requests per client within a category. A
// limiter failure lets the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, category string, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := getClientID(c)

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), clientID, category)
		if err != nil {
			log.WithError(err).WithField("category", category).Warn("rate limiter unavailable")
			c.Header("X-RateLimit-Error", "Rate limiter unavailable")
			c.Next()
			return
		}

		setRateLimitHeaders(c, limiter.Limit(category), allowed, retryAfter)
		if !allowed {
			log.WithFields(logrus.Fields{"client": clientID, "category": category}).Debug("request rate limited")
			utils.ErrorResponse(c, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]any{"retryAfterSeconds": retrySeconds(retryAfter)}))
			return
		}
		c.Next()
	}
}

// getClientID keys location reports by session so a reconnecting device
// shares one budget; everything else is keyed by user, then by IP.
func getClientID(c *gin.Context) string {
	if sessionID := c.Param("sessionId"); sessionID != "" {
		return "session:" + sessionID
	}
	if caller, ok := CallerFrom(c); ok && caller.UserID != "" {
		return "user:" + caller.UserID
	}
	return "ip:" + c.ClientIP()
}

func retrySeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func setRateLimitHeaders(c *gin.Context, limit ratelimit.RateLimit, allowed bool, retryAfter time.Duration) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit.RequestsPerMinute))
	c.Header("X-RateLimit-Window", strconv.Itoa(int(limit.WindowSize.Seconds())))
	c.Header("X-RateLimit-Burst", strconv.Itoa(limit.BurstSize))

	if !allowed {
		c.Header("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
	}
}
