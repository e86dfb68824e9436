package middleware

import (
	"strings"

	"transport-backend/internal/models"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/jwt"
	"transport-backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const callerKey = "caller"

// AuthMiddleware validates the bearer token and stores the caller on the
// context. Browsers cannot set headers on a websocket upgrade, so a "token"
// query parameter is accepted as well.
func AuthMiddleware(jwtUtil *jwt.JWTUtil, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := BearerToken(c)
		if tokenString == "" {
			utils.ErrorResponse(c, apperrors.New(apperrors.CodeUnauthorized, "authorization token required"))
			return
		}

		claims, err := jwtUtil.ValidateToken(tokenString)
		if err != nil {
			log.WithError(err).WithField("path", c.FullPath()).Debug("token rejected")
			utils.ErrorResponse(c, apperrors.Wrap(apperrors.CodeUnauthorized, err, "invalid or expired token"))
			return
		}

		caller := claims.Caller()
		c.Set(callerKey, caller)
		c.Set("user_id", caller.UserID)
		c.Set("role", string(caller.Role))
		c.Next()
	}
}

// BearerToken extracts the token from the Authorization header, with or
// without the "Bearer " prefix, or from the token query parameter.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}

// RequireRoles rejects callers whose role is not listed.
func RequireRoles(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			utils.ErrorResponse(c, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
			return
		}
		for _, role := range roles {
			if caller.Role == role {
				c.Next()
				return
			}
		}
		utils.ErrorResponse(c, apperrors.Newf(apperrors.CodeForbidden, "role %q may not access this resource", caller.Role))
	}
}

func CallerFrom(c *gin.Context) (models.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return models.Caller{}, false
	}
	caller, ok := v.(models.Caller)
	return caller, ok
}

// SetCaller is used by tests and by handlers that authenticate outside the
// middleware chain.
func SetCaller(c *gin.Context, caller models.Caller) {
	c.Set(callerKey, caller)
}
