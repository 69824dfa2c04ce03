package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const principalKey = "principal"

// Middleware rejects requests without a valid bearer token and stores the
// authenticated principal on the gin context.
func Middleware(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			// Browsers cannot set headers on websocket upgrades.
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error(), "code": "unauthenticated"})
			return
		}
		principal, err := ParseToken(secret, raw)
		if err != nil {
			logger.Debug("Rejected token", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error(), "code": "unauthenticated"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the caller set by Middleware.
func PrincipalFrom(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return uuid.Nil, false
	}
	p, ok := v.(uuid.UUID)
	return p, ok && p != uuid.Nil
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
