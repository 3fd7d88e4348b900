package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/timmy/nutrify/internal/logger"
)

const (
	userIDKey         = "user_id"
	defaultUserHeader = "X-User-ID"
	maxUserIDLength   = 64
)

// IdentityConfig selects how the caller is identified.
type IdentityConfig struct {
	// JWTSecret enables HS256 bearer tokens; the user is the "sub" claim.
	JWTSecret string
	// UserHeader is trusted when no secret is configured, for deployments
	// behind a host application that authenticates users itself.
	UserHeader string
}

// Identity resolves the authenticated user or aborts with 401.
func Identity(cfg IdentityConfig) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)
	header := cfg.UserHeader
	if header == "" {
		header = defaultUserHeader
	}

	return func(c *gin.Context) {
		var userID string
		if len(secret) > 0 {
			authHeader := c.GetHeader("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(c, "bearer token required")
				return
			}
			var claims jwt.RegisteredClaims
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(authHeader, "Bearer "), &claims,
				func(*jwt.Token) (interface{}, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			)
			if err != nil || !token.Valid {
				logger.CtxDebug(c.Request.Context(), "Rejected token: %v", err)
				unauthorized(c, "invalid token")
				return
			}
			userID = claims.Subject
		} else {
			userID = strings.TrimSpace(c.GetHeader(header))
		}

		if userID == "" || len(userID) > maxUserIDLength {
			unauthorized(c, "user identity required")
			return
		}

		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(logger.SetUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// UserID returns the user resolved by Identity, or "".
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"kind":      "unauthenticated",
			"category":  "auth",
			"message":   msg,
			"retryable": false,
		},
	})
}
