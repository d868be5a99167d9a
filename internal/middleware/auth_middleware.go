package middleware

import (
	"context"
	"net/http"
	"strings"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type AccessClaims struct {
	UserID     string `json:"sub"`
	IsOperator bool   `json:"op,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates the bearer token issued by the platform's
// auth service and stashes the caller identity in the request context.
func AuthMiddleware(jwtSecret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseAccessToken(extractBearer(c), jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", keyrelay_errors.CodeUnauthorized))
			c.Abort()
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", keyrelay_errors.CodeUnauthorized))
			c.Abort()
			return
		}

		ctx := services.WithUserContext(c.Request.Context(), userID, claims.IsOperator)
		ctx = context.WithValue(ctx, logger.UserIdKey, userID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func parseAccessToken(tokenString string, secret []byte) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, keyrelay_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, keyrelay_errors.ErrUnauthorized
		}
		return secret, nil
	})
	if err != nil {
		return AccessClaims{}, keyrelay_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, keyrelay_errors.ErrUnauthorized
	}

	return *claims, nil
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
