package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"credentials_service/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	accessCookie  = "token"
	sessionCookie = "session_token"
)

var errMalformedHeader = errors.New("malformed authorization header")

// extractToken reads the bearer header first and the access cookie second.
// present is true whenever the client sent something, well formed or not.
func extractToken(c *gin.Context) (token string, present bool, err error) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", true, errMalformedHeader
		}
		return strings.TrimSpace(parts[1]), true, nil
	}

	if cookie, err := c.Cookie(accessCookie); err == nil && cookie != "" {
		return cookie, true, nil
	}

	return "", false, nil
}

// RequireAuth rejects the request unless it carries a token that passes VerifyAccess.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.RequireAuth"

		token, present, err := extractToken(c)
		if !present || err != nil {
			newErrorResponse(c, http.StatusUnauthorized, auth.ErrAuthenticationRequired.Error())

			return
		}

		h.verify(c, op, token)
	}
}

// OptionalAuth lets anonymous requests through but still rejects a token
// that is present and invalid.
func (h *Handler) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.OptionalAuth"

		token, present, err := extractToken(c)
		if !present {
			c.Next()

			return
		}
		if err != nil {
			newErrorResponse(c, http.StatusUnauthorized, auth.ErrInvalidToken.Error())

			return
		}

		h.verify(c, op, token)
	}
}

func (h *Handler) verify(c *gin.Context, op, token string) {
	claims, err := h.serviceLayer.VerifyAccess(c.Request.Context(), token)
	if err != nil {
		h.log.Debug("access denied", slog.String("op", op), slog.String("reason", errorMessage(err)))

		respondError(c, err)

		return
	}

	c.Request = c.Request.WithContext(auth.WithClaims(c.Request.Context(), claims))

	c.Next()
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			newErrorResponse(c, http.StatusUnauthorized, auth.ErrAuthenticationRequired.Error())

			return
		}

		if claims.Role != role {
			newErrorResponse(c, http.StatusForbidden, "forbidden")

			return
		}

		c.Next()
	}
}

func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	return auth.ClaimsFrom(c.Request.Context())
}

// requestLogger logs one line per request without query strings or headers.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
