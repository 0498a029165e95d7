package handler

import (
	"errors"
	"net/http"

	"credentials_service/internal/auth"
	"credentials_service/internal/service"
	"credentials_service/internal/storage"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Message string `json:"message"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

var clientErrors = []struct {
	err    error
	status int
}{
	{service.ErrInvalidInput, http.StatusBadRequest},
	{auth.ErrConflict, http.StatusConflict},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrRevokedToken, http.StatusUnauthorized},
	{auth.ErrSessionExpired, http.StatusUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized},
	{auth.ErrAuthenticationRequired, http.StatusUnauthorized},
	{storage.ErrNotFound, http.StatusNotFound},
}

// errorStatus maps the error taxonomy to an HTTP status and a message that
// is safe to show to clients.
func errorStatus(err error) (int, string) {
	for _, ce := range clientErrors {
		if errors.Is(err, ce.err) {
			return ce.status, ce.err.Error()
		}
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return http.StatusInternalServerError, storage.ErrUnavailable.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func errorMessage(err error) string {
	_, msg := errorStatus(err)
	return msg
}

func respondError(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	newErrorResponse(c, status, msg)
}
