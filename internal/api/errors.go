package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/otp"
)

// statusFor maps the error taxonomy onto HTTP. Messages for 5xx responses
// are fixed strings; 4xx responses carry the sentinel text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusInternalServerError, "integrity check failed"
	case errors.Is(err, domain.ErrStorage):
		return http.StatusServiceUnavailable, "storage unavailable"
	case errors.Is(err, domain.ErrSchedulingConflict):
		return http.StatusConflict, "doctor busy"
	case errors.Is(err, otp.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, otp.ErrInvalidPhone):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
