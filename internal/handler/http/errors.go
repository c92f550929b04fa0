package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/service"
)

// HandleServiceError 把服务层错误映射为 HTTP 状态码
func HandleServiceError(c *gin.Context, err error) {
	kind := domain.ErrorKind(err)
	switch {
	case errors.Is(err, service.ErrInvalidTicket):
		ErrorResponse(c, http.StatusUnauthorized, "invalid_ticket", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, kind, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		ErrorResponse(c, http.StatusBadRequest, kind, err.Error())
	case errors.Is(err, domain.ErrTransportUnavailable):
		logrus.WithError(err).Warn("Realtime transport unavailable")
		ErrorResponse(c, http.StatusServiceUnavailable, kind, "Realtime service temporarily unavailable")
	case errors.Is(err, domain.ErrPersistenceFailure), errors.Is(err, service.ErrCodeSpaceExhausted):
		// 可重试
		logrus.WithError(err).Error("Storage rejected the request")
		ErrorResponse(c, http.StatusServiceUnavailable, "persistence_failure", "Storage temporarily unavailable, please retry")
	default:
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "internal", "An unexpected error occurred")
	}
}
