package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/services"
)

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	var (
		validationErr *services.ValidationError
		authErr       *clients.AuthError
		requestErr    *clients.RequestError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrPushInProgress):
		return http.StatusConflict
	case errors.Is(err, services.ErrCircuitOpen), errors.Is(err, services.ErrNoDestination):
		return http.StatusServiceUnavailable
	case errors.As(err, &authErr), errors.As(err, &requestErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": "..."} with the mapped status
func respondError(c *gin.Context, logger *logrus.Entry, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
