package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fortifai/core/internal/assets"
	"github.com/fortifai/core/internal/logging"
	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/relocate"
	"github.com/fortifai/core/internal/store"
)

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, assets.ErrUnknownAssetType),
		errors.Is(err, relocate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relocate.ErrInProgress),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, relocate.ErrSameVPC),
		errors.Is(err, relocate.ErrTerminated),
		errors.Is(err, relocate.ErrNoSubnet):
		return http.StatusBadRequest
	case errors.Is(err, relocate.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, message string, err error) {
	logger := logging.FromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error(message, "status", status, "error", err)
	} else {
		logger.Warn(message, "status", status, "error", err)
	}

	resp := models.ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

// bindJSON decodes and validates the request body into v.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := models.Validate(v); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request", err)
		return false
	}
	return true
}
