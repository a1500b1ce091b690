package http

import (
	"errors"
	"net/http"

	"dronelink/internal/core/domain"
	apperrors "dronelink/pkg/errors"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrPeerLinkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": string(apperrors.ErrCodeNotFound), "message": err.Error()})
	case errors.Is(err, domain.ErrInvalidRemoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": string(apperrors.ErrCodeInvalidInput), "message": err.Error()})
	default:
		if appErr := apperrors.GetAppError(err); appErr != nil {
			c.JSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(apperrors.ErrCodeInternal), "message": err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(apperrors.ErrCodeInvalidInput), "message": err.Error()})
}
