package http

import (
	"net/http"
	"time"

	"dronelink/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// PublishController is the part of the frame consumer the publisher API drives
type PublishController interface {
	GetStats() domain.StreamStats
	ResetStats()
	SetPublishRate(fps float64) error
	MinPublishInterval() time.Duration
}

type PublisherHandler struct {
	consumer PublishController
}

func NewPublisherHandler(consumer PublishController) *PublisherHandler {
	return &PublisherHandler{consumer: consumer}
}

func (h *PublisherHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/stats", h.GetStats)
		api.POST("/stats/reset", h.ResetStats)
		api.PUT("/publish-rate", h.SetPublishRate)
	}
}

func (h *PublisherHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":                   h.consumer.GetStats(),
		"min_publish_interval_ms": h.consumer.MinPublishInterval().Milliseconds(),
	})
}

func (h *PublisherHandler) ResetStats(c *gin.Context) {
	h.consumer.ResetStats()
	c.Status(http.StatusNoContent)
}

func (h *PublisherHandler) SetPublishRate(c *gin.Context) {
	var req struct {
		FPS float64 `json:"fps" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.consumer.SetPublishRate(req.FPS); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fps":                     req.FPS,
		"min_publish_interval_ms": h.consumer.MinPublishInterval().Milliseconds(),
	})
}
