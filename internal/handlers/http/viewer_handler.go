package http

import (
	"context"
	"net/http"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/services"

	"github.com/gin-gonic/gin"
)

// CallController manages peer links to remote endpoints
type CallController interface {
	StartCall(ctx context.Context, remoteID domain.ClientID) error
	SendOffer(ctx context.Context, remoteID domain.ClientID) error
	EndCall(remoteID domain.ClientID) error
	Links() []domain.PeerLinkInfo
}

// ProducerController tunes the frame producers
type ProducerController interface {
	AdjustPerformance(level domain.PerformanceLevel) domain.PerformanceLevel
	SetFrameRate(fps int) error
	Status() []services.ProducerStatus
	ResetStats()
}

// ViewerHandler exposes call control and producer tuning of the viewer.
type ViewerHandler struct {
	calls     CallController
	producers ProducerController
}

// NewViewerHandler creates the viewer control API
func NewViewerHandler(calls CallController, producers ProducerController) *ViewerHandler {
	return &ViewerHandler{
		calls:     calls,
		producers: producers,
	}
}

func (h *ViewerHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/calls", h.StartCall)
		api.GET("/calls", h.ListCalls)
		api.DELETE("/calls/:remote_id", h.EndCall)

		api.GET("/producers", h.ListProducers)
		api.PUT("/producers/performance", h.AdjustPerformance)
		api.PUT("/producers/frame-rate", h.SetFrameRate)
		api.POST("/producers/stats/reset", h.ResetStats)
	}
}

type callResponse struct {
	RemoteID       domain.ClientID `json:"remote_id"`
	State          string          `json:"state"`
	PipelineActive bool            `json:"pipeline_active"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StartCall creates the peer link and sends the offer.
func (h *ViewerHandler) StartCall(c *gin.Context) {
	var req struct {
		RemoteID domain.ClientID `json:"remote_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.calls.StartCall(ctx, req.RemoteID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.calls.SendOffer(ctx, req.RemoteID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"remote_id": req.RemoteID})
}

func (h *ViewerHandler) ListCalls(c *gin.Context) {
	links := h.calls.Links()
	out := make([]callResponse, 0, len(links))
	for _, l := range links {
		out = append(out, callResponse{
			RemoteID:       l.RemoteID,
			State:          l.State.String(),
			PipelineActive: l.PipelineActive,
			CreatedAt:      l.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h *ViewerHandler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(domain.ClientID(c.Param("remote_id"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ViewerHandler) ListProducers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"producers": h.producers.Status()})
}

func (h *ViewerHandler) AdjustPerformance(c *gin.Context) {
	var req struct {
		Level domain.PerformanceLevel `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	applied := h.producers.AdjustPerformance(req.Level)
	c.JSON(http.StatusOK, gin.H{"requested": req.Level, "applied": applied})
}

func (h *ViewerHandler) SetFrameRate(c *gin.Context) {
	var req struct {
		FPS int `json:"fps" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.producers.SetFrameRate(req.FPS); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fps": req.FPS})
}

func (h *ViewerHandler) ResetStats(c *gin.Context) {
	h.producers.ResetStats()
	c.Status(http.StatusNoContent)
}
