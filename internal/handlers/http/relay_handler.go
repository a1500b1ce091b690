package http

import (
	"net/http"

	"dronelink/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// ClientDirectory lists the endpoints registered with the relay.
type ClientDirectory interface {
	Count() int
	IDs() []domain.ClientID
}

type RelayHandler struct {
	clients ClientDirectory
}

func NewRelayHandler(clients ClientDirectory) *RelayHandler {
	return &RelayHandler{clients: clients}
}

// SetupRoutes mounts the relay admin API. The router passed in is expected
// to carry the auth middleware, since the listing hands out call targets.
func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/clients", h.ListClients)
	}
}

func (h *RelayHandler) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": h.clients.Count(),
		"ids":       h.clients.IDs(),
	})
}
