package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler mounts the realtime WebSocket endpoint.
type WebSocketHandler struct {
	ws http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler. The wrapped handler
// authenticates the upgrade itself since browsers cannot set headers on it.
func NewWebSocketHandler(ws http.Handler) *WebSocketHandler {
	return &WebSocketHandler{ws: ws}
}

// Connect handles GET /api/ws - upgrades to a realtime connection.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}
