package handlers

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/justSteve/claude-flow/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// HandleWebSocket streams observability events to the client. An optional
// ?group= query filters to one group's events.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	if h.Sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event sink not configured"})
		return
	}
	groupFilter := c.Query("group")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("New WebSocket event subscriber (group=%q)", groupFilter)

	var closed atomic.Bool
	remove := h.Sink.AddListener(func(evt observability.Event) {
		if closed.Load() {
			return
		}
		if groupFilter != "" && evt.GroupID != groupFilter {
			return
		}
		if err := conn.WriteJSON(evt); err != nil {
			closed.Store(true)
		}
	})
	defer remove()

	// Keep connection alive and detect disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closed.Store(true)
			log.Printf("WebSocket connection closed: %v", err)
			return
		}
	}
}
