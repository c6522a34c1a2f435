package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/presence"
)

// PresenceReader is the read-only registry view served over HTTP.
type PresenceReader interface {
	OnlineUsers() []string
	OnlineCount() int
	Statuses() map[string]presence.StatusRecord
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	OnlineCount int    `json:"onlineCount"`
}

// OnlineUsersResponse is the body of GET /online-users.
type OnlineUsersResponse struct {
	OnlineUsers  []string                         `json:"onlineUsers"`
	UserStatuses map[string]presence.StatusRecord `json:"userStatuses"`
}

// Handlers serves the WebSocket endpoint and the operator endpoints.
type Handlers struct {
	hub      *Hub
	presence PresenceReader
	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandlers creates the HTTP handlers. Upgrades are checked against origins.
func NewHandlers(hub *Hub, reader PresenceReader, origins *OriginPolicy, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		hub:      hub,
		presence: reader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin(logger),
		},
		logger: logger,
		now:    time.Now,
	}
}

// WebSocket upgrades the request and hands the connection to the hub, which
// starts its pumps.
func (h *Handlers) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		h.logger.Debug("WebSocket upgrade failed",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	client := NewClient(conn, h.hub, c.Request.RemoteAddr)
	if !h.hub.Register(client) {
		_ = conn.Close()
	}
}

// Health reports liveness and the number of online users.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Timestamp:   h.now().UTC().Format(time.RFC3339),
		OnlineCount: h.presence.OnlineCount(),
	})
}

// OnlineUsers lists the online users and every known status record.
func (h *Handlers) OnlineUsers(c *gin.Context) {
	online := h.presence.OnlineUsers()
	if online == nil {
		online = []string{}
	}
	c.JSON(http.StatusOK, OnlineUsersResponse{
		OnlineUsers:  online,
		UserStatuses: h.presence.Statuses(),
	})
}
