package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter builds the gin engine with every route and middleware.
func SetupRouter(handlers *Handlers, origins *OriginPolicy, production bool, logger *zap.Logger) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(MetricsMiddleware())
	r.Use(CORS(origins))

	r.GET("/health", handlers.Health)
	r.GET("/online-users", handlers.OnlineUsers)
	r.GET("/metrics", MetricsHandler())
	r.GET("/ws", handlers.WebSocket)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})

	return r
}
