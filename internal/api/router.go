package api

import (
	"github.com/gin-gonic/gin"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/engine"
)

// SetupRoutes configures the session API routes
func SetupRoutes(router *gin.RouterGroup, eng *engine.Engine, log *logger.Logger) {
	handler := NewHandler(eng, log)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.CloseSession)

		// Command sub-resources
		sessions.POST("/:sessionId/commands", handler.RunCommand)
		sessions.GET("/:sessionId/commands", handler.ListCommands)
		sessions.GET("/:sessionId/commands/:commandId", handler.ReadCommandResult)
		sessions.POST("/:sessionId/commands/:commandId/cancel", handler.CancelCommand)
	}
}

// NewRouter builds the full gin engine with middleware, health endpoint, and
// the versioned API.
func NewRouter(eng *engine.Engine, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	handler := NewHandler(eng, log)
	router.GET("/health", handler.Health)

	SetupRoutes(router.Group("/api/v1"), eng, log)
	return router
}
