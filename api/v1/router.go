package v1

import (
	"github.com/gin-gonic/gin"

	"queenbee/api/v1/agents"
	authapi "queenbee/api/v1/auth"
	"queenbee/api/v1/middleware"
	"queenbee/api/v1/tasks"
	"queenbee/api/v1/terminal"
	"queenbee/internal/auth"
	"queenbee/internal/config"
	"queenbee/internal/httpx"
	"queenbee/internal/server"
	"queenbee/internal/ws"
)

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, cfg *config.Config, core *server.Core, verifier *auth.Verifier, hub *ws.Hub) {
	// Socket.IO dashboard push (JWT checked during handshake)
	if hub != nil {
		r.Any("/socket.io/*any", gin.WrapH(hub.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)
		v1.POST("/auth/login", authapi.LoginHandler(core.DB(), verifier, cfg))

		// Terminal WebSocket: browsers cannot set headers, token rides the
		// query string
		terminalHandler := terminal.NewHandler(core)
		v1.GET("/terminal/connect/:agent_id", middleware.TokenFromQuery(verifier), terminalHandler.Connect)

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(verifier))
		{
			protected.GET("/me", meHandler)

			agentsHandler := agents.NewHandler(core)
			agentsGroup := protected.Group("/agents")
			{
				agentsGroup.GET("", agentsHandler.List)
				agentsGroup.GET("/:agent_id", agentsHandler.Detail)
				agentsGroup.GET("/:agent_id/tasks", agentsHandler.Tasks)
				agentsGroup.POST("/:agent_id/restart", agentsHandler.Restart)
				agentsGroup.POST("/:agent_id/restart-host", agentsHandler.RestartHost)
				agentsGroup.POST("/:agent_id/update", agentsHandler.Update)
				agentsGroup.POST("/batch", agentsHandler.Batch)
				agentsGroup.POST("/cleanup-offline", agentsHandler.CleanupOffline)
			}

			tasksHandler := tasks.NewHandler(core)
			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.POST("", tasksHandler.Create)
				tasksGroup.POST("/run", tasksHandler.Run)
				tasksGroup.GET("/:task_id", tasksHandler.Get)
				tasksGroup.POST("/:task_id/cancel", tasksHandler.Cancel)
				tasksGroup.POST("/:task_id/retry", tasksHandler.Retry)
			}

			terminalGroup := protected.Group("/terminal")
			{
				terminalGroup.GET("/sessions", terminalHandler.List)
				terminalGroup.POST("/sessions/:session_id/close", terminalHandler.Close)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current user information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"role":     role,
	})
}
