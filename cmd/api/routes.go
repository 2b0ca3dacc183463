package main

import (
	"database/sql"
	"net/http"
	"time"

	"messenger-platform/internal/calls"
	"messenger-platform/internal/httpapi"
	"messenger-platform/internal/ws"
	"messenger-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	db        *sql.DB
	authMW    gin.HandlerFunc
	api       httpapi.Handlers
	callAPI   calls.Handlers
	gateway   *ws.Gateway
	dbTimeout time.Duration
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, deps.dbTimeout); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/register", deps.api.Register)
		authGroup.POST("/login", deps.api.Login)
	}

	protected := v1.Group("")
	protected.Use(deps.authMW)
	{
		protected.GET("/me", deps.api.Me)
		protected.POST("/presence/appear-offline", deps.api.AppearOffline)

		// Event stream; doubles as the presence heartbeat.
		protected.GET("/ws", deps.gateway.Handle)

		convs := protected.Group("/conversations")
		{
			convs.POST("", deps.api.CreateConversation)
			convs.GET("/:conversation_id/active-call", deps.callAPI.ActiveCall)
		}

		callGroup := protected.Group("/calls")
		{
			callGroup.POST("", deps.callAPI.Initiate)
			callGroup.POST("/:call_id/answer", deps.callAPI.Answer)
			callGroup.POST("/:call_id/decline", deps.callAPI.Decline)
			callGroup.POST("/:call_id/end", deps.callAPI.End)
			callGroup.POST("/:call_id/signal", deps.callAPI.Signal)
		}
	}
}
