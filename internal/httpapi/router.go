// Package httpapi exposes sync triggers, sync status and local event CRUD
// over HTTP.
package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(h *Handler, apiToken string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(bearerAuth(apiToken))
	{
		v1.POST("/network/restored", h.NetworkRestored)
		v1.GET("/sessions", h.Sessions)

		acc := v1.Group("/accounts/:account")
		acc.POST("/sync", h.TriggerSync)
		acc.GET("/sync/status", h.SyncStatus)
		acc.POST("/connect", h.Connect)
		acc.POST("/disconnect", h.Disconnect)
		acc.GET("/events", h.ListEvents)
		acc.POST("/events", h.CreateEvent)
		acc.PUT("/events/:id", h.UpdateEvent)
		acc.DELETE("/events/:id", h.DeleteEvent)
	}
	return r
}
