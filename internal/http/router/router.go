package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/conductor/internal/http/handler"
)

type Handlers struct {
	Health       *handler.HealthHandler
	Jobs         *handler.JobHandler
	StatusStream *handler.StatusStreamHandler
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health", h.Health.Health)

	v1 := router.Group("/api/v1")
	{
		JobRouter(v1.Group("/jobs"), h.Jobs, h.StatusStream)
	}
}

func JobRouter(rg *gin.RouterGroup, jobs *handler.JobHandler, stream *handler.StatusStreamHandler) {
	rg.POST("", jobs.Submit)
	rg.GET("/:id", jobs.Get)
	rg.GET("/:id/status", jobs.Status)
	if stream != nil {
		rg.GET("/:id/stream", stream.Stream)
	}
}
