package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tasker-run/tasker/internal/httpapi/handlers"
	"github.com/tasker-run/tasker/internal/httpapi/middleware"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// RouterConfig wires the handler set into one gin.Engine.
type RouterConfig struct {
	TaskHandler   *handlers.TaskHandler
	DLQHandler    *handlers.DLQHandler
	HealthHandler *handlers.HealthHandler

	CORSAllowOrigins []string
	Log              *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("tasker"))
	r.Use(middleware.AttachTraceContext())
	if len(cfg.CORSAllowOrigins) > 0 {
		r.Use(middleware.CORS(cfg.CORSAllowOrigins))
	}
	if cfg.Log != nil {
		r.Use(middleware.RequestLogger(cfg.Log))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		if cfg.TaskHandler != nil {
			api.POST("/tasks", cfg.TaskHandler.Submit)
			api.GET("/tasks/:id", cfg.TaskHandler.Get)
			api.POST("/tasks/:id/cancel", cfg.TaskHandler.Cancel)
		}
		if cfg.DLQHandler != nil {
			api.GET("/dlq", cfg.DLQHandler.List)
			api.GET("/dlq/:id", cfg.DLQHandler.Get)
			api.POST("/dlq/:id/resolve", cfg.DLQHandler.Resolve)
		}
	}

	return r
}
