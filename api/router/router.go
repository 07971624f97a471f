package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nafabric/nafabric/api/handler"
	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/server"
	"github.com/nafabric/nafabric/pkg/logger"
)

// SetupRouter 设置路由
func SetupRouter(srv *server.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	mmcHandler := handler.NewMMCHandler(srv)
	processHandler := handler.NewProcessHandler(srv)
	portHandler := handler.NewPortHandler(srv)
	systemHandler := handler.NewSystemHandler(srv)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":   "nafabric",
			"status": "running",
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", systemHandler.Health)
		v1.GET("/errors", systemHandler.Errors)

		mmc := v1.Group("/mmc")
		{
			mmc.POST("", mmcHandler.Submit)
			mmc.GET("/:id", mmcHandler.Get)
		}

		processes := v1.Group("/processes")
		{
			processes.GET("", processHandler.List)
			processes.POST("", processHandler.Save)
			processes.POST("/:id/start", processHandler.Start)
			processes.POST("/:id/stop", processHandler.Stop)
		}

		ports := v1.Group("/ports")
		{
			ports.GET("", portHandler.List)
			ports.POST("", portHandler.Save)
			ports.POST("/:seq/open", portHandler.Open)
			ports.POST("/:seq/close", portHandler.Close)
		}

		rules := v1.Group("/rules")
		{
			rules.POST("/:rule_id/parsing", systemHandler.ParsingRuleDown)
			rules.POST("/:rule_id/mapping", systemHandler.MappingRuleDown)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"duration":   time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		if status >= 400 {
			entry.Warn("HTTP Error")
			return
		}
		entry.Info("HTTP Request")
	}
}
