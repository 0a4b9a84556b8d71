package handler

import (
	"net/http"
	"time"

	"agent-session-sync/internal/config"
	"agent-session-sync/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter 开发后端的全部路由
func NewRouter(cfg *config.Config, h *SessionHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:session_id", h.GetSession)
			sessions.GET("/:session_id/messages", h.GetMessages)
			sessions.POST("/:session_id/messages", h.SendMessage)
			sessions.GET("/:session_id/runs", h.GetRuns)
			sessions.POST("/:session_id/cancel", h.CancelSession)
			sessions.GET("/:session_id/user-input", h.ListUserInput)
			sessions.POST("/:session_id/user-input", h.RaiseUserInput)
			sessions.POST("/:session_id/user-input/:request_id", h.AnswerUserInput)
			sessions.GET("/:session_id/files", h.GetFiles)
			sessions.GET("/:session_id/ws", h.Channel)
			sessions.GET("/:session_id/events", h.Events)
		}
	}

	return router
}

// requestLogger 用项目 logger 记录访问日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request handled")
	}
}
