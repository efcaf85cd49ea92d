package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the station's HTTP router
func NewRouter(h *Handlers, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(logger))

	router.GET("/health", h.HealthCheck)

	api := router.Group("/api/v1")
	api.GET("/vouchers/:code", h.GetVoucher)
	api.GET("/audit", h.Audit)
	api.GET("/stats/today", h.StatsToday)

	// Transitions require an identified actor; authentication itself is
	// an upstream collaborator's job.
	mutating := api.Group("")
	mutating.Use(requireIdentity())
	mutating.POST("/vouchers", h.Issue)
	mutating.POST("/vouchers/redeem", h.Redeem)
	mutating.POST("/vouchers/:code/cancel", h.Cancel)
	mutating.POST("/sync", h.ForceSync)

	return router
}

// requireIdentity rejects transition calls without actor and station
// identification, since every transition must be attributable.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Actor-ID") == "" || c.GetHeader("X-Station-ID") == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, Response{
				Error: "X-Actor-ID and X-Station-ID headers are required",
			})
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
