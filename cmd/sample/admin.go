package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminServer builds the admin HTTP server exposing health, pool
// stats, and Prometheus metrics.
func newAdminServer(app *application, listen string) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/stats", func(c *gin.Context) {
		stats := app.poolStats()
		c.JSON(http.StatusOK, gin.H{
			"pool":            stats.Name,
			"open":            stats.Open,
			"idle":            stats.Idle,
			"max_connections": stats.MaxConnections,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
