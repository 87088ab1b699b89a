package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// loggerMiddleware logs every request once it has been served. Polling
// requests are logged at NOTICE so they stay out of the default output.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		args := []any{
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		}
		if method == http.MethodGet && path == "/progress" {
			plog.Notice("HTTP request", args...)
			return
		}
		plog.Info("HTTP request", args...)
	}
}

const (
	corsAllowMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"
	corsAllowHeaders = "Content-Type"
)

// corsMiddleware allows cross-origin requests from origin, or from any
// origin when it is empty, and answers preflight requests with 204.
func corsMiddleware(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
				h.Set("Access-Control-Allow-Headers", requested)
				h.Add("Vary", "Access-Control-Request-Headers")
			} else {
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			}
			h.Set("Content-Length", "0")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
