// Package httpapi exposes the backup service over HTTP.
//
// Every response body is JSON. Errors are reported as {"error": "..."}.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/jobtracker"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
)

// internalErrorMessage is the body text of every unclassified 500 response.
const internalErrorMessage = "Internal Server Error"

// BackupService is the part of engine.Service the HTTP surface uses.
type BackupService interface {
	HandleBackupRequest(ctx context.Context, req engine.BackupRequest) (engine.Result, error)
	HandleProgressRequest() jobtracker.Snapshot
	Status() jobtracker.Job
}

// Options configures the router.
type Options struct {
	// StaticDir is served for requests no route matches. Empty disables it.
	StaticDir string
	// CORSOrigin is the allowed origin. Empty allows any origin.
	CORSOrigin string
	// Mode is the gin mode. Empty selects release mode.
	Mode string
}

// Server holds the HTTP handlers.
type Server struct {
	service BackupService
	opts    Options
}

// NewServer creates a Server for service.
func NewServer(service BackupService, opts Options) *Server {
	return &Server{service: service, opts: opts}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	mode := s.opts.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.CustomRecoveryWithWriter(io.Discard, recoveryHandler))
	r.Use(loggerMiddleware())
	r.Use(corsMiddleware(s.opts.CORSOrigin))

	r.POST("/backup", s.createBackup)
	r.GET("/progress", s.getProgress)
	r.GET("/backup/status", s.getStatus)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.NoRoute(staticOrNotFound(s.opts.StaticDir))
	return r
}

func recoveryHandler(c *gin.Context, recovered any) {
	plog.Error("Recovered from panic", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", recovered)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
}
