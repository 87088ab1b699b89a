package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paulschiretz/pgl-backupd/pkg/engine"
	"github.com/paulschiretz/pgl-backupd/pkg/plog"
	"github.com/paulschiretz/pgl-backupd/pkg/preflight"
)

// createBackup handles POST /backup.
func (s *Server) createBackup(c *gin.Context) {
	var req engine.BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := s.service.HandleBackupRequest(c.Request.Context(), req)
	if err != nil {
		status, msg := classify(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, res)
}

// classify maps a service error to a status code and client message.
func classify(err error) (int, string) {
	switch {
	case preflight.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrInvocationFailed):
		return http.StatusInternalServerError, err.Error()
	case errors.Is(err, engine.ErrServiceClosed):
		return http.StatusServiceUnavailable, err.Error()
	default:
		plog.Error("Unexpected backup error", "error", err)
		return http.StatusInternalServerError, internalErrorMessage
	}
}

// getProgress handles GET /progress.
func (s *Server) getProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.HandleProgressRequest())
}

// getStatus handles GET /backup/status.
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

// staticOrNotFound serves files below dir for GET and HEAD requests and
// answers everything else with a JSON 404.
func staticOrNotFound(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if dir != "" && (c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead) {
			if file, ok := staticFile(dir, c.Request.URL.Path); ok {
				c.File(file)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	}
}

// staticFile maps a request path onto a regular file below dir. A path
// ending in a slash maps to its index.html.
func staticFile(dir, urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") {
		clean = path.Join(clean, "index.html")
	}
	file := filepath.Join(dir, filepath.FromSlash(clean))
	info, err := os.Stat(file)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return file, true
}
