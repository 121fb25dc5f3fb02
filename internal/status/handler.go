// Package status serves local diagnostics for a running session process.
package status

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bellecare/streamclient/internal/session"
)

// SnapshotSource provides the current composed screen state.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// Handler exposes health and session snapshots.
type Handler struct {
	source SnapshotSource
}

// NewHandler creates the status handler for one session.
func NewHandler(source SnapshotSource) *Handler {
	return &Handler{source: source}
}

// Register mounts the status routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/session", h.session)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) session(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Snapshot())
}
