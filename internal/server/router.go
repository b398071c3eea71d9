// Package server exposes the auto-sync control API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"calsync/internal/models"
	"calsync/internal/syncer"
)

const (
	defaultDeletionHours = 24
	maxDeletionHours     = 24 * 31
)

var (
	errMissingController  = errors.New("sync controller dependency required")
	errMissingDeletionLog = errors.New("deletion log dependency required")
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Start(ctx context.Context) syncer.Status
	Stop() syncer.Status
	RunCycleNow(ctx context.Context) (*syncer.CycleReport, error)
	Status() syncer.Status
}

// DeletionLog lists deletions recorded by reconciliation.
type DeletionLog interface {
	RecentTombstones(ctx context.Context, since time.Time) ([]models.Tombstone, error)
}

type Dependencies struct {
	Controller Controller
	Deletions  DeletionLog
	Logger     *slog.Logger
	// Context bounds schedules started through the API; it outlives any single request.
	Context     context.Context
	Clock       func() time.Time
	CORSOrigins []string
}

// NewHTTPHandler builds the gin router for the control API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Controller == nil {
		return nil, errMissingController
	}
	if deps.Deletions == nil {
		return nil, errMissingDeletionLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		controller: deps.Controller,
		deletions:  deps.Deletions,
		logger:     logger,
		baseCtx:    baseCtx,
		clock:      clock,
	}

	group := router.Group("/api/auto-sync")
	group.GET("/status", handler.handleStatus)
	group.POST("/start", handler.handleStart)
	group.POST("/stop", handler.handleStop)
	group.POST("/sync-now", handler.handleSyncNow)
	group.GET("/deletions", handler.handleDeletions)

	return router, nil
}

type httpHandler struct {
	controller Controller
	deletions  DeletionLog
	logger     *slog.Logger
	baseCtx    context.Context
	clock      func() time.Time
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Status())
}

func (h *httpHandler) handleStart(c *gin.Context) {
	status := h.controller.Start(h.baseCtx)
	c.JSON(http.StatusOK, gin.H{"message": "auto-sync started", "status": status})
}

func (h *httpHandler) handleStop(c *gin.Context) {
	status := h.controller.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "auto-sync stopped", "status": status})
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	report, err := h.controller.RunCycleNow(c.Request.Context())
	if err != nil {
		h.logger.Error("Manual sync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "detail": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sync completed", "report": report})
}

type deletionPayload struct {
	Provider   models.Provider `json:"provider"`
	ExternalID string          `json:"external_id"`
	EventID    string          `json:"event_id"`
	Subject    string          `json:"subject"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Origin     bool            `json:"origin"`
	Propagated bool            `json:"propagated"`
	DeletedAt  time.Time       `json:"deleted_at"`
}

func (h *httpHandler) handleDeletions(c *gin.Context) {
	hours := defaultDeletionHours
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxDeletionHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hours"})
			return
		}
		hours = parsed
	}

	since := h.clock().Add(-time.Duration(hours) * time.Hour)
	tombs, err := h.deletions.RecentTombstones(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("Failed to list deletions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deletions_unavailable"})
		return
	}

	payload := make([]deletionPayload, 0, len(tombs))
	for _, tomb := range tombs {
		payload = append(payload, deletionPayload{
			Provider:   tomb.Provider,
			ExternalID: tomb.ExternalID,
			EventID:    tomb.EventID,
			Subject:    tomb.Subject,
			StartTime:  tomb.StartTime,
			EndTime:    tomb.EndTime,
			Origin:     tomb.Origin,
			Propagated: tomb.Propagated,
			DeletedAt:  tomb.DeletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "count": len(payload), "deletions": payload})
}
