// Package api exposes the curation engine over HTTP for the display
// frontend and local tooling.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/engine"
	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/internal/stats"
	"github.com/skylimit/curator/pkg/logging"
)

// Router sets up API routes
type Router struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(eng *engine.Engine) *Router {
	return &Router{
		engine: eng,
		logger: logging.WithComponent("api-router"),
	}
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(g *gin.Engine) {
	g.GET("/health", r.healthHandler)

	g.GET("/feed", r.getFeed)
	g.GET("/feed/new-count", r.getNewCount)
	g.POST("/feed/refresh", r.refreshFeed)

	g.PUT("/follows/:username", r.saveFollow)
	g.DELETE("/follows/:username", r.deleteFollow)
	g.POST("/follows/:username/amp-up", r.ampUp)
	g.POST("/follows/:username/amp-down", r.ampDown)

	g.POST("/stats/recompute", r.recompute)
	g.POST("/editions/flush", r.flushEditions)
	g.POST("/caches/clear", r.clearCaches)
	g.POST("/settings/boost", r.setBoost)
}

func (r *Router) healthHandler(c *gin.Context) {
	if err := r.engine.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "OK",
		"service": "curator",
	})
}

// getFeed returns one display page older than the "before" timestamp,
// newest first
func (r *Router) getFeed(c *gin.Context) {
	before, err := parseTime(c.Query("before"), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	page, err := r.engine.GetDisplayPage(c.Request.Context(), before, limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": page, "count": len(page)})
}

// getNewCount reports how many shown posts are newer than "after" and
// whether they fill a page
func (r *Router) getNewCount(c *gin.Context) {
	after, err := parseTime(c.Query("after"), time.Time{})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after timestamp"})
		return
	}
	res, err := r.engine.GetNewPostsCount(c.Request.Context(), after)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// refreshFeed triggers an immediate ingest; 503 while the source is
// rate limited
func (r *Router) refreshFeed(c *gin.Context) {
	if err := r.engine.RefreshNow(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
}

// saveFollow upserts an account's curation knobs
func (r *Router) saveFollow(c *gin.Context) {
	var body struct {
		DID            string  `json:"did"`
		AmpFactor      float64 `json:"amp_factor"`
		Topics         string  `json:"topics"`
		Timezone       string  `json:"timezone"`
		EditionSection string  `json:"edition_section"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	follow := &models.FollowInfo{
		Username:       c.Param("username"),
		DID:            body.DID,
		AmpFactor:      body.AmpFactor,
		Topics:         body.Topics,
		Timezone:       body.Timezone,
		EditionSection: body.EditionSection,
	}
	if err := r.engine.SaveFollow(c.Request.Context(), follow); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": follow.Username, "amp_factor": follow.AmpFactor})
}

func (r *Router) deleteFollow(c *gin.Context) {
	if err := r.engine.DeleteFollow(c.Request.Context(), c.Param("username")); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (r *Router) ampUp(c *gin.Context) {
	r.adjustAmp(c, r.engine.AmpUp)
}

func (r *Router) ampDown(c *gin.Context) {
	r.adjustAmp(c, r.engine.AmpDown)
}

func (r *Router) adjustAmp(c *gin.Context, fn func(ctx context.Context, username string) (float64, error)) {
	username := c.Param("username")
	amp, err := fn(c.Request.Context(), username)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "amp_factor": amp})
}

func (r *Router) recompute(c *gin.Context) {
	gstats, filter, err := r.engine.RecomputeStatistics(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"skylimit":  gstats.SkylimitNumber,
		"intervals": gstats.IntervalCount,
		"sparse":    gstats.SparseIntervals,
		"users":     len(filter),
	})
}

func (r *Router) flushEditions(c *gin.Context) {
	if err := r.engine.FlushEditions(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func (r *Router) clearCaches(c *gin.Context) {
	if err := r.engine.ClearAllCaches(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (r *Router) setBoost(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := r.engine.SetBoost(c.Request.Context(), body.Enabled); err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"boost_amplification": body.Enabled})
}

// fail maps engine errors onto HTTP status codes
func (r *Router) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownAccount):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, stats.ErrInsufficientData):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrRateLimited):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		r.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// parseTime accepts RFC 3339 or unix milliseconds; empty falls back
func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
