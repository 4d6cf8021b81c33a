package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/services/apikey"
	"data_gateway/services/webhook"
)

// SourceAdmin is the source registry surface
type SourceAdmin interface {
	All() []models.Source
	SetEnabled(ctx context.Context, id uint, enabled bool) (models.Source, error)
	Reload(ctx context.Context) error
}

// KeyAdmin is the API key authority surface
type KeyAdmin interface {
	Issue(ctx context.Context, req apikey.IssueRequest) (models.APIKey, string, error)
	List(ctx context.Context) ([]models.APIKey, error)
	SetEnabled(ctx context.Context, keyCode string, enabled bool) error
}

// WebhookAdmin is the webhook dispatcher surface
type WebhookAdmin interface {
	Subscribe(ctx context.Context, req webhook.SubscriptionRequest) (models.WebhookSubscription, error)
	List(ctx context.Context) ([]models.WebhookSubscription, error)
	Unsubscribe(ctx context.Context, id uint) error
	Events(ctx context.Context, subscriptionID uint, limit int) ([]models.WebhookEvent, error)
}

// StatsAdmin is the request logger surface
type StatsAdmin interface {
	Stats(ctx context.Context, statDate string) ([]models.DailyStatistic, error)
	Rollup(ctx context.Context, day time.Time) ([]models.DailyStatistic, error)
}

// AdminController handles operator endpoints. All routes sit behind
// AdminAuthMiddleware.
type AdminController struct {
	sources  SourceAdmin
	health   HealthReporter
	keys     KeyAdmin
	webhooks WebhookAdmin
	stats    StatsAdmin
	now      func() time.Time
}

// NewAdminController creates a new admin controller
func NewAdminController(sources SourceAdmin, health HealthReporter, keys KeyAdmin, webhooks WebhookAdmin, stats StatsAdmin) *AdminController {
	return &AdminController{
		sources:  sources,
		health:   health,
		keys:     keys,
		webhooks: webhooks,
		stats:    stats,
		now:      time.Now,
	}
}

type sourceView struct {
	models.Source
	Health models.SourceHealth `json:"health"`
}

// ListSources returns every source with its health
// GET /api/v1/admin/sources
func (ac *AdminController) ListSources(c *gin.Context) {
	byID := make(map[uint]models.SourceHealth)
	for _, h := range ac.health.All() {
		byID[h.SourceID] = h
	}

	all := ac.sources.All()
	out := make([]sourceView, 0, len(all))
	for _, s := range all {
		h, ok := byID[s.ID]
		if !ok {
			h = models.SourceHealth{SourceID: s.ID, Status: models.HealthUnknown}
		}
		out = append(out, sourceView{Source: s, Health: h})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetSourceEnabled toggles a source
// PUT /api/v1/admin/sources/:id/enabled
func (ac *AdminController) SetSourceEnabled(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid source id"))
		return
	}
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("enabled is required"))
		return
	}

	src, err := ac.sources.SetEnabled(c.Request.Context(), uint(id), *req.Enabled)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": src})
}

// ReloadSources re-reads the registry from the database
// POST /api/v1/admin/sources/reload
func (ac *AdminController) ReloadSources(c *gin.Context) {
	if err := ac.sources.Reload(c.Request.Context()); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ac.sources.All())})
}

// IssueAPIKey creates a key. The secret is returned once.
// POST /api/v1/admin/api-keys
func (ac *AdminController) IssueAPIKey(c *gin.Context) {
	var req apikey.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid request body"))
		return
	}

	key, secret, err := ac.keys.Issue(c.Request.Context(), req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"data":       key,
		"key_secret": secret,
	})
}

// ListAPIKeys
// GET /api/v1/admin/api-keys
func (ac *AdminController) ListAPIKeys(c *gin.Context) {
	keys, err := ac.keys.List(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// SetAPIKeyEnabled
// PUT /api/v1/admin/api-keys/:code/enabled
func (ac *AdminController) SetAPIKeyEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("enabled is required"))
		return
	}
	if err := ac.keys.SetEnabled(c.Request.Context(), c.Param("code"), *req.Enabled); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_code": c.Param("code"), "enabled": *req.Enabled})
}

// CreateWebhook registers a subscription
// POST /api/v1/admin/webhooks
func (ac *AdminController) CreateWebhook(c *gin.Context) {
	var req webhook.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid request body"))
		return
	}

	sub, err := ac.webhooks.Subscribe(c.Request.Context(), req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

// ListWebhooks
// GET /api/v1/admin/webhooks
func (ac *AdminController) ListWebhooks(c *gin.Context) {
	subs, err := ac.webhooks.List(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subs})
}

// DeleteWebhook disables a subscription; its history is kept
// DELETE /api/v1/admin/webhooks/:id
func (ac *AdminController) DeleteWebhook(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid webhook id"))
		return
	}
	if err := ac.webhooks.Unsubscribe(c.Request.Context(), uint(id)); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "webhook disabled"})
}

// ListWebhookEvents returns delivery attempts, newest first
// GET /api/v1/admin/webhooks/:id/events
func (ac *AdminController) ListWebhookEvents(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid webhook id"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := ac.webhooks.Events(c.Request.Context(), uint(id), limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

// GetStats returns daily statistics, today by default
// GET /api/v1/admin/stats?date=2024-03-01
func (ac *AdminController) GetStats(c *gin.Context) {
	date := c.DefaultQuery("date", ac.now().UTC().Format("2006-01-02"))
	if _, err := time.Parse("2006-01-02", date); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("date must be YYYY-MM-DD"))
		return
	}

	stats, err := ac.stats.Stats(c.Request.Context(), date)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date": date,
		"data": stats,
	})
}

// RollupStats aggregates one day of request logs on demand
// POST /api/v1/admin/stats/rollup?date=2024-03-01
func (ac *AdminController) RollupStats(c *gin.Context) {
	day := ac.now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			middleware.AbortWithError(c, apperrors.InvalidRequest("date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	stats, err := ac.stats.Rollup(c.Request.Context(), day)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date": day.Format("2006-01-02"),
		"data": stats,
	})
}
