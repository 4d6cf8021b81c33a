package routes

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"data_gateway/controllers"
	"data_gateway/metrics"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/services/requestlog"
)

// KeyService validates and administers API keys
type KeyService interface {
	middleware.KeyValidator
	controllers.KeyAdmin
}

// WebSocketHandler upgrades and serves a streaming connection
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HandleMarket(w http.ResponseWriter, r *http.Request, market string)
	HandleSymbols(w http.ResponseWriter, r *http.Request, market string, symbols []string)
}

// Dependencies are the services the HTTP surface is built on
type Dependencies struct {
	Market   controllers.MarketData
	Sync     controllers.SyncTasks
	Sources  controllers.SourceAdmin
	Health   controllers.HealthReporter
	Keys     KeyService
	Webhooks controllers.WebhookAdmin
	Stats    controllers.StatsAdmin
	Jobs     controllers.SchedulerAdmin
	Log      requestlog.Sink
	Limiter  middleware.Allower
	Realtime WebSocketHandler
	DB       controllers.Pinger

	AdminJWTSecret     string
	RequireAPIKey      bool
	RateLimitPerMinute int
	RateLimitPerHour   int
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(middleware.RequestLogMiddleware(deps.Log))

	// Initialize controllers
	marketController := controllers.NewMarketController(deps.Market)
	syncController := controllers.NewSyncController(deps.Sync)
	healthController := controllers.NewHealthController(deps.Health, deps.DB)
	adminController := controllers.NewAdminController(deps.Sources, deps.Health, deps.Keys, deps.Webhooks, deps.Stats)
	schedulerController := controllers.NewSchedulerController(deps.Jobs, deps.Sync)

	keyed := []gin.HandlerFunc{
		middleware.APIKeyMiddleware(deps.Keys, deps.RequireAPIKey),
		middleware.RateLimitMiddleware(deps.Limiter, deps.RateLimitPerMinute, deps.RateLimitPerHour),
	}

	// API v1 group
	api := router.Group("/api/v1")
	{
		public := api.Group("", keyed...)
		{
			public.POST("/quote", marketController.GetQuote)
			public.GET("/kline", marketController.GetKline)
			public.GET("/fundamentals", marketController.GetFundamentals)
			public.GET("/money-flow/:symbol", marketController.GetMoneyFlow)
			public.GET("/sectors/:type", marketController.GetSectors)
			public.GET("/supported-markets", marketController.GetSupportedMarkets)
		}

		// Sync task routes
		sync := api.Group("/sync/tasks", keyed...)
		{
			sync.POST("", middleware.RequireAPIKey(), syncController.CreateTask)
			sync.GET("", syncController.ListTasks)
			sync.GET("/:id", syncController.GetTask)
			sync.POST("/:id/cancel", middleware.RequireAPIKey(), syncController.CancelTask)
		}

		admin := api.Group("/admin", middleware.AdminAuthMiddleware(deps.AdminJWTSecret))
		{
			admin.GET("/sources", adminController.ListSources)
			admin.PUT("/sources/:id/enabled", adminController.SetSourceEnabled)
			admin.POST("/sources/reload", adminController.ReloadSources)

			admin.POST("/api-keys", adminController.IssueAPIKey)
			admin.GET("/api-keys", adminController.ListAPIKeys)
			admin.PUT("/api-keys/:code/enabled", adminController.SetAPIKeyEnabled)

			admin.POST("/webhooks", adminController.CreateWebhook)
			admin.GET("/webhooks", adminController.ListWebhooks)
			admin.DELETE("/webhooks/:id", adminController.DeleteWebhook)
			admin.GET("/webhooks/:id/events", adminController.ListWebhookEvents)

			admin.GET("/stats", adminController.GetStats)
			admin.POST("/stats/rollup", adminController.RollupStats)

			admin.GET("/sync/active", schedulerController.GetActiveTask)
			if deps.Jobs != nil {
				admin.GET("/scheduler/status", schedulerController.GetStatus)
				admin.POST("/scheduler/trigger", schedulerController.Trigger)
			}
		}
	}

	if deps.Realtime != nil {
		ws := router.Group("/ws", keyed...)
		ws.GET("/quotes", func(c *gin.Context) {
			deps.Realtime.HandleWebSocket(c.Writer, c.Request)
		})
		ws.GET("/market/:market", func(c *gin.Context) {
			deps.Realtime.HandleMarket(c.Writer, c.Request, c.Param("market"))
		})
		ws.GET("/symbols", func(c *gin.Context) {
			market := c.DefaultQuery("market", models.MarketCNA)
			deps.Realtime.HandleSymbols(c.Writer, c.Request, market, strings.Split(c.Query("symbols"), ","))
		})
	}

	// Health checks
	router.GET("/health", healthController.Health)
	router.GET("/ready", healthController.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Data Gateway",
		})
	})
}
