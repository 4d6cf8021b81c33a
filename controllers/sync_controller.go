package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/logger"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/services/synctask"
)

// SyncTasks is the sync task manager surface
type SyncTasks interface {
	Create(ctx context.Context, req synctask.Request) (*models.SyncTask, error)
	Start(ctx context.Context, id string) (*models.SyncTask, error)
	Cancel(ctx context.Context, id string) (*models.SyncTask, error)
	Get(ctx context.Context, id string) (*models.SyncTask, error)
	List(ctx context.Context, limit int) ([]models.SyncTask, error)
	Items(ctx context.Context, id string) ([]models.SyncTaskItem, error)
	Active(ctx context.Context) (*models.SyncTask, error)
}

// SyncController manages bulk historical backfills
type SyncController struct {
	tasks SyncTasks
}

// NewSyncController creates a new sync controller
func NewSyncController(tasks SyncTasks) *SyncController {
	return &SyncController{tasks: tasks}
}

type createSyncRequest struct {
	Market    string   `json:"market"`
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols"`
	Period    string   `json:"period"`
	Days      int      `json:"days"`
	DateRange *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"date_range"`
}

// CreateTask creates a sync task and starts it in the background
// POST /api/v1/sync/tasks
func (sc *SyncController) CreateTask(c *gin.Context) {
	var body createSyncRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("invalid request body"))
		return
	}
	if body.Market != "" {
		if err := middleware.CheckMarketScope(c, body.Market); err != nil {
			middleware.AbortWithError(c, err)
			return
		}
	}
	ctx := c.Request.Context()

	active, err := sc.tasks.Active(ctx)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if active != nil {
		middleware.AbortWithError(c, apperrors.Conflict("sync task %s is already running", active.ID))
		return
	}

	req := synctask.Request{
		Market:  body.Market,
		Type:    body.Type,
		Symbols: body.Symbols,
		Period:  body.Period,
		Days:    body.Days,
	}
	if body.DateRange != nil {
		req.StartDate = body.DateRange.Start
		req.EndDate = body.DateRange.End
	}

	task, err := sc.tasks.Create(ctx, req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	if task.Status == models.SyncPending {
		started, err := sc.tasks.Start(ctx, task.ID)
		if err != nil {
			// lost the race with another submission
			if _, cerr := sc.tasks.Cancel(ctx, task.ID); cerr != nil {
				logger.WithComponent("sync").WithError(cerr).Warn("failed to cancel unstarted task")
			}
			middleware.AbortWithError(c, err)
			return
		}
		task = started
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
		"task":    task,
	})
}

// ListTasks returns recent tasks
// GET /api/v1/sync/tasks
func (sc *SyncController) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	tasks, err := sc.tasks.List(c.Request.Context(), limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  tasks,
		"count": len(tasks),
	})
}

// GetTask returns task status, progress and per-symbol items
// GET /api/v1/sync/tasks/:id
func (sc *SyncController) GetTask(c *gin.Context) {
	id := c.Param("id")

	task, err := sc.tasks.Get(c.Request.Context(), id)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	items, err := sc.tasks.Items(c.Request.Context(), id)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":  task,
		"items": items,
	})
}

// CancelTask requests cancellation
// POST /api/v1/sync/tasks/:id/cancel
func (sc *SyncController) CancelTask(c *gin.Context) {
	task, err := sc.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "cancellation requested",
	})
}
