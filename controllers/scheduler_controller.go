package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/middleware"
	"data_gateway/models"
	"data_gateway/scheduler"
)

// SchedulerAdmin is the job scheduler surface
type SchedulerAdmin interface {
	Status() scheduler.Status
	Trigger(ctx context.Context, days int) error
}

// ActiveTask reports the running sync task
type ActiveTask interface {
	Active(ctx context.Context) (*models.SyncTask, error)
}

// SchedulerController exposes scheduled sync state to operators
type SchedulerController struct {
	scheduler SchedulerAdmin
	tasks     ActiveTask
}

// NewSchedulerController creates a new scheduler controller
func NewSchedulerController(s SchedulerAdmin, tasks ActiveTask) *SchedulerController {
	return &SchedulerController{scheduler: s, tasks: tasks}
}

// GetStatus lists scheduled jobs and their next runs
// GET /api/v1/admin/scheduler/status
func (sc *SchedulerController) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, sc.scheduler.Status())
}

// Trigger runs the universe sync now
// POST /api/v1/admin/scheduler/trigger?days=30
func (sc *SchedulerController) Trigger(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("days must be an integer"))
		return
	}

	ctx := c.Request.Context()
	active, err := sc.tasks.Active(ctx)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if active != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    apperrors.CodeConflict,
				"message": "sync task " + active.ID + " is already running",
			},
			"active_task": active,
		})
		return
	}

	if err := sc.scheduler.Trigger(ctx, days); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "universe sync triggered",
		"days":    days,
	})
}

// GetActiveTask returns the running sync task, or null
// GET /api/v1/admin/sync/active
func (sc *SchedulerController) GetActiveTask(c *gin.Context) {
	active, err := sc.tasks.Active(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_task": active})
}
