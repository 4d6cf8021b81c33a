package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/logger"
)

// AbortWithError renders err as {"error": {...}} and stops the chain.
// Causes and denial reasons are logged, never returned.
func AbortWithError(c *gin.Context, err error) {
	e := apperrors.From(err)
	status := e.Status()

	body := gin.H{
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Code == apperrors.CodeRateLimited {
		body["retry_after_seconds"] = e.RetryAfterSeconds
		c.Header("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
	}
	if len(e.Attempted) > 0 || len(e.Skipped) > 0 {
		body["attempted_sources"] = e.Attempted
		body["skipped_sources"] = e.Skipped
	}

	fields := logger.Fields{
		"code":   e.Code,
		"status": status,
		"path":   c.FullPath(),
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	entry := logger.WithComponent("http").WithFields(fields)
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	if status >= 500 {
		entry.Error(e.Message)
	} else {
		entry.Debug(e.Message)
	}

	c.Set(ctxError, e.Message)
	resp := gin.H{"error": body}
	if e.Code == apperrors.CodeRateLimited {
		resp["remaining"] = e.Remaining
		resp["retry_after_seconds"] = e.RetryAfterSeconds
	}
	c.AbortWithStatusJSON(status, resp)
}
