package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"data_gateway/apperrors"
	"data_gateway/metrics"
	"data_gateway/services/ratelimit"
)

// Allower is the rate limiter surface
type Allower interface {
	Allow(clientKey, path string, perMinute, perHour int) ratelimit.Result
}

// RateLimitMiddleware applies the caller's per-minute and per-hour
// ceilings to each route. Keyed callers carry their own ceilings; anonymous
// callers share the defaults, keyed by IP.
func RateLimitMiddleware(l Allower, defaultPerMinute, defaultPerHour int) gin.HandlerFunc {
	return func(c *gin.Context) {
		perMinute, perHour := defaultPerMinute, defaultPerHour
		if v := c.GetInt(ctxLimitMin); v > 0 {
			perMinute = v
		}
		if v := c.GetInt(ctxLimitHour); v > 0 {
			perHour = v
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		res := l.Allow(ClientKey(c), path, perMinute, perHour)

		// Set headers for client awareness
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			metrics.RateLimited(path)
			AbortWithError(c, apperrors.RateLimited(res.RetryAfterSeconds, res.Remaining))
			return
		}
		c.Next()
	}
}
