package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"data_gateway/logger"
	"data_gateway/models"
	"data_gateway/services/requestlog"
)

// quiet paths are neither access-logged nor recorded
var quietPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// RequestLogMiddleware records every inbound call to sink and writes an
// access log line for errors and slow requests
func RequestLogMiddleware(sink requestlog.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if quietPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		market := c.GetString(ctxMarket)
		if market == "" {
			market = c.Query("market")
		}

		sink.Log(models.RequestLogEntry{
			Path:         path,
			Method:       c.Request.Method,
			Params:       c.Request.URL.RawQuery,
			ClientIP:     c.ClientIP(),
			ClientKey:    c.GetString(ctxAPIKey),
			Market:       market,
			Source:       c.GetString(ctxSource),
			LatencyMs:    duration.Milliseconds(),
			HTTPStatus:   status,
			ResponseSize: c.Writer.Size(),
			CacheHit:     c.GetBool(ctxCacheHit),
			ErrorMessage: c.GetString(ctxError),
		})

		// Only log errors or slow requests
		if status >= 400 || duration > time.Second {
			logger.WithComponent("http").WithFields(logger.Fields{
				"method":   c.Request.Method,
				"path":     path,
				"status":   status,
				"duration": duration.String(),
				"client":   ClientKey(c),
			}).Info("request")
		}
	}
}
